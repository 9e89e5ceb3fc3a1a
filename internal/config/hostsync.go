package config

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	syncServerURL    = configVar[string]{"TRAKLIST_WS_URL", "server", "ws://localhost:8080/ws", "Room socket URL"}
	syncRoom         = configVar[string]{"TRAKLIST_ROOM", "room", "", "Room code to follow"}
	syncHostToken    = configVar[string]{"TRAKLIST_HOST_TOKEN", "host-token", "", "Host token, joins as host when set"}
	syncName         = configVar[string]{"TRAKLIST_NAME", "name", "Speaker", "Display name when joining as a guest"}
	syncGuestKeyFile = configVar[string]{"TRAKLIST_GUEST_KEY_FILE", "guest-key-file", ".traklist-guest-key", "Where the guest key is persisted"}
	syncAccessToken  = configVar[string]{"SPOTIFY_ACCESS_TOKEN", "spotify-access-token", "", "Spotify access token of the playback account"}
	syncDeviceID     = configVar[string]{"SPOTIFY_DEVICE_ID", "spotify-device-id", "", "Spotify device to drive"}
	syncLogLevel     = configVar[string]{"LOG_LEVEL", "log-level", "info", "Logging level"}
)

// HostSyncConfig configures the headless device follower.
type HostSyncConfig struct {
	ServerURL    string
	Room         string
	HostToken    string
	Name         string
	GuestKeyFile string
	AccessToken  string
	DeviceID     string
	LogLevel     string
}

func LoadHostSync(args []string) (*HostSyncConfig, error) {
	fs := pflag.NewFlagSet("hostsync", pflag.ContinueOnError)
	v := viper.New()

	for _, cv := range []configVar[string]{
		syncServerURL, syncRoom, syncHostToken, syncName, syncGuestKeyFile,
		syncAccessToken, syncDeviceID, syncLogLevel,
	} {
		cv.register(fs, v)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	return &HostSyncConfig{
		ServerURL:    v.GetString(syncServerURL.flagKey),
		Room:         v.GetString(syncRoom.flagKey),
		HostToken:    v.GetString(syncHostToken.flagKey),
		Name:         v.GetString(syncName.flagKey),
		GuestKeyFile: v.GetString(syncGuestKeyFile.flagKey),
		AccessToken:  v.GetString(syncAccessToken.flagKey),
		DeviceID:     v.GetString(syncDeviceID.flagKey),
		LogLevel:     v.GetString(syncLogLevel.flagKey),
	}, nil
}

func (c *HostSyncConfig) Validate() error {
	var errs []error
	if c.Room == "" {
		errs = append(errs, fmt.Errorf("%s is required", syncRoom.envKey))
	}
	if c.AccessToken == "" {
		errs = append(errs, fmt.Errorf("%s is required", syncAccessToken.envKey))
	}
	if c.DeviceID == "" {
		errs = append(errs, fmt.Errorf("%s is required", syncDeviceID.envKey))
	}
	return errors.Join(errs...)
}

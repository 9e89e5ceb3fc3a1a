package devicesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/traklist/server/internal/config"
	"github.com/traklist/server/internal/room"
	"github.com/traklist/server/internal/ws"
	"github.com/traklist/server/pkg/models"
)

var (
	// errSessionOver is returned by a session that ended for good.
	errSessionOver = errors.New("room session over")
	// ErrJoinRefused means the server answered the join with an error, such
	// as an unknown room or a host token it does not accept.
	ErrJoinRefused = errors.New("join refused")
)

// Follower joins a room over its socket and feeds every now-playing snapshot
// to an Actor. It reconnects with backoff until the room ends for it.
type Follower struct {
	cfg    config.HostSyncConfig
	actor  *Actor
	dialer *websocket.Dialer
	logger logrus.FieldLogger
	minGap time.Duration
}

func NewFollower(cfg config.HostSyncConfig, actor *Actor, logger logrus.FieldLogger) *Follower {
	return &Follower{
		cfg:    cfg,
		actor:  actor,
		dialer: websocket.DefaultDialer,
		logger: logger,
		minGap: 500 * time.Millisecond,
	}
}

// Run returns nil once the room was closed or this follower was removed,
// ErrJoinRefused when the server turned the join down, and ctx.Err() when
// cancelled.
func (f *Follower) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: f.minGap, Max: 30 * time.Second, Factor: 2, Jitter: true}

	for {
		err := f.session(ctx)
		switch {
		case errors.Is(err, errSessionOver):
			return nil
		case errors.Is(err, ErrJoinRefused):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}

		wait := b.Duration()
		f.logger.WithError(err).WithField("retry_in", wait).Warn("room connection lost")
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (f *Follower) session(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.cfg.ServerURL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(f.joinMessage()); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	joined := false
	for {
		var env ws.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		// Until the server has answered the join with anything else, an
		// errorNotice is its answer and retrying would get the same one.
		if !joined && env.Type == room.EventErrorNotice {
			var p room.NoticePayload
			_ = json.Unmarshal(env.Payload, &p)
			return fmt.Errorf("%w: %s", ErrJoinRefused, p.Message)
		}
		joined = true
		if err := f.handle(ctx, env); err != nil {
			return err
		}
	}
}

func (f *Follower) joinMessage() interface{} {
	join := ws.JoinPayload{RoomID: f.cfg.Room, Name: f.cfg.Name}
	if f.cfg.HostToken != "" {
		join.IsHost = true
		join.HostToken = f.cfg.HostToken
	} else {
		join.GuestKey = f.readGuestKey()
	}
	return struct {
		Type    string         `json:"type"`
		Payload ws.JoinPayload `json:"payload"`
	}{ws.TypeJoin, join}
}

func (f *Follower) handle(ctx context.Context, env ws.Envelope) error {
	log := f.logger.WithField("event", env.Type)

	switch env.Type {
	case room.EventJoinPending:
		log.Info("waiting for host approval")

	case room.EventJoinApproved:
		var p room.JoinApprovedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if p.GuestKey != "" {
			f.writeGuestKey(p.GuestKey)
		}
		log.WithField("room", p.RoomID).Info("joined room")

	case room.EventNowPlayingUpdated:
		var np *models.NowPlaying
		if err := json.Unmarshal(env.Payload, &np); err != nil {
			return err
		}
		go f.sync(ctx, np)

	case room.EventHostAvailability:
		var p room.HostAvailabilityPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			log.WithField("online", p.Online).Info("host availability changed")
		}

	case room.EventErrorNotice:
		var p room.NoticePayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			log.Warn(p.Message)
		}

	case room.EventJoinRejected, room.EventRemovedFromRoom, room.EventLeftRoom, room.EventRoomClosed:
		var p room.ReasonPayload
		_ = json.Unmarshal(env.Payload, &p)
		log.WithField("reason", p.Reason).Info("room session ended")
		f.removeGuestKey()
		return errSessionOver
	}
	return nil
}

func (f *Follower) sync(ctx context.Context, np *models.NowPlaying) {
	res, err := f.actor.Sync(ctx, np)
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			if se.Kind == KindActivationRequired {
				// Once the device is awake the next snapshot must transfer
				// playback again rather than only seek.
				f.actor.Reset()
			}
			f.logger.WithField("kind", se.Kind).Warn(se.Message())
			return
		}
		f.logger.WithError(err).Warn("device sync failed")
		return
	}
	f.logger.WithField("result", res).Debug("device sync")
}

func (f *Follower) readGuestKey() string {
	if f.cfg.GuestKeyFile == "" {
		return ""
	}
	data, err := os.ReadFile(f.cfg.GuestKeyFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (f *Follower) writeGuestKey(key string) {
	if f.cfg.GuestKeyFile == "" {
		return
	}
	if err := os.WriteFile(f.cfg.GuestKeyFile, []byte(key+"\n"), 0o600); err != nil {
		f.logger.WithError(err).Warn("failed to persist guest key")
	}
}

func (f *Follower) removeGuestKey() {
	if f.cfg.GuestKeyFile == "" {
		return
	}
	if err := os.Remove(f.cfg.GuestKeyFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		f.logger.WithError(err).Warn("failed to remove guest key")
	}
}

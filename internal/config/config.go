package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/traklist/server/pkg/database"
)

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
	usage        string
}

// register declares the flag, binds its env var and records the default.
func (c configVar[T]) register(fs *pflag.FlagSet, v *viper.Viper) {
	switch d := any(c.defaultValue).(type) {
	case string:
		fs.String(c.flagKey, d, c.usage)
	case int:
		fs.Int(c.flagKey, d, c.usage)
	case bool:
		fs.Bool(c.flagKey, d, c.usage)
	case time.Duration:
		fs.Duration(c.flagKey, d, c.usage)
	default:
		panic(fmt.Sprintf("config: unsupported type for %s", c.flagKey))
	}
	_ = v.BindEnv(c.flagKey, c.envKey)
	v.SetDefault(c.flagKey, c.defaultValue)
}

var (
	host              = configVar[string]{"HOST", "host", "0.0.0.0", "Server host"}
	port              = configVar[int]{"PORT", "port", 8080, "Server port"}
	env               = configVar[string]{"ENV", "env", "development", "Environment name (development, production)"}
	publicURL         = configVar[string]{"PUBLIC_URL", "public-url", "http://localhost:5173", "Base URL of the web client"}
	allowedOrigins    = configVar[string]{"ALLOWED_ORIGINS", "allowed-origins", "http://localhost:5173", "Comma separated CORS origins"}
	logLevel          = configVar[string]{"LOG_LEVEL", "log-level", "info", "Logging level"}
	logFormat         = configVar[string]{"LOG_FORMAT", "log-format", "text", "Log format (text, json)"}
	spotifyID         = configVar[string]{"SPOTIFY_CLIENT_ID", "spotify-client-id", "", "Spotify client id"}
	spotifySecret     = configVar[string]{"SPOTIFY_CLIENT_SECRET", "spotify-client-secret", "", "Spotify client secret"}
	spotifyRedirect   = configVar[string]{"SPOTIFY_REDIRECT_URI", "spotify-redirect-uri", "", "Spotify OAuth redirect URI"}
	hostTokenSecret   = configVar[string]{"HOST_TOKEN_SECRET", "host-token-secret", "", "Secret used to sign host tokens"}
	hostTokenTTL      = configVar[time.Duration]{"HOST_TOKEN_TTL", "host-token-ttl", 12 * time.Hour, "Host token lifetime"}
	reconcileInterval = configVar[time.Duration]{"RECONCILE_INTERVAL", "reconcile-interval", 5 * time.Second, "Playback poll interval"}
	redisAddr         = configVar[string]{"REDIS_ADDR", "redis-addr", "", "Redis address, empty keeps OAuth state in memory"}
	redisPassword     = configVar[string]{"REDIS_PASSWORD", "redis-password", "", "Redis password"}
	redisDB           = configVar[int]{"REDIS_DB", "redis-db", 0, "Redis database"}
	kafkaBrokers      = configVar[string]{"KAFKA_BROKERS", "kafka-brokers", "", "Comma separated Kafka brokers, empty disables events"}
	kafkaTopic        = configVar[string]{"KAFKA_TOPIC", "kafka-topic", "traklist-room-events", "Kafka topic for room events"}
	mysqlHost         = configVar[string]{"MYSQL_HOST", "mysql-host", "", "MySQL host, empty disables history"}
	mysqlPort         = configVar[int]{"MYSQL_PORT", "mysql-port", 3306, "MySQL port"}
	mysqlUser         = configVar[string]{"MYSQL_USER", "mysql-user", "traklist", "MySQL user"}
	mysqlPassword     = configVar[string]{"MYSQL_PASSWORD", "mysql-password", "", "MySQL password"}
	mysqlDatabase     = configVar[string]{"MYSQL_DATABASE", "mysql-database", "traklist", "MySQL database"}
	historyAPIToken   = configVar[string]{"HISTORY_API_TOKEN", "history-api-token", "", "Bearer token for the session history API, empty disables it"}
	ngrokEnabled      = configVar[bool]{"NGROK_ENABLED", "ngrok", false, "Expose the server through an ngrok tunnel"}
	ngrokAuthToken    = configVar[string]{"NGROK_AUTHTOKEN", "ngrok-authtoken", "", "ngrok auth token"}
	ngrokDomain       = configVar[string]{"NGROK_DOMAIN", "ngrok-domain", "", "Reserved ngrok domain"}
)

type SpotifyConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
	RedirectURI  string `json:"redirect_uri"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

type NgrokConfig struct {
	Enabled   bool   `json:"enabled"`
	AuthToken string `json:"-"`
	Domain    string `json:"domain"`
}

type Config struct {
	Host              string          `json:"host"`
	Port              int             `json:"port"`
	Env               string          `json:"env"`
	PublicURL         string          `json:"public_url"`
	AllowedOrigins    []string        `json:"allowed_origins"`
	LogLevel          string          `json:"log_level"`
	LogFormat         string          `json:"log_format"`
	Spotify           SpotifyConfig   `json:"spotify"`
	HostTokenSecret   string          `json:"-"`
	HostTokenTTL      time.Duration   `json:"host_token_ttl"`
	ReconcileInterval time.Duration   `json:"reconcile_interval"`
	Redis             RedisConfig     `json:"redis"`
	Kafka             KafkaConfig     `json:"kafka"`
	MySQL             database.Config `json:"mysql"`
	HistoryAPIToken   string          `json:"-"`
	Ngrok             NgrokConfig     `json:"ngrok"`
}

// Load resolves every setting from flags, then env vars, then defaults.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("traklist", pflag.ContinueOnError)
	v := viper.New()

	for _, cv := range []interface {
		register(*pflag.FlagSet, *viper.Viper)
	}{
		host, port, env, publicURL, allowedOrigins, logLevel, logFormat,
		spotifyID, spotifySecret, spotifyRedirect, hostTokenSecret, hostTokenTTL, reconcileInterval,
		redisAddr, redisPassword, redisDB, kafkaBrokers, kafkaTopic,
		mysqlHost, mysqlPort, mysqlUser, mysqlPassword, mysqlDatabase, historyAPIToken,
		ngrokEnabled, ngrokAuthToken, ngrokDomain,
	} {
		cv.register(fs, v)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	return &Config{
		Host:           v.GetString(host.flagKey),
		Port:           v.GetInt(port.flagKey),
		Env:            v.GetString(env.flagKey),
		PublicURL:      strings.TrimRight(v.GetString(publicURL.flagKey), "/"),
		AllowedOrigins: splitList(v.GetString(allowedOrigins.flagKey)),
		LogLevel:       v.GetString(logLevel.flagKey),
		LogFormat:      v.GetString(logFormat.flagKey),
		Spotify: SpotifyConfig{
			ClientID:     v.GetString(spotifyID.flagKey),
			ClientSecret: v.GetString(spotifySecret.flagKey),
			RedirectURI:  v.GetString(spotifyRedirect.flagKey),
		},
		HostTokenSecret:   v.GetString(hostTokenSecret.flagKey),
		HostTokenTTL:      v.GetDuration(hostTokenTTL.flagKey),
		ReconcileInterval: v.GetDuration(reconcileInterval.flagKey),
		Redis: RedisConfig{
			Addr:     v.GetString(redisAddr.flagKey),
			Password: v.GetString(redisPassword.flagKey),
			DB:       v.GetInt(redisDB.flagKey),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString(kafkaBrokers.flagKey)),
			Topic:   v.GetString(kafkaTopic.flagKey),
		},
		MySQL: database.Config{
			Host:     v.GetString(mysqlHost.flagKey),
			Port:     v.GetInt(mysqlPort.flagKey),
			User:     v.GetString(mysqlUser.flagKey),
			Password: v.GetString(mysqlPassword.flagKey),
			Database: v.GetString(mysqlDatabase.flagKey),
		},
		HistoryAPIToken: v.GetString(historyAPIToken.flagKey),
		Ngrok: NgrokConfig{
			Enabled:   v.GetBool(ngrokEnabled.flagKey),
			AuthToken: v.GetString(ngrokAuthToken.flagKey),
			Domain:    v.GetString(ngrokDomain.flagKey),
		},
	}, nil
}

// Validate reports every missing or malformed setting at once.
func (c *Config) Validate() error {
	var errs []error
	required := map[string]string{
		spotifyID.envKey:       c.Spotify.ClientID,
		spotifySecret.envKey:   c.Spotify.ClientSecret,
		spotifyRedirect.envKey: c.Spotify.RedirectURI,
		hostTokenSecret.envKey: c.HostTokenSecret,
		publicURL.envKey:       c.PublicURL,
	}
	for _, key := range []string{spotifyID.envKey, spotifySecret.envKey, spotifyRedirect.envKey, hostTokenSecret.envKey, publicURL.envKey} {
		if required[key] == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s must be a valid port", port.envKey))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", reconcileInterval.envKey))
	}
	if c.HostTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", hostTokenTTL.envKey))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", logLevel.envKey, err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("%s must be text or json", logFormat.envKey))
	}
	if c.Ngrok.Enabled && c.Ngrok.AuthToken == "" {
		errs = append(errs, fmt.Errorf("%s is required when ngrok is enabled", ngrokAuthToken.envKey))
	}
	return errors.Join(errs...)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) HistoryEnabled() bool {
	return c.MySQL.Host != ""
}

// NewLogger builds the process logger from the log settings.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Command hostsync keeps a Spotify device playing whatever a room is playing.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/traklist/server/internal/config"
	"github.com/traklist/server/internal/devicesync"
	"github.com/traklist/server/internal/spotify"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadHostSync(os.Args[1:])
	if err != nil {
		logrus.WithError(err).Fatal("failed to parse configuration")
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Device commands only need the bearer token, not app credentials.
	player := spotify.NewClient("", "", "", spotify.WithLogger(logger))
	actor := devicesync.NewActor(player, cfg.AccessToken, cfg.DeviceID, devicesync.WithLogger(logger))

	log := logger.WithFields(logrus.Fields{"room": cfg.Room, "device": cfg.DeviceID})
	log.Info("following room")

	// SIGHUP re-reads .env so the speaker can be switched without leaving
	// the room.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				reloadDevice(actor, logger)
			}
		}
	}()

	if err := devicesync.NewFollower(*cfg, actor, log).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("follower stopped")
	}
	log.Info("stopped")
}

func reloadDevice(actor *devicesync.Actor, logger logrus.FieldLogger) {
	if err := godotenv.Overload(); err != nil {
		logger.WithError(err).Warn("failed to reload .env")
	}
	cfg, err := config.LoadHostSync(os.Args[1:])
	if err != nil {
		logger.WithError(err).Warn("failed to reload configuration")
		return
	}
	if cfg.DeviceID == "" {
		logger.Warn("reloaded configuration has no device, keeping the current one")
		return
	}
	actor.SetDevice(cfg.DeviceID)
	logger.WithField("device", cfg.DeviceID).Info("switched device")
}

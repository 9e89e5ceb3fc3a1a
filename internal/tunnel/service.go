package tunnel

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.ngrok.com/ngrok/v2"

	"github.com/traklist/server/internal/config"
)

// Service exposes the local server through an ngrok endpoint so guests
// outside the LAN can join. A nil *Service is a disabled tunnel.
type Service struct {
	cfg    config.NgrokConfig
	agent  ngrok.Agent
	fwd    ngrok.EndpointForwarder
	logger logrus.FieldLogger
}

// NewService returns nil when the tunnel is disabled.
func NewService(cfg config.NgrokConfig, logger logrus.FieldLogger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("ngrok auth token not set")
	}

	agent, err := ngrok.NewAgent(ngrok.WithAuthtoken(cfg.AuthToken))
	if err != nil {
		return nil, fmt.Errorf("create ngrok agent: %w", err)
	}

	return &Service{cfg: cfg, agent: agent, logger: logger}, nil
}

// Start forwards the public endpoint to localAddr.
func (s *Service) Start(ctx context.Context, localAddr string) error {
	if s == nil {
		return nil
	}

	var opts []ngrok.EndpointOption
	if s.cfg.Domain != "" {
		opts = append(opts, ngrok.WithURL(s.cfg.Domain))
	}

	fwd, err := s.agent.Forward(ctx, ngrok.WithUpstream(localAddr), opts...)
	if err != nil {
		return fmt.Errorf("start ngrok tunnel: %w", err)
	}
	s.fwd = fwd

	s.logger.WithFields(logrus.Fields{
		"public_url": fwd.URL().String(),
		"upstream":   localAddr,
	}).Info("ngrok tunnel active")
	return nil
}

func (s *Service) PublicURL() string {
	if s == nil || s.fwd == nil {
		return ""
	}
	return s.fwd.URL().String()
}

// Done is closed when the tunnel shuts down. It is nil for a disabled tunnel.
func (s *Service) Done() <-chan struct{} {
	if s == nil || s.fwd == nil {
		return nil
	}
	return s.fwd.Done()
}

func (s *Service) Stop() error {
	if s == nil || s.fwd == nil {
		return nil
	}
	s.logger.Info("stopping ngrok tunnel")
	return s.fwd.Close()
}

package room

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/traklist/server/internal/spotify"
	"github.com/traklist/server/pkg/events"
	"github.com/traklist/server/pkg/models"
)

const (
	// ProgressTolerance absorbs poll jitter between two snapshots.
	ProgressTolerance = 1500 * time.Millisecond

	DefaultReconcileInterval = 5 * time.Second

	refreshTimeout = 15 * time.Second
)

// RunReconciler polls every active room until ctx is done.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, code := range s.ActiveRooms() {
				go s.Reconcile(ctx, code)
			}
		}
	}
}

// Reconcile polls the provider once for the room and mirrors the result into
// its now-playing snapshot. A call while one is in flight for the same room
// returns immediately.
func (s *Service) Reconcile(ctx context.Context, code string) {
	s.mu.Lock()
	r := s.lookup(code)
	if r == nil || !r.reconcile.tryStart() {
		s.mu.Unlock()
		return
	}
	token := r.tokens.AccessToken
	s.mu.Unlock()
	defer r.reconcile.done()

	log := s.logger.WithField("room", r.Code)

	playback, err := s.api.CurrentlyPlaying(ctx, token)
	if err != nil {
		if errors.Is(err, spotify.ErrUnauthorized) {
			if rerr := s.RefreshTokens(ctx, r.Code); rerr != nil {
				log.WithError(rerr).Warn("token refresh failed, playback state is stale")
			}
			return
		}
		log.WithError(err).Debug("currently playing poll failed")
		return
	}

	played := s.applyPlayback(r, playback)
	if played != nil {
		if err := s.history.RecordPlayedTrack(ctx, played); err != nil {
			log.WithError(err).Warn("failed to record played track")
		}
	}
}

// applyPlayback stores the polled state and broadcasts meaningful changes. It
// returns a history row when the track identity changed.
func (s *Service) applyPlayback(r *Room, playback *spotify.Playback) *models.PlayedTrack {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rooms[r.Code] != r {
		return nil
	}

	if playback == nil || playback.Item == nil {
		if r.nowPlaying != nil {
			r.nowPlaying = nil
			s.broadcast(r, nowPlayingMessage(nil))
		}
		return nil
	}

	now := s.now()
	next := &models.NowPlaying{
		Track:      playback.Item.Model(),
		ProgressMs: playback.ProgressMs,
		IsPlaying:  playback.IsPlaying,
		UpdatedAt:  now,
	}
	prev := r.nowPlaying
	r.nowPlaying = next

	if snapshotChanged(prev, next) {
		s.broadcast(r, nowPlayingMessage(next))
		s.publish(r.Code, "", events.EventTypeNowPlayingChanged, events.NowPlayingPayload{
			TrackID:   next.ID,
			TrackName: next.Name,
			Artist:    next.Artist,
			IsPlaying: next.IsPlaying,
		})
	}

	if prev != nil && prev.ID == next.ID {
		return nil
	}
	return &models.PlayedTrack{
		RoomCode:  r.Code,
		TrackID:   next.ID,
		Name:      next.Name,
		Artist:    next.Artist,
		StartedAt: now,
	}
}

func snapshotChanged(prev, next *models.NowPlaying) bool {
	if prev == nil {
		return true
	}
	if prev.ID != next.ID || prev.IsPlaying != next.IsPlaying {
		return true
	}
	diff := next.ProgressMs - prev.ProgressMs
	if diff < 0 {
		diff = -diff
	}
	return diff > ProgressTolerance.Milliseconds()
}

// RefreshTokens swaps the room's access token using its refresh token.
// Concurrent refreshes for one room share a single provider call, which is
// detached from the first caller's cancellation.
func (s *Service) RefreshTokens(ctx context.Context, code string) error {
	code = NormalizeCode(code)

	_, err, _ := s.refreshGroup.Do(code, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		s.mu.Lock()
		r := s.rooms[code]
		if r == nil {
			s.mu.Unlock()
			return nil, ErrRoomNotFound
		}
		refresh := r.tokens.RefreshToken
		s.mu.Unlock()

		if refresh == "" {
			return nil, errors.New("room has no refresh token")
		}

		token, err := s.tokens.RefreshToken(ctx, refresh)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if r = s.rooms[code]; r == nil {
			return nil, ErrRoomNotFound
		}
		r.tokens.AccessToken = token.AccessToken
		r.tokens.ExpiresAt = token.ExpiresAt
		if token.RefreshToken != "" {
			r.tokens.RefreshToken = token.RefreshToken
		}

		s.logger.WithFields(logrus.Fields{"room": code}).Info("room token refreshed")
		return nil, nil
	})
	return err
}

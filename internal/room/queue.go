package room

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/traklist/server/internal/spotify"
	"github.com/traklist/server/pkg/events"
	"github.com/traklist/server/pkg/models"
)

const (
	anonymousName = "Someone"

	premiumRequiredMessage = "Spotify Premium Account Required"
	sessionExpiredMessage  = "Session expired. Host needs to re-login."
)

// providerMessages are the participant-facing texts for one operation.
type providerMessages struct {
	refreshed string
	noDevice  string
	transient string
}

var (
	searchMessages = providerMessages{
		refreshed: "Session refreshed. Search again.",
		noDevice:  "Search failed. Try again.",
		transient: "Search failed. Try again.",
	}
	addMessages = providerMessages{
		refreshed: "Session refreshed. Add the song again.",
		noDevice:  "Failed to add song. Is Spotify playing on a device?",
		transient: "Failed to add song. Try again.",
	}
)

// providerError translates a provider failure into a room error. An expired
// token triggers one refresh for the room before answering.
func (s *Service) providerError(ctx context.Context, code string, err error, msgs providerMessages) *Error {
	switch {
	case errors.Is(err, spotify.ErrUnauthorized):
		if rerr := s.RefreshTokens(ctx, code); rerr != nil {
			return newError(KindAuthExpired, sessionExpiredMessage, rerr)
		}
		return newError(KindAuthExpired, msgs.refreshed, err)
	case errors.Is(err, spotify.ErrNoActiveDevice):
		return newError(KindCapability, msgs.noDevice, err)
	case errors.Is(err, spotify.ErrForbidden):
		return newError(KindCapability, premiumRequiredMessage, err)
	default:
		return newError(KindTransient, msgs.transient, err)
	}
}

// Search runs a provider search with the room's credentials.
func (s *Service) Search(ctx context.Context, connID, code, query string) ([]models.Track, error) {
	s.mu.Lock()
	r, _, err := s.participant(connID, code)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	token, roomCode := r.tokens.AccessToken, r.Code
	s.mu.Unlock()

	query = strings.TrimSpace(query)
	if query == "" {
		return []models.Track{}, nil
	}

	tracks, err := s.api.Search(ctx, token, query, searchLimit)
	if err != nil {
		s.logger.WithError(err).WithField("room", roomCode).Warn("search failed")
		return nil, s.providerError(ctx, roomCode, err, searchMessages)
	}
	return tracks, nil
}

// AddTrack enqueues on the provider first and records the queue item only
// after that succeeds.
func (s *Service) AddTrack(ctx context.Context, connID, code string, track models.Track, anonymous bool) (*models.QueueItem, error) {
	s.mu.Lock()
	r, m, err := s.participant(connID, code)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	token, roomCode, memberKey := r.tokens.AccessToken, r.Code, m.Key
	s.mu.Unlock()

	if track.URI == "" {
		track.URI = "spotify:track:" + track.ID
	}

	if err := s.api.Enqueue(ctx, token, track.URI); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"room": roomCode, "track": track.ID}).Warn("enqueue failed")
		return nil, s.providerError(ctx, roomCode, err, addMessages)
	}

	s.mu.Lock()
	r = s.rooms[roomCode]
	if r == nil {
		s.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	// The provider already queued the track, so the item stays even if the
	// member was removed meanwhile; it just loses its attribution.
	cur := r.members[memberKey]
	if cur == nil {
		memberKey = ""
		anonymous = true
	}
	addedBy := anonymousName
	if !anonymous {
		addedBy = cur.Name
	}
	item := &models.QueueItem{
		QueueItemID: uuid.NewString(),
		Track:       track,
		AddedBy:     addedBy,
		Anonymous:   anonymous,
		AddedAt:     s.now(),
	}
	r.queue = append(r.queue, item)
	r.tracksAdded++
	s.broadcastQueue(r)
	s.publish(roomCode, memberKey, events.EventTypeTrackAdded, events.TrackAddedPayload{
		QueueItemID: item.QueueItemID,
		TrackID:     track.ID,
		TrackName:   track.Name,
		Artist:      track.Artist,
		Anonymous:   anonymous,
	})
	added := *item
	s.mu.Unlock()

	s.Reconcile(ctx, roomCode)
	return &added, nil
}

// Vote applies +1 or -1. Items at or below DownvoteThreshold leave the local
// queue; the provider's queue keeps them.
func (s *Service) Vote(connID, code string, ref TrackRef, direction int) error {
	if direction != 1 && direction != -1 {
		return ErrInvalidVote
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, m, err := s.participant(connID, code)
	if err != nil {
		return err
	}
	i := r.indexForVote(ref)
	if i < 0 {
		return ErrTrackNotQueued
	}

	item := r.queue[i]
	item.Votes += direction
	r.votesCast++

	removed := item.Votes <= DownvoteThreshold
	if removed {
		r.removeAt(i)
		s.logger.WithFields(logrus.Fields{"room": r.Code, "track": item.ID}).Info("track voted out")
	}

	s.broadcastQueue(r)
	s.publish(r.Code, m.Key, events.EventTypeTrackVoted, events.TrackVotedPayload{
		QueueItemID: item.QueueItemID,
		TrackID:     item.ID,
		Value:       direction,
		TotalVotes:  item.Votes,
		Removed:     removed,
	})
	return nil
}

// RemoveTrack is host-only and silent when nothing matches.
func (s *Service) RemoveTrack(hostConnID, code string, ref TrackRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.hostRoom(hostConnID, code)
	if err != nil {
		return err
	}
	i := r.indexForRemoval(ref)
	if i < 0 {
		return nil
	}

	item := r.removeAt(i)
	s.broadcastQueue(r)
	s.publish(r.Code, HostMemberKey, events.EventTypeTrackRemoved, events.TrackRemovedPayload{
		QueueItemID: item.QueueItemID,
		TrackID:     item.ID,
	})
	return nil
}

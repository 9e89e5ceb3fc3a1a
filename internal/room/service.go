package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/traklist/server/internal/spotify"
	"github.com/traklist/server/pkg/events"
	"github.com/traklist/server/pkg/models"
)

const (
	codeAlphabet    = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeLength      = 6
	guestKeyLength  = 24
	maxCodeAttempts = 20
	searchLimit     = 10
)

// PlaybackAPI is the slice of the provider the room engine calls.
type PlaybackAPI interface {
	Search(ctx context.Context, accessToken, query string, limit int) ([]models.Track, error)
	CurrentlyPlaying(ctx context.Context, accessToken string) (*spotify.Playback, error)
	Enqueue(ctx context.Context, accessToken, uri string) error
}

type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*spotify.TokenResponse, error)
}

type HistoryRecorder interface {
	RecordSession(ctx context.Context, session *models.RoomSession) error
	RecordPlayedTrack(ctx context.Context, track *models.PlayedTrack) error
}

// connContext is the per-connection record. A connection belongs to at most
// one room, either pending or bound to a member.
type connContext struct {
	roomCode  string
	memberKey string
	isHost    bool
	pending   bool
}

// Service owns every live room. All room state is mutated under mu; provider
// calls happen with mu released.
type Service struct {
	mu    sync.Mutex
	rooms map[string]*Room
	conns map[string]*connContext

	api      PlaybackAPI
	tokens   TokenRefresher
	notifier Notifier
	events   events.Publisher
	history  HistoryRecorder
	logger   logrus.FieldLogger
	now      func() time.Time

	refreshGroup singleflight.Group
	newCode      func() (string, error)
	newGuestKey  func() (string, error)
}

type Option func(*Service)

func WithEvents(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithHistory(h HistoryRecorder) Option {
	return func(s *Service) { s.history = h }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCodeGenerator replaces the random room code source.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.newCode = gen }
}

func NewService(api PlaybackAPI, tokens TokenRefresher, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		rooms:    make(map[string]*Room),
		conns:    make(map[string]*connContext),
		api:      api,
		tokens:   tokens,
		notifier: notifier,
		events:   events.NopPublisher{},
		history:  nopHistory{},
		logger:   logrus.StandardLogger(),
		now:      time.Now,
		newCode: func() (string, error) {
			return gonanoid.Generate(codeAlphabet, codeLength)
		},
		newGuestKey: func() (string, error) {
			return gonanoid.New(guestKeyLength)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRoom registers a room for an authorized host. The host member starts
// offline until a host connection attaches.
func (s *Service) CreateRoom(host models.HostProfile, tokens Tokens) (string, error) {
	host.Name = normalizeName(host.Name, "Host")

	s.mu.Lock()
	defer s.mu.Unlock()

	code, err := s.freeCode()
	if err != nil {
		return "", err
	}

	s.rooms[code] = newRoom(code, host, tokens, s.now())
	s.publish(code, HostMemberKey, events.EventTypeRoomCreated, events.RoomCreatedPayload{HostName: host.Name})

	s.logger.WithFields(logrus.Fields{"room": code, "host": host.Name}).Info("room created")
	return code, nil
}

func (s *Service) freeCode() (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := s.newCode()
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		code = NormalizeCode(code)
		if _, taken := s.rooms[code]; !taken && code != "" {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

// lookup is case-insensitive. Callers hold mu.
func (s *Service) lookup(code string) *Room {
	return s.rooms[NormalizeCode(code)]
}

func (s *Service) HasRoom(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(code) != nil
}

func (s *Service) Summary(code string) (*models.RoomSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.lookup(code)
	if r == nil {
		return nil, ErrRoomNotFound
	}
	summary := r.summary()
	return &summary, nil
}

func (s *Service) Queue(code string) ([]models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.lookup(code)
	if r == nil {
		return nil, ErrRoomNotFound
	}
	return r.sortedQueue(), nil
}

func (s *Service) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// ActiveRooms lists rooms with at least one online member.
func (s *Service) ActiveRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	codes := make([]string, 0, len(s.rooms))
	for code, r := range s.rooms {
		if r.onlineCount() > 0 {
			codes = append(codes, code)
		}
	}
	return codes
}

// CloseRoom tears a room down and frees its code.
func (s *Service) CloseRoom(ctx context.Context, code, reason string) error {
	s.mu.Lock()
	r := s.lookup(code)
	if r == nil {
		s.mu.Unlock()
		return ErrRoomNotFound
	}
	session := s.closeLocked(r, reason)
	s.mu.Unlock()

	if err := s.history.RecordSession(ctx, session); err != nil {
		s.logger.WithError(err).WithField("room", session.Code).Warn("failed to record room session")
	}
	return nil
}

func (s *Service) closeLocked(r *Room, reason string) *models.RoomSession {
	closed := Message{Type: EventRoomClosed, Payload: ReasonPayload{Reason: reason}}
	for _, m := range r.members {
		if m.Online && m.ConnID != "" {
			s.notifier.Send(m.ConnID, closed)
			delete(s.conns, m.ConnID)
		}
		m.Online = false
		m.ConnID = ""
	}

	rejected := Message{Type: EventJoinRejected, Payload: ReasonPayload{Reason: reason}}
	for connID := range r.pending {
		s.notifier.Send(connID, rejected)
		delete(s.conns, connID)
	}
	r.pending = make(map[string]*PendingGuest)
	r.hostConnID = ""

	delete(s.rooms, r.Code)
	s.publish(r.Code, HostMemberKey, events.EventTypeRoomClosed, events.RoomClosedPayload{Reason: reason})

	s.logger.WithFields(logrus.Fields{"room": r.Code, "reason": reason}).Info("room closed")

	return &models.RoomSession{
		Code:        r.Code,
		HostName:    r.Host.Name,
		CreatedAt:   r.CreatedAt,
		ClosedAt:    s.now(),
		CloseReason: reason,
		TracksAdded: r.tracksAdded,
		VotesCast:   r.votesCast,
		PeakOnline:  r.peakOnline,
	}
}

// broadcast sends msg to every connection bound to a member of r.
func (s *Service) broadcast(r *Room, msg Message) {
	for _, m := range r.members {
		if m.Online && m.ConnID != "" {
			s.notifier.Send(m.ConnID, msg)
		}
	}
}

func (s *Service) broadcastQueue(r *Room) {
	s.broadcast(r, Message{Type: EventQueueUpdated, Payload: QueuePayload{Items: r.sortedQueue()}})
}

func (s *Service) emitPresence(r *Room) {
	online := r.onlineCount()
	if online > r.peakOnline {
		r.peakOnline = online
	}
	s.broadcast(r, Message{Type: EventPresenceUpdated, Payload: PresencePayload{
		Members:     r.memberList(),
		Pending:     r.pendingList(),
		OnlineCount: online,
	}})
}

// syncConnection pushes the room's current queue and playback to one connection.
func (s *Service) syncConnection(r *Room, connID string) {
	s.notifier.Send(connID, Message{Type: EventQueueUpdated, Payload: QueuePayload{Items: r.sortedQueue()}})
	s.notifier.Send(connID, nowPlayingMessage(r.nowPlaying))
}

func (s *Service) publish(code, memberID string, eventType events.EventType, payload interface{}) {
	event, err := events.NewEvent(eventType, code, memberID, payload)
	if err != nil {
		s.logger.WithError(err).WithField("event", eventType).Warn("failed to build room event")
		return
	}
	if err := s.events.Publish(context.Background(), event); err != nil {
		s.logger.WithError(err).WithField("event", eventType).Warn("failed to publish room event")
	}
}

type nopHistory struct{}

func (nopHistory) RecordSession(context.Context, *models.RoomSession) error { return nil }
func (nopHistory) RecordPlayedTrack(context.Context, *models.PlayedTrack) error {
	return nil
}

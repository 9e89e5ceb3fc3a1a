package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/traklist/server/internal/spotify"
	"github.com/traklist/server/pkg/models"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs map[string][]Message
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{msgs: make(map[string][]Message)}
}

func (n *recordingNotifier) Send(connID string, msg Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs[connID] = append(n.msgs[connID], msg)
}

func (n *recordingNotifier) types(connID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.msgs[connID] {
		out = append(out, m.Type)
	}
	return out
}

func (n *recordingNotifier) count(connID, eventType string) int {
	c := 0
	for _, t := range n.types(connID) {
		if t == eventType {
			c++
		}
	}
	return c
}

// last returns the most recent message of eventType sent to connID.
func (n *recordingNotifier) last(connID, eventType string) (Message, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	msgs := n.msgs[connID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == eventType {
			return msgs[i], true
		}
	}
	return Message{}, false
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = make(map[string][]Message)
}

type playbackResult struct {
	playback *spotify.Playback
	err      error
}

type fakeAPI struct {
	mu           sync.Mutex
	searchTracks []models.Track
	searchErrs   []error
	enqueueErr   error
	enqueued     []string
	playbacks    []playbackResult
	pollCalls    int

	// When set, CurrentlyPlaying reports on entered and waits for release.
	entered chan struct{}
	release chan struct{}

	// Same for Enqueue.
	enqueueEntered chan struct{}
	enqueueRelease chan struct{}
}

func (f *fakeAPI) Search(_ context.Context, _, _ string, _ int) ([]models.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.searchErrs) > 0 {
		err := f.searchErrs[0]
		f.searchErrs = f.searchErrs[1:]
		return nil, err
	}
	return f.searchTracks, nil
}

func (f *fakeAPI) CurrentlyPlaying(_ context.Context, _ string) (*spotify.Playback, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	if len(f.playbacks) == 0 {
		return nil, nil
	}
	res := f.playbacks[0]
	if len(f.playbacks) > 1 {
		f.playbacks = f.playbacks[1:]
	}
	return res.playback, res.err
}

func (f *fakeAPI) Enqueue(_ context.Context, _, uri string) error {
	if f.enqueueEntered != nil {
		f.enqueueEntered <- struct{}{}
		<-f.enqueueRelease
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, uri)
	return nil
}

func (f *fakeAPI) polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCalls
}

type fakeTokens struct {
	mu        sync.Mutex
	calls     int
	refreshes []string
	err       error
}

func (f *fakeTokens) RefreshToken(ctx context.Context, refresh string) (*spotify.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.refreshes = append(f.refreshes, refresh)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &spotify.TokenResponse{AccessToken: "fresh-" + refresh, ExpiresIn: 3600}, nil
}

type fakeHistory struct {
	mu       sync.Mutex
	sessions []*models.RoomSession
	played   []*models.PlayedTrack
}

func (f *fakeHistory) RecordSession(_ context.Context, s *models.RoomSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, s)
	return nil
}

func (f *fakeHistory) RecordPlayedTrack(_ context.Context, p *models.PlayedTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, p)
	return nil
}

// tickingClock advances one second per reading so timestamps are ordered.
type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickingClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	svc      *Service
	api      *fakeAPI
	notifier *recordingNotifier
	tokens   *fakeTokens
	history  *fakeHistory
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	f := &fixture{
		api:      &fakeAPI{},
		notifier: newRecordingNotifier(),
		tokens:   &fakeTokens{},
		history:  &fakeHistory{},
	}
	clock := &tickingClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	base := []Option{WithLogger(log), WithClock(clock.now), WithHistory(f.history)}
	f.svc = NewService(f.api, f.tokens, f.notifier, append(base, opts...)...)
	return f
}

func (f *fixture) createRoom(t *testing.T) string {
	t.Helper()
	code, err := f.svc.CreateRoom(models.HostProfile{Name: "Dana"}, Tokens{AccessToken: "acc", RefreshToken: "ref"})
	require.NoError(t, err)
	return code
}

// hostIn creates a room and attaches conn "host" as its host.
func (f *fixture) hostIn(t *testing.T) string {
	t.Helper()
	code := f.createRoom(t)
	require.NoError(t, f.svc.Join("host", JoinRequest{RoomCode: code, IsHost: true}))
	return code
}

// approve runs a guest through the approval flow and returns its guest key.
func (f *fixture) approve(t *testing.T, code, connID, name string) string {
	t.Helper()
	require.NoError(t, f.svc.Join(connID, JoinRequest{RoomCode: code, Name: name}))
	require.NoError(t, f.svc.ApproveGuest("host", code, connID))
	msg, ok := f.notifier.last(connID, EventJoinApproved)
	require.True(t, ok)
	return msg.Payload.(JoinApprovedPayload).GuestKey
}

func presenceOf(t *testing.T, n *recordingNotifier, connID string) PresencePayload {
	t.Helper()
	msg, ok := n.last(connID, EventPresenceUpdated)
	require.True(t, ok, "no presence update for %s", connID)
	return msg.Payload.(PresencePayload)
}

func queueOf(t *testing.T, n *recordingNotifier, connID string) []models.QueueItem {
	t.Helper()
	msg, ok := n.last(connID, EventQueueUpdated)
	require.True(t, ok, "no queue update for %s", connID)
	return msg.Payload.(QueuePayload).Items
}

func playing(id string, progress int64, isPlaying bool) playbackResult {
	return playbackResult{playback: &spotify.Playback{
		Item:       &spotify.Track{ID: id, Name: "Track " + id, Duration: 200000},
		ProgressMs: progress,
		IsPlaying:  isPlaying,
	}}
}

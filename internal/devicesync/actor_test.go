package devicesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traklist/server/internal/spotify"
	"github.com/traklist/server/pkg/models"
)

type fakePlayer struct {
	mu       sync.Mutex
	calls    []string
	playErrs []error
	errs     map[string]error

	// When set, Play blocks until released.
	entered chan struct{}
	release chan struct{}
}

func (p *fakePlayer) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePlayer) TransferPlayback(_ context.Context, _, deviceID string) error {
	p.record("transfer " + deviceID)
	return p.errs["transfer"]
}

func (p *fakePlayer) Play(_ context.Context, _, deviceID, uri string, positionMs int64) error {
	if p.entered != nil {
		p.entered <- struct{}{}
		<-p.release
	}
	p.record(fmt.Sprintf("play %s %s %d", deviceID, uri, positionMs))

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.playErrs) > 0 {
		err := p.playErrs[0]
		p.playErrs = p.playErrs[1:]
		return err
	}
	return nil
}

func (p *fakePlayer) Pause(_ context.Context, _, deviceID string) error {
	p.record("pause " + deviceID)
	return p.errs["pause"]
}

func (p *fakePlayer) history() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type actorFixture struct {
	actor  *Actor
	player *fakePlayer
	now    time.Time
	sleeps []time.Duration
}

func newActorFixture(t *testing.T) *actorFixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	f := &actorFixture{player: &fakePlayer{errs: map[string]error{}}, now: base}
	f.actor = NewActor(f.player, "acc", "dev1",
		WithLogger(log),
		WithClock(func() time.Time { return f.now }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		}),
	)
	return f
}

func snapshot(id string, progress int64, playing bool) *models.NowPlaying {
	return &models.NowPlaying{
		Track:      models.Track{ID: id, Name: "Song " + id, URI: "spotify:track:" + id, DurationMs: 180000},
		ProgressMs: progress,
		IsPlaying:  playing,
		UpdatedAt:  base,
	}
}

func TestSyncTransfersThenPlays(t *testing.T) {
	f := newActorFixture(t)
	f.now = base.Add(1500 * time.Millisecond)

	res, err := f.actor.Sync(context.Background(), snapshot("t1", 10000, true))
	require.NoError(t, err)
	assert.Equal(t, Synced, res)
	assert.Equal(t, []string{"transfer dev1", "play dev1 spotify:track:t1 11500"}, f.player.history())
	assert.Equal(t, []time.Duration{220 * time.Millisecond}, f.sleeps)
}

func TestSyncIsIdempotent(t *testing.T) {
	f := newActorFixture(t)
	ctx := context.Background()

	_, err := f.actor.Sync(ctx, snapshot("t1", 10000, true))
	require.NoError(t, err)

	// Same bucket: 10000ms and 11900ms both fall in bucket 5.
	res, err := f.actor.Sync(ctx, snapshot("t1", 11900, true))
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res)
	assert.Len(t, f.player.history(), 2)

	// Next bucket replays without a second transfer.
	res, err = f.actor.Sync(ctx, snapshot("t1", 12100, true))
	require.NoError(t, err)
	assert.Equal(t, Synced, res)
	assert.Equal(t, "play dev1 spotify:track:t1 12100", f.player.history()[2])
	assert.Len(t, f.player.history(), 3)
}

func TestSyncPausedSnapshot(t *testing.T) {
	f := newActorFixture(t)
	f.now = base.Add(time.Minute)

	_, err := f.actor.Sync(context.Background(), snapshot("t1", 30000, false))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"transfer dev1",
		"play dev1 spotify:track:t1 30000",
		"pause dev1",
	}, f.player.history())
}

func TestSyncRetriesPlayOnce(t *testing.T) {
	f := newActorFixture(t)
	f.player.playErrs = []error{errors.New("device not ready")}

	res, err := f.actor.Sync(context.Background(), snapshot("t1", 0, true))
	require.NoError(t, err)
	assert.Equal(t, Synced, res)
	assert.Equal(t, []time.Duration{220 * time.Millisecond, 260 * time.Millisecond}, f.sleeps)
	assert.Len(t, f.player.history(), 3)
}

func TestSyncFailureClassification(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		kind    Kind
		message string
	}{
		{"autoplay", errors.New("Autoplay is blocked"), KindActivationRequired, "Playback is blocked until the device is activated. Enable audio and sync again."},
		{"device asleep", &spotify.APIError{Op: "play", Status: http.StatusNotFound, Message: "Device not found"}, KindActivationRequired, "Playback is blocked until the device is activated. Enable audio and sync again."},
		{"no active device", &spotify.APIError{Op: "play", Status: http.StatusNotFound, Message: "Player command failed: No active device found"}, KindActivationRequired, "Playback is blocked until the device is activated. Enable audio and sync again."},
		{"forbidden", &spotify.APIError{Op: "play", Status: http.StatusForbidden}, KindCapability, "Spotify Premium Account Required"},
		{"premium", errors.New("PREMIUM_REQUIRED"), KindCapability, "Spotify Premium Account Required"},
		{"server", &spotify.APIError{Op: "play", Status: http.StatusBadGateway}, KindTransient, "Spotify Sync had a temporary playback issue. Sync again."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newActorFixture(t)
			f.player.playErrs = []error{tt.err, tt.err}

			_, err := f.actor.Sync(context.Background(), snapshot("t1", 0, true))
			var se *Error
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.kind, se.Kind)
			assert.Equal(t, "play", se.Op)
			assert.Equal(t, tt.message, se.Message())
		})
	}
}

func TestSyncFailureReleasesKey(t *testing.T) {
	f := newActorFixture(t)
	ctx := context.Background()
	f.player.errs["transfer"] = errors.New("no device")

	_, err := f.actor.Sync(ctx, snapshot("t1", 0, true))
	require.Error(t, err)

	delete(f.player.errs, "transfer")
	res, err := f.actor.Sync(ctx, snapshot("t1", 0, true))
	require.NoError(t, err)
	assert.Equal(t, Synced, res)
	assert.Equal(t, []string{"transfer dev1", "transfer dev1", "play dev1 spotify:track:t1 0"}, f.player.history())
}

func TestSyncDeviceChangeTransfers(t *testing.T) {
	f := newActorFixture(t)
	ctx := context.Background()

	_, err := f.actor.Sync(ctx, snapshot("t1", 0, true))
	require.NoError(t, err)

	f.actor.SetDevice("dev2")
	res, err := f.actor.Sync(ctx, snapshot("t1", 0, true))
	require.NoError(t, err)
	assert.Equal(t, Synced, res)
	assert.Equal(t, "transfer dev2", f.player.history()[2])
}

func TestSyncResetReplays(t *testing.T) {
	f := newActorFixture(t)
	ctx := context.Background()

	_, err := f.actor.Sync(ctx, snapshot("t1", 0, true))
	require.NoError(t, err)
	f.actor.Reset()

	res, err := f.actor.Sync(ctx, snapshot("t1", 0, true))
	require.NoError(t, err)
	assert.Equal(t, Synced, res)
	assert.Len(t, f.player.history(), 4)
}

func TestSyncIdleSnapshot(t *testing.T) {
	f := newActorFixture(t)

	res, err := f.actor.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Idle, res)

	res, err = f.actor.Sync(context.Background(), &models.NowPlaying{Track: models.Track{ID: "t1"}})
	require.NoError(t, err)
	assert.Equal(t, Idle, res)
	assert.Empty(t, f.player.history())
}

func TestSyncBusy(t *testing.T) {
	f := newActorFixture(t)
	f.player.entered = make(chan struct{})
	f.player.release = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.actor.Sync(context.Background(), snapshot("t1", 0, true))
	}()
	<-f.player.entered

	res, err := f.actor.Sync(context.Background(), snapshot("t2", 0, true))
	require.NoError(t, err)
	assert.Equal(t, Busy, res)

	close(f.player.release)
	<-done
}

func TestTargetPosition(t *testing.T) {
	np := snapshot("t1", 170000, true)
	assert.Equal(t, int64(175000), TargetPosition(np, base.Add(5*time.Second)))
	assert.Equal(t, int64(180000), TargetPosition(np, base.Add(time.Minute)))

	np.IsPlaying = false
	assert.Equal(t, int64(170000), TargetPosition(np, base.Add(time.Minute)))

	np.ProgressMs = -50
	assert.Equal(t, int64(0), TargetPosition(np, base))
}

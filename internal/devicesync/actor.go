package devicesync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/traklist/server/pkg/models"
)

const (
	// BucketSize is the position granularity below which drift is ignored.
	BucketSize = 2 * time.Second

	transferSettle = 220 * time.Millisecond
	playRetryDelay = 260 * time.Millisecond
)

// Player issues transport commands to one account's devices.
type Player interface {
	TransferPlayback(ctx context.Context, accessToken, deviceID string) error
	Play(ctx context.Context, accessToken, deviceID, uri string, positionMs int64) error
	Pause(ctx context.Context, accessToken, deviceID string) error
}

type Result int

const (
	Synced Result = iota
	// Unchanged means the snapshot maps to the last synced key.
	Unchanged
	// Busy means another sync was still running.
	Busy
	// Idle means there is nothing playable to sync to.
	Idle
)

func (r Result) String() string {
	switch r {
	case Synced:
		return "synced"
	case Unchanged:
		return "unchanged"
	case Busy:
		return "busy"
	case Idle:
		return "idle"
	}
	return "unknown"
}

// key identifies one device state. Two snapshots with the same key need no
// new commands.
type key struct {
	trackID  string
	bucket   int64
	playing  bool
	deviceID string
}

// Actor drives a playback device to follow a room's now-playing snapshot. It
// only reads snapshots; the room's reconciler owns them.
type Actor struct {
	player      Player
	accessToken string
	logger      logrus.FieldLogger
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error

	inFlight atomic.Bool

	mu       sync.Mutex
	deviceID string
	last     *key
}

type Option func(*Actor)

func WithLogger(l logrus.FieldLogger) Option {
	return func(a *Actor) { a.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(a *Actor) { a.now = now }
}

func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(a *Actor) { a.sleep = sleep }
}

func NewActor(player Player, accessToken, deviceID string, opts ...Option) *Actor {
	a := &Actor{
		player:      player,
		accessToken: accessToken,
		deviceID:    deviceID,
		logger:      logrus.StandardLogger(),
		now:         time.Now,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetDevice points the actor at another device. The next sync transfers to it.
func (a *Actor) SetDevice(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deviceID = deviceID
}

// Reset forgets the last synced state so the next snapshot is replayed, e.g.
// after the user activated audio on the device.
func (a *Actor) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = nil
}

// TargetPosition extrapolates the snapshot's progress to now.
func TargetPosition(np *models.NowPlaying, now time.Time) int64 {
	target := np.ProgressMs
	if np.IsPlaying && !np.UpdatedAt.IsZero() {
		target += now.Sub(np.UpdatedAt).Milliseconds()
	}
	if np.DurationMs > 0 && target > np.DurationMs {
		target = np.DurationMs
	}
	if target < 0 {
		target = 0
	}
	return target
}

// Sync makes the device match np. The key is claimed before any command is
// sent and released again if the commands fail.
func (a *Actor) Sync(ctx context.Context, np *models.NowPlaying) (Result, error) {
	if np == nil || np.URI == "" {
		return Idle, nil
	}
	if !a.inFlight.CompareAndSwap(false, true) {
		return Busy, nil
	}
	defer a.inFlight.Store(false)

	target := TargetPosition(np, a.now())

	a.mu.Lock()
	deviceID := a.deviceID
	next := key{
		trackID:  np.ID,
		bucket:   target / BucketSize.Milliseconds(),
		playing:  np.IsPlaying,
		deviceID: deviceID,
	}
	prev := a.last
	if prev != nil && *prev == next {
		a.mu.Unlock()
		return Unchanged, nil
	}
	a.last = &next
	a.mu.Unlock()

	log := a.logger.WithFields(logrus.Fields{"track": np.ID, "device": deviceID, "position_ms": target})

	if err := a.apply(ctx, np, deviceID, target, prev == nil || prev.deviceID != deviceID); err != nil {
		a.mu.Lock()
		if a.last == &next {
			a.last = prev
		}
		a.mu.Unlock()
		log.WithError(err).Warn("device sync failed")
		return Synced, err
	}

	log.Debug("device synced")
	return Synced, nil
}

func (a *Actor) apply(ctx context.Context, np *models.NowPlaying, deviceID string, target int64, transfer bool) error {
	if transfer {
		if err := a.player.TransferPlayback(ctx, a.accessToken, deviceID); err != nil {
			return classify("transfer", err)
		}
		if err := a.sleep(ctx, transferSettle); err != nil {
			return classify("transfer", err)
		}
	}

	if err := a.player.Play(ctx, a.accessToken, deviceID, np.URI, target); err != nil {
		if serr := a.sleep(ctx, playRetryDelay); serr != nil {
			return classify("play", serr)
		}
		if err := a.player.Play(ctx, a.accessToken, deviceID, np.URI, target); err != nil {
			return classify("play", err)
		}
	}

	if !np.IsPlaying {
		if err := a.player.Pause(ctx, a.accessToken, deviceID); err != nil {
			return classify("pause", err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

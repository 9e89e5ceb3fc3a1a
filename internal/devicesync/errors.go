package devicesync

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/traklist/server/internal/spotify"
)

type Kind int

const (
	// KindActivationRequired means the device refuses to start audio until a
	// user gesture unblocks it.
	KindActivationRequired Kind = iota + 1
	KindCapability
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindActivationRequired:
		return "activation_required"
	case KindCapability:
		return "capability"
	case KindTransient:
		return "transient"
	}
	return "unknown"
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("device sync %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the text shown to whoever controls the device.
func (e *Error) Message() string {
	switch e.Kind {
	case KindActivationRequired:
		return "Playback is blocked until the device is activated. Enable audio and sync again."
	case KindCapability:
		return "Spotify Premium Account Required"
	default:
		return "Spotify Sync had a temporary playback issue. Sync again."
	}
}

func classify(op string, err error) *Error {
	text := strings.ToLower(err.Error())
	kind := KindTransient
	switch {
	case strings.Contains(text, "autoplay"), strings.Contains(text, "activate"),
		errors.Is(err, spotify.ErrNoActiveDevice), deviceNotFound(err):
		kind = KindActivationRequired
	case errors.Is(err, spotify.ErrForbidden), strings.Contains(text, "premium"):
		kind = KindCapability
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// deviceNotFound reports the 404 Spotify returns for a device that is asleep
// or was never opened in a player, which only a user can wake.
func deviceNotFound(err error) bool {
	var apiErr *spotify.APIError
	return errors.As(err, &apiErr) &&
		apiErr.Status == http.StatusNotFound &&
		strings.Contains(strings.ToLower(apiErr.Message), "device not found")
}

package room

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindNotFound Kind = iota + 1
	KindUnauthorized
	KindInvalid
	KindTransient
	KindAuthExpired
	KindCapability
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindInvalid:
		return "invalid"
	case KindTransient:
		return "transient"
	case KindAuthExpired:
		return "auth_expired"
	case KindCapability:
		return "capability"
	}
	return "unknown"
}

// Error is what participants see. Message is safe to show; Err stays server side.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of a room error, or zero for anything else.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}

var (
	ErrRoomNotFound       = newError(KindNotFound, "Room not found.", nil)
	ErrNotApproved        = newError(KindUnauthorized, "You are not approved in this room yet.", nil)
	ErrNotHost            = newError(KindUnauthorized, "Only the host can do that.", nil)
	ErrGuestNotPending    = newError(KindNotFound, "That guest is no longer waiting.", nil)
	ErrMemberNotFound     = newError(KindNotFound, "Member not found.", nil)
	ErrTrackNotQueued     = newError(KindNotFound, "Track is no longer in the queue.", nil)
	ErrInvalidVote        = newError(KindInvalid, "Vote must be +1 or -1.", nil)
	ErrHostCannotLeave    = newError(KindInvalid, "The host closes the room instead of leaving it.", nil)
	ErrCodeSpaceExhausted = errors.New("room: no free room code")
)

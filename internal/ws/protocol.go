package ws

import (
	"encoding/json"
	"time"

	"github.com/traklist/server/pkg/models"
)

// Inbound message types.
const (
	TypeJoin         = "join"
	TypeSearch       = "search"
	TypeAddTrack     = "addTrack"
	TypeVote         = "vote"
	TypeRemoveTrack  = "removeTrack"
	TypeApproveGuest = "approveGuest"
	TypeRejectGuest  = "rejectGuest"
	TypeRemoveMember = "removeMember"
	TypeLeaveRoom    = "leaveRoom"
	TypeCloseRoom    = "closeRoom"
)

// Envelope is one client-to-server message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type JoinPayload struct {
	RoomID    string `json:"room_id" validate:"required,max=16"`
	Name      string `json:"name" validate:"max=64"`
	IsHost    bool   `json:"is_host"`
	GuestKey  string `json:"guest_key" validate:"max=64"`
	HostToken string `json:"host_token"`
}

type SearchPayload struct {
	RoomID string `json:"room_id" validate:"required,max=16"`
	Query  string `json:"query" validate:"max=200"`
}

type AddTrackPayload struct {
	RoomID    string       `json:"room_id" validate:"required,max=16"`
	Track     models.Track `json:"track"`
	Anonymous bool         `json:"anonymous"`
}

type VotePayload struct {
	RoomID      string `json:"room_id" validate:"required,max=16"`
	QueueItemID string `json:"queue_item_id"`
	TrackID     string `json:"track_id" validate:"required_without=QueueItemID"`
	Direction   int    `json:"direction" validate:"oneof=-1 1"`
}

type RemoveTrackPayload struct {
	RoomID      string    `json:"room_id" validate:"required,max=16"`
	QueueItemID string    `json:"queue_item_id"`
	TrackID     string    `json:"track_id" validate:"required_without=QueueItemID"`
	AddedAt     time.Time `json:"added_at"`
}

type GuestPayload struct {
	RoomID  string `json:"room_id" validate:"required,max=16"`
	GuestID string `json:"guest_id" validate:"required"`
	Reason  string `json:"reason" validate:"max=200"`
}

type RemoveMemberPayload struct {
	RoomID   string `json:"room_id" validate:"required,max=16"`
	MemberID string `json:"member_id" validate:"required"`
}

type RoomPayload struct {
	RoomID string `json:"room_id" validate:"required,max=16"`
}

package room

import "github.com/traklist/server/pkg/models"

// Outbound event types.
const (
	EventQueueUpdated      = "queueUpdated"
	EventNowPlayingUpdated = "nowPlayingUpdated"
	EventPresenceUpdated   = "presenceUpdated"
	EventJoinPending       = "joinPending"
	EventJoinApproved      = "joinApproved"
	EventJoinRejected      = "joinRejected"
	EventRemovedFromRoom   = "removedFromRoom"
	EventLeftRoom          = "leftRoom"
	EventSessionReplaced   = "sessionReplaced"
	EventRoomClosed        = "roomClosed"
	EventHostAvailability  = "hostAvailability"
	EventGuestJoinRequest  = "guestJoinRequest"
	EventSearchResults     = "searchResults"
	EventErrorNotice       = "errorNotice"
)

// Message is one server-to-client event.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Notifier delivers messages to a single connection. Send must not block.
type Notifier interface {
	Send(connID string, msg Message)
}

type QueuePayload struct {
	Items []models.QueueItem `json:"items"`
}

type PresencePayload struct {
	Members     []models.Member       `json:"members"`
	Pending     []models.PendingGuest `json:"pending"`
	OnlineCount int                   `json:"online_count"`
}

type NoticePayload struct {
	Message string `json:"message"`
}

type ReasonPayload struct {
	Reason string `json:"reason"`
}

type JoinApprovedPayload struct {
	RoomID   string `json:"room_id"`
	GuestKey string `json:"guest_key,omitempty"`
	Name     string `json:"name"`
	IsHost   bool   `json:"is_host"`
}

type HostAvailabilityPayload struct {
	Online bool `json:"online"`
}

type GuestJoinRequestPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type SearchResultsPayload struct {
	Tracks []models.Track `json:"tracks"`
}

func nowPlayingMessage(np *models.NowPlaying) Message {
	if np == nil {
		return Message{Type: EventNowPlayingUpdated, Payload: nil}
	}
	snapshot := *np
	return Message{Type: EventNowPlayingUpdated, Payload: &snapshot}
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Track is the provider-neutral view of a playable track.
type Track struct {
	ID         string `json:"id" validate:"required"`
	Name       string `json:"name" validate:"required"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	Image      string `json:"image,omitempty"`
	URI        string `json:"uri"`
	SpotifyURL string `json:"spotify_url,omitempty"`
	DurationMs int64  `json:"duration_ms" validate:"gte=0"`
	PreviewURL string `json:"preview_url,omitempty"`
}

type QueueItem struct {
	QueueItemID string `json:"queue_item_id"`
	Track
	AddedBy   string    `json:"added_by"`
	Anonymous bool      `json:"anonymous"`
	Votes     int       `json:"votes"`
	AddedAt   time.Time `json:"added_at"`
}

// NowPlaying mirrors the provider's current playback. UpdatedAt is the local
// capture time used to extrapolate progress between polls.
type NowPlaying struct {
	Track
	ProgressMs int64     `json:"progress_ms"`
	IsPlaying  bool      `json:"is_playing"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type HostProfile struct {
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

type Member struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	IsHost   bool      `json:"is_host"`
	Online   bool      `json:"online"`
	JoinedAt time.Time `json:"joined_at"`
}

type PendingGuest struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RequestedAt time.Time `json:"requested_at"`
}

type RoomSummary struct {
	ID           string      `json:"id"`
	Host         HostProfile `json:"host"`
	QueueLength  int         `json:"queue_length"`
	MemberCount  int         `json:"member_count"`
	OnlineCount  int         `json:"online_count"`
	PendingCount int         `json:"pending_count"`
	CreatedAt    time.Time   `json:"created_at"`
	NowPlaying   *NowPlaying `json:"now_playing"`
}

// RoomSession is the history row written when a room closes.
type RoomSession struct {
	ID          uuid.UUID `json:"id" gorm:"type:char(36);primaryKey"`
	Code        string    `json:"code" gorm:"size:16;index"`
	HostName    string    `json:"host_name"`
	CreatedAt   time.Time `json:"created_at"`
	ClosedAt    time.Time `json:"closed_at" gorm:"index"`
	CloseReason string    `json:"close_reason"`
	TracksAdded int       `json:"tracks_added"`
	VotesCast   int       `json:"votes_cast"`
	PeakOnline  int       `json:"peak_online"`
}

type PlayedTrack struct {
	ID        uuid.UUID `json:"id" gorm:"type:char(36);primaryKey"`
	RoomCode  string    `json:"room_code" gorm:"size:16;index"`
	TrackID   string    `json:"track_id"`
	Name      string    `json:"name"`
	Artist    string    `json:"artist"`
	StartedAt time.Time `json:"started_at"`
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventTypeRoomCreated       EventType = "room_created"
	EventTypeGuestApproved     EventType = "guest_approved"
	EventTypeMemberRemoved     EventType = "member_removed"
	EventTypeTrackAdded        EventType = "track_added"
	EventTypeTrackVoted        EventType = "track_voted"
	EventTypeTrackRemoved      EventType = "track_removed"
	EventTypeNowPlayingChanged EventType = "now_playing_changed"
	EventTypeRoomClosed        EventType = "room_closed"
)

type Event struct {
	Type      EventType       `json:"type"`
	RoomID    string          `json:"room_id"`
	MemberID  string          `json:"member_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEvent marshals payload into an event envelope.
func NewEvent(eventType EventType, roomID, memberID string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return Event{
		Type:      eventType,
		RoomID:    roomID,
		MemberID:  memberID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type KafkaClient struct {
	writer *kafka.Writer
}

// NewKafkaClient returns an asynchronous publisher. Messages are keyed by room
// so one room's events stay ordered within a partition.
func NewKafkaClient(brokers []string, topic string, logger logrus.FieldLogger) *KafkaClient {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.WithError(err).WithField("messages", len(messages)).Warn("failed to deliver room events")
			}
		},
	}

	return &KafkaClient{writer: writer}
}

func (k *KafkaClient) Publish(ctx context.Context, event Event) error {
	messageJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.RoomID),
		Value: messageJSON,
		Time:  event.Timestamp,
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

func (k *KafkaClient) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

// NopPublisher drops every event. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// Event payload types
type RoomCreatedPayload struct {
	HostName string `json:"host_name"`
}

type GuestApprovedPayload struct {
	Name string `json:"name"`
}

type MemberRemovedPayload struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type TrackAddedPayload struct {
	QueueItemID string `json:"queue_item_id"`
	TrackID     string `json:"track_id"`
	TrackName   string `json:"track_name"`
	Artist      string `json:"artist"`
	Anonymous   bool   `json:"anonymous"`
}

type TrackVotedPayload struct {
	QueueItemID string `json:"queue_item_id"`
	TrackID     string `json:"track_id"`
	Value       int    `json:"value"`
	TotalVotes  int    `json:"total_votes"`
	Removed     bool   `json:"removed"`
}

type TrackRemovedPayload struct {
	QueueItemID string `json:"queue_item_id"`
	TrackID     string `json:"track_id"`
}

type NowPlayingPayload struct {
	TrackID   string `json:"track_id"`
	TrackName string `json:"track_name"`
	Artist    string `json:"artist"`
	IsPlaying bool   `json:"is_playing"`
}

type RoomClosedPayload struct {
	Reason string `json:"reason"`
}

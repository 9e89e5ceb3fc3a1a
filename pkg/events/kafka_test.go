package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	event, err := NewEvent(EventTypeTrackVoted, "AB12C3", "member-1", TrackVotedPayload{
		QueueItemID: "q1",
		TrackID:     "t1",
		Value:       -1,
		TotalVotes:  -3,
		Removed:     true,
	})
	require.NoError(t, err)

	assert.Equal(t, EventTypeTrackVoted, event.Type)
	assert.Equal(t, "AB12C3", event.RoomID)
	assert.False(t, event.Timestamp.IsZero())

	var payload TrackVotedPayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, -3, payload.TotalVotes)
	assert.True(t, payload.Removed)

	raw, err := json.Marshal(event)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"track_voted"`)
	assert.Contains(t, string(raw), `"room_id":"AB12C3"`)
}

func TestNewEventRejectsUnmarshalablePayload(t *testing.T) {
	_, err := NewEvent(EventTypeRoomCreated, "AB12C3", "", map[string]interface{}{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	event, err := NewEvent(EventTypeRoomClosed, "AB12C3", "", RoomClosedPayload{Reason: "done"})
	require.NoError(t, err)

	assert.NoError(t, p.Publish(context.Background(), event))
	assert.NoError(t, p.Close())
}

package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traklist/server/internal/room"
	"github.com/traklist/server/internal/spotify"
	"github.com/traklist/server/pkg/models"
)

type stubAPI struct{}

func (stubAPI) Search(_ context.Context, _, query string, _ int) ([]models.Track, error) {
	return []models.Track{{ID: "t1", Name: query}}, nil
}

func (stubAPI) CurrentlyPlaying(context.Context, string) (*spotify.Playback, error) {
	return nil, nil
}

func (stubAPI) Enqueue(context.Context, string, string) error { return nil }

type stubTokens struct{}

func (stubTokens) RefreshToken(context.Context, string) (*spotify.TokenResponse, error) {
	return &spotify.TokenResponse{AccessToken: "fresh"}, nil
}

type tokenVerifier map[string]string

func (v tokenVerifier) AuthorizesRoom(token, roomCode string) bool {
	return token != "" && strings.EqualFold(v[token], roomCode)
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type testServer struct {
	url      string
	rooms    *room.Service
	hub      *Hub
	roomCode string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, _ := test.NewNullLogger()

	hub := NewHub(log)
	rooms := room.NewService(stubAPI{}, stubTokens{}, hub, room.WithLogger(log))
	code, err := rooms.CreateRoom(models.HostProfile{Name: "Dana"}, room.Tokens{AccessToken: "acc", RefreshToken: "ref"})
	require.NoError(t, err)

	router := gin.New()
	NewHandler(hub, rooms, tokenVerifier{"host-token": code}, nil, log).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		rooms:    rooms,
		hub:      hub,
		roomCode: code,
	}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Type: msgType, Payload: raw}))
}

// expect reads until a message of msgType arrives and decodes its payload.
func expect(t *testing.T, conn *websocket.Conn, msgType string, out interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg inboundMessage
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", msgType)
		if msg.Type != msgType {
			continue
		}
		if out != nil {
			require.NoError(t, json.Unmarshal(msg.Payload, out))
		}
		return
	}
}

func TestJoinApproveAndVote(t *testing.T) {
	srv := newTestServer(t)

	host := srv.dial(t)
	send(t, host, TypeJoin, JoinPayload{RoomID: srv.roomCode, IsHost: true, HostToken: "host-token"})
	var hostJoined room.JoinApprovedPayload
	expect(t, host, room.EventJoinApproved, &hostJoined)
	assert.True(t, hostJoined.IsHost)
	assert.Equal(t, "Dana", hostJoined.Name)

	guest := srv.dial(t)
	send(t, guest, TypeJoin, JoinPayload{RoomID: strings.ToLower(srv.roomCode), Name: "Mo"})
	var pending room.NoticePayload
	expect(t, guest, room.EventJoinPending, &pending)
	assert.Equal(t, "Waiting for host approval...", pending.Message)

	var request room.GuestJoinRequestPayload
	expect(t, host, room.EventGuestJoinRequest, &request)
	assert.Equal(t, "Mo", request.Name)

	send(t, host, TypeApproveGuest, GuestPayload{RoomID: srv.roomCode, GuestID: request.ID})
	var approved room.JoinApprovedPayload
	expect(t, guest, room.EventJoinApproved, &approved)
	assert.NotEmpty(t, approved.GuestKey)

	send(t, guest, TypeAddTrack, AddTrackPayload{RoomID: srv.roomCode, Track: models.Track{ID: "t1", Name: "Song"}})
	var queue room.QueuePayload
	expect(t, host, room.EventQueueUpdated, &queue)
	for len(queue.Items) == 0 {
		expect(t, host, room.EventQueueUpdated, &queue)
	}
	require.Len(t, queue.Items, 1)
	assert.Equal(t, "Mo", queue.Items[0].AddedBy)

	send(t, host, TypeVote, VotePayload{RoomID: srv.roomCode, QueueItemID: queue.Items[0].QueueItemID, Direction: 1})
	expect(t, guest, room.EventQueueUpdated, &queue)
	for len(queue.Items) == 0 || queue.Items[0].Votes == 0 {
		expect(t, guest, room.EventQueueUpdated, &queue)
	}
	assert.Equal(t, 1, queue.Items[0].Votes)
}

func TestHostJoinRequiresToken(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t)

	send(t, conn, TypeJoin, JoinPayload{RoomID: srv.roomCode, IsHost: true, HostToken: "forged"})
	var notice room.NoticePayload
	expect(t, conn, room.EventErrorNotice, &notice)
	assert.Equal(t, "Only the host can do that.", notice.Message)

	summary, err := srv.rooms.Summary(srv.roomCode)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.OnlineCount)
}

func TestSearchRepliesToRequester(t *testing.T) {
	srv := newTestServer(t)
	host := srv.dial(t)
	send(t, host, TypeJoin, JoinPayload{RoomID: srv.roomCode, IsHost: true, HostToken: "host-token"})
	expect(t, host, room.EventJoinApproved, nil)

	send(t, host, TypeSearch, SearchPayload{RoomID: srv.roomCode, Query: "blue"})
	var results room.SearchResultsPayload
	expect(t, host, room.EventSearchResults, &results)
	require.Len(t, results.Tracks, 1)
	assert.Equal(t, "blue", results.Tracks[0].Name)
}

func TestInvalidMessages(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t)

	tests := []struct {
		name    string
		send    func()
		message string
	}{
		{
			name:    "malformed",
			send:    func() { require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{"))) },
			message: "Malformed message.",
		},
		{
			name:    "unknown type",
			send:    func() { send(t, conn, "dance", RoomPayload{RoomID: srv.roomCode}) },
			message: "Unknown message type.",
		},
		{
			name:    "missing room",
			send:    func() { send(t, conn, TypeLeaveRoom, RoomPayload{}) },
			message: "room_id is required",
		},
		{
			name:    "bad vote direction",
			send:    func() { send(t, conn, TypeVote, VotePayload{RoomID: srv.roomCode, TrackID: "t1", Direction: 2}) },
			message: "direction must be one of [-1 1]",
		},
		{
			name:    "not approved",
			send:    func() { send(t, conn, TypeVote, VotePayload{RoomID: srv.roomCode, TrackID: "t1", Direction: 1}) },
			message: "You are not approved in this room yet.",
		},
		{
			name:    "unknown room",
			send:    func() { send(t, conn, TypeJoin, JoinPayload{RoomID: "NOPE00", Name: "Mo"}) },
			message: "Room not found.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.send()
			var notice room.NoticePayload
			expect(t, conn, room.EventErrorNotice, &notice)
			assert.Equal(t, tt.message, notice.Message)
		})
	}
}

func TestDisconnectMarksMemberOffline(t *testing.T) {
	srv := newTestServer(t)
	host := srv.dial(t)
	send(t, host, TypeJoin, JoinPayload{RoomID: srv.roomCode, IsHost: true, HostToken: "host-token"})
	expect(t, host, room.EventJoinApproved, nil)

	summary, err := srv.rooms.Summary(srv.roomCode)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.OnlineCount)

	host.Close()
	assert.Eventually(t, func() bool {
		s, err := srv.rooms.Summary(srv.roomCode)
		return err == nil && s.OnlineCount == 0 && srv.hub.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubSendToUnknownConnection(t *testing.T) {
	log, _ := test.NewNullLogger()
	hub := NewHub(log)
	hub.Send("missing", room.Message{Type: room.EventQueueUpdated})
	assert.Equal(t, 0, hub.Count())
}

func TestHubDropsSlowClient(t *testing.T) {
	log, hook := test.NewNullLogger()
	hub := NewHub(log)
	cl := &client{id: "slow", send: make(chan []byte, 1)}
	hub.register(cl)

	hub.Send("slow", room.Message{Type: room.EventQueueUpdated})
	hub.Send("slow", room.Message{Type: room.EventQueueUpdated})

	assert.Equal(t, 0, hub.Count())
	_, open := <-cl.send
	assert.True(t, open)
	_, open = <-cl.send
	assert.False(t, open)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "send buffer full, dropping connection", hook.LastEntry().Message)
}

func TestOriginChecker(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, originChecker([]string{"https://app.example"})(req))
	assert.True(t, originChecker([]string{"*"})(req))
	assert.True(t, originChecker(nil)(req))

	req.Header.Set("Origin", "https://app.example")
	assert.True(t, originChecker([]string{"https://app.example"})(req))
}

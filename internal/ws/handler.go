package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/traklist/server/internal/room"
	"github.com/traklist/server/pkg/models"
	"github.com/traklist/server/pkg/validator"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10

	genericNotice   = "Something went wrong."
	malformedNotice = "Malformed message."
	unknownNotice   = "Unknown message type."
)

// Rooms is the room engine surface driven by socket messages.
type Rooms interface {
	Join(connID string, req room.JoinRequest) error
	Search(ctx context.Context, connID, code, query string) ([]models.Track, error)
	AddTrack(ctx context.Context, connID, code string, track models.Track, anonymous bool) (*models.QueueItem, error)
	Vote(connID, code string, ref room.TrackRef, direction int) error
	RemoveTrack(hostConnID, code string, ref room.TrackRef) error
	ApproveGuest(hostConnID, code, pendingConnID string) error
	RejectGuest(hostConnID, code, pendingConnID, reason string) error
	RemoveMember(hostConnID, code, memberKey string) error
	LeaveRoom(connID, code string) error
	HostCloseRoom(ctx context.Context, hostConnID, code string) error
	Disconnect(connID string)
}

// HostVerifier checks a host credential against a room code.
type HostVerifier interface {
	AuthorizesRoom(token, roomCode string) bool
}

type Handler struct {
	hub       *Hub
	rooms     Rooms
	hosts     HostVerifier
	validator *validator.Validator
	upgrader  websocket.Upgrader
	logger    logrus.FieldLogger
}

// NewHandler serves sockets for rooms. An empty origin list accepts any origin.
func NewHandler(hub *Hub, rooms Rooms, hosts HostVerifier, allowedOrigins []string, logger logrus.FieldLogger) *Handler {
	return &Handler{
		hub:       hub,
		rooms:     rooms,
		hosts:     hosts,
		validator: validator.NewValidator(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.HandleWebSocket)
}

func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("failed to upgrade connection")
		return
	}

	cl := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	log := h.logger.WithField("conn", cl.id)
	h.hub.register(cl)
	go h.writePump(cl)
	log.Debug("socket connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.rooms.Disconnect(cl.id)
		h.hub.unregister(cl.id)
		log.Debug("socket disconnected")
	}()

	h.readPump(ctx, cl)
}

func (h *Handler) readPump(ctx context.Context, cl *client) {
	defer cl.conn.Close()

	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).WithField("conn", cl.id).Debug("socket closed unexpectedly")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.notice(cl.id, malformedNotice)
			continue
		}
		h.dispatch(ctx, cl.id, env)
	}
}

func (h *Handler) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound message. Calls that reach the provider run on
// their own goroutine so the socket keeps reading.
func (h *Handler) dispatch(ctx context.Context, connID string, env Envelope) {
	switch env.Type {
	case TypeJoin:
		if p, ok := decode[JoinPayload](h, connID, env.Payload); ok {
			h.handleJoin(connID, p)
		}
	case TypeSearch:
		if p, ok := decode[SearchPayload](h, connID, env.Payload); ok {
			go h.handleSearch(ctx, connID, p)
		}
	case TypeAddTrack:
		if p, ok := decode[AddTrackPayload](h, connID, env.Payload); ok {
			go func() {
				_, err := h.rooms.AddTrack(ctx, connID, p.RoomID, p.Track, p.Anonymous)
				h.reply(connID, env.Type, err)
			}()
		}
	case TypeVote:
		if p, ok := decode[VotePayload](h, connID, env.Payload); ok {
			ref := room.TrackRef{QueueItemID: p.QueueItemID, TrackID: p.TrackID}
			h.reply(connID, env.Type, h.rooms.Vote(connID, p.RoomID, ref, p.Direction))
		}
	case TypeRemoveTrack:
		if p, ok := decode[RemoveTrackPayload](h, connID, env.Payload); ok {
			ref := room.TrackRef{QueueItemID: p.QueueItemID, TrackID: p.TrackID, AddedAt: p.AddedAt}
			h.reply(connID, env.Type, h.rooms.RemoveTrack(connID, p.RoomID, ref))
		}
	case TypeApproveGuest:
		if p, ok := decode[GuestPayload](h, connID, env.Payload); ok {
			h.reply(connID, env.Type, h.rooms.ApproveGuest(connID, p.RoomID, p.GuestID))
		}
	case TypeRejectGuest:
		if p, ok := decode[GuestPayload](h, connID, env.Payload); ok {
			h.reply(connID, env.Type, h.rooms.RejectGuest(connID, p.RoomID, p.GuestID, p.Reason))
		}
	case TypeRemoveMember:
		if p, ok := decode[RemoveMemberPayload](h, connID, env.Payload); ok {
			h.reply(connID, env.Type, h.rooms.RemoveMember(connID, p.RoomID, p.MemberID))
		}
	case TypeLeaveRoom:
		if p, ok := decode[RoomPayload](h, connID, env.Payload); ok {
			h.reply(connID, env.Type, h.rooms.LeaveRoom(connID, p.RoomID))
		}
	case TypeCloseRoom:
		if p, ok := decode[RoomPayload](h, connID, env.Payload); ok {
			h.reply(connID, env.Type, h.rooms.HostCloseRoom(ctx, connID, p.RoomID))
		}
	default:
		h.notice(connID, unknownNotice)
	}
}

func (h *Handler) handleJoin(connID string, p *JoinPayload) {
	if p.IsHost && !h.hosts.AuthorizesRoom(p.HostToken, p.RoomID) {
		h.reply(connID, TypeJoin, room.ErrNotHost)
		return
	}

	err := h.rooms.Join(connID, room.JoinRequest{
		RoomCode: p.RoomID,
		Name:     p.Name,
		IsHost:   p.IsHost,
		GuestKey: p.GuestKey,
	})
	h.reply(connID, TypeJoin, err)
}

func (h *Handler) handleSearch(ctx context.Context, connID string, p *SearchPayload) {
	tracks, err := h.rooms.Search(ctx, connID, p.RoomID, p.Query)
	if err != nil {
		h.reply(connID, TypeSearch, err)
		return
	}
	h.hub.Send(connID, room.Message{Type: room.EventSearchResults, Payload: room.SearchResultsPayload{Tracks: tracks}})
}

// reply turns a failed operation into an errorNotice for the caller only.
func (h *Handler) reply(connID, op string, err error) {
	if err == nil {
		return
	}

	var re *room.Error
	if errors.As(err, &re) {
		h.logger.WithFields(logrus.Fields{"conn": connID, "op": op, "kind": re.Kind.String()}).Debug(re.Error())
		h.notice(connID, re.Message)
		return
	}

	h.logger.WithError(err).WithFields(logrus.Fields{"conn": connID, "op": op}).Error("room operation failed")
	h.notice(connID, genericNotice)
}

func (h *Handler) notice(connID, message string) {
	h.hub.Send(connID, room.Message{Type: room.EventErrorNotice, Payload: room.NoticePayload{Message: message}})
}

func decode[T any](h *Handler, connID string, raw json.RawMessage) (*T, bool) {
	p := new(T)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			h.notice(connID, malformedNotice)
			return nil, false
		}
	}
	if errs, ok := h.validator.Validate(p); !ok {
		h.notice(connID, validator.Summary(errs))
		return nil, false
	}
	return p, true
}

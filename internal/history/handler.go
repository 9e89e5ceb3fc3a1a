package history

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/traklist/server/internal/room"
	"github.com/traklist/server/pkg/models"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Store is the read side of the session history.
type Store interface {
	RecentSessions(ctx context.Context, limit int) ([]*models.RoomSession, error)
	PlayedTracks(ctx context.Context, roomCode string) ([]*models.PlayedTrack, error)
}

type Handler struct {
	store  Store
	logger logrus.FieldLogger
}

func NewHandler(store Store, logger logrus.FieldLogger) *Handler {
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes mounts the read-only history API. operatorOnly guards the
// cross-room session list, hostOnly the per-room track list.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, operatorOnly, hostOnly gin.HandlerFunc) {
	r.GET("/history/sessions", operatorOnly, h.sessions)
	r.GET("/rooms/:code/history", hostOnly, h.playedTracks)
}

func (h *Handler) sessions(c *gin.Context) {
	limit := defaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive number"})
			return
		}
		limit = min(n, maxLimit)
	}

	sessions, err := h.store.RecentSessions(c.Request.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("failed to load room sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) playedTracks(c *gin.Context) {
	code := room.NormalizeCode(c.Param("code"))

	tracks, err := h.store.PlayedTracks(c.Request.Context(), code)
	if err != nil {
		h.logger.WithError(err).WithField("room", code).Error("failed to load played tracks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": code, "tracks": tracks})
}

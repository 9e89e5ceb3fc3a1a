package room

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the read-only room surface. hostOnly guards the
// routes that act with the host's credentials.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, hostOnly gin.HandlerFunc) {
	rooms := r.Group("/rooms")
	{
		rooms.GET("/:code", h.getRoom)
		rooms.GET("/:code/queue", h.getQueue)
		rooms.POST("/:code/refresh", hostOnly, h.refreshTokens)
	}
}

func (h *Handler) getRoom(c *gin.Context) {
	summary, err := h.service.Summary(c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (h *Handler) getQueue(c *gin.Context) {
	queue, err := h.service.Queue(c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": queue})
}

func (h *Handler) refreshTokens(c *gin.Context) {
	if err := h.service.RefreshTokens(c.Request.Context(), c.Param("code")); err != nil {
		if KindOf(err) == KindNotFound {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": sessionExpiredMessage})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "token refreshed"})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "Something went wrong."

	var re *Error
	if errors.As(err, &re) {
		message = re.Message
		switch re.Kind {
		case KindNotFound:
			status = http.StatusNotFound
		case KindUnauthorized:
			status = http.StatusForbidden
		case KindInvalid:
			status = http.StatusBadRequest
		case KindAuthExpired, KindTransient, KindCapability:
			status = http.StatusBadGateway
		}
	}

	c.JSON(status, gin.H{"error": message})
}

package auth

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/traklist/server/internal/room"
	"github.com/traklist/server/internal/spotify"
	"github.com/traklist/server/pkg/jwt"
	"github.com/traklist/server/pkg/models"
)

const (
	stateTTL       = 10 * time.Minute
	hostMode       = "host"
	hostTokenParam = "host_token"
)

// OAuthClient is the part of the provider client used to authorize a host.
type OAuthClient interface {
	AuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*spotify.TokenResponse, error)
	FetchProfile(ctx context.Context, accessToken string) (*spotify.Profile, error)
}

// Rooms creates rooms for authorized hosts and reports which are still live.
type Rooms interface {
	CreateRoom(host models.HostProfile, tokens room.Tokens) (string, error)
	HasRoom(code string) bool
}

// StateStore remembers OAuth state nonces until they are consumed once.
type StateStore interface {
	Save(ctx context.Context, nonce string, ttl time.Duration) error
	Consume(ctx context.Context, nonce string) (bool, error)
}

type Handler struct {
	spotifyClient OAuthClient
	rooms         Rooms
	states        StateStore
	signer        *jwt.Signer
	publicURL     string
	logger        logrus.FieldLogger
}

func NewHandler(spotifyClient OAuthClient, rooms Rooms, states StateStore, signer *jwt.Signer, publicURL string, logger logrus.FieldLogger) *Handler {
	return &Handler{
		spotifyClient: spotifyClient,
		rooms:         rooms,
		states:        states,
		signer:        signer,
		publicURL:     strings.TrimRight(publicURL, "/"),
		logger:        logger,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	auth := r.Group("/auth")
	{
		auth.GET("/login", h.login)
		auth.GET("/callback", h.callback)

		auth.GET("/rooms/:code/status", HostMiddleware(h.signer), h.status)
	}
}

func (h *Handler) login(c *gin.Context) {
	returnPath := c.Query("return")
	if !strings.HasPrefix(returnPath, "/") || strings.HasPrefix(returnPath, "//") {
		returnPath = ""
	}

	nonce := uuid.NewString()
	if err := h.states.Save(c.Request.Context(), nonce, stateTTL); err != nil {
		h.logger.WithError(err).Error("failed to store oauth state")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start login"})
		return
	}

	state, err := h.signer.GenerateState(hostMode, returnPath, nonce, stateTTL)
	if err != nil {
		h.logger.WithError(err).Error("failed to sign oauth state")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start login"})
		return
	}

	c.Redirect(http.StatusFound, h.spotifyClient.AuthURL(state))
}

// callback finishes the provider authorization and opens a room for the host.
func (h *Handler) callback(c *gin.Context) {
	if providerErr := c.Query("error"); providerErr != "" {
		h.logger.WithField("error", providerErr).Warn("authorization denied by provider")
		c.Redirect(http.StatusFound, h.publicURL+"/?error="+url.QueryEscape(providerErr))
		return
	}

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}

	claims, err := h.signer.ValidateState(c.Query("state"))
	if err != nil || claims.Mode != hostMode {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid state"})
		return
	}

	ctx := c.Request.Context()
	fresh, err := h.states.Consume(ctx, claims.Nonce())
	if err != nil {
		h.logger.WithError(err).Error("failed to consume oauth state")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify state"})
		return
	}
	if !fresh {
		c.JSON(http.StatusBadRequest, gin.H{"error": "State already used or expired"})
		return
	}

	token, err := h.spotifyClient.ExchangeCode(ctx, code)
	if err != nil {
		h.logger.WithError(err).Error("failed to exchange authorization code")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to authorize with Spotify"})
		return
	}

	host := models.HostProfile{Name: "Host"}
	if profile, err := h.spotifyClient.FetchProfile(ctx, token.AccessToken); err != nil {
		h.logger.WithError(err).Warn("failed to fetch host profile")
	} else {
		host = profile.HostProfile()
	}

	roomCode, err := h.rooms.CreateRoom(host, room.Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.ExpiresAt,
	})
	if err != nil {
		h.logger.WithError(err).Error("failed to create room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	hostToken, err := h.signer.GenerateHostToken(roomCode)
	if err != nil {
		h.logger.WithError(err).Error("failed to sign host token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	http.SetCookie(c.Writer, &http.Cookie{
		Name:     hostTokenParam,
		Value:    hostToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   strings.HasPrefix(h.publicURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	})

	target := h.publicURL + "/host/" + roomCode
	if claims.ReturnPath != "" {
		target = h.publicURL + claims.ReturnPath
	}
	c.Redirect(http.StatusFound, target+"?"+url.Values{hostTokenParam: {hostToken}, "room": {roomCode}}.Encode())
}

// status reports whether a host token still controls a live room. A valid
// token for a closed room is 404 so the host UI can start over.
func (h *Handler) status(c *gin.Context) {
	claims := c.MustGet(hostClaimsKey).(*jwt.HostClaims)
	if !h.rooms.HasRoom(claims.RoomCode) {
		c.JSON(http.StatusNotFound, gin.H{"error": room.ErrRoomNotFound.Message})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"room":       claims.RoomCode,
		"expires_at": claims.ExpiresAt.Time,
	})
}

package room

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traklist/server/pkg/models"
)

func newTestRouter(f *fixture, allowHost bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	hostOnly := func(c *gin.Context) {
		if !allowHost {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "host token required"})
			return
		}
		c.Next()
	}
	NewHandler(f.svc).RegisterRoutes(r.Group("/api/v1"), hostOnly)
	return r
}

func TestHandlerGetRoom(t *testing.T) {
	f := newFixture(t)
	code := f.hostIn(t)
	addTrack(t, f, "host", code, "t1")
	router := newTestRouter(f, false)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/rooms/"+code, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var summary models.RoomSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, code, summary.ID)
	assert.Equal(t, "Dana", summary.Host.Name)
	assert.Equal(t, 1, summary.QueueLength)
	assert.Equal(t, 1, summary.OnlineCount)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/rooms/NOPE00", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"Room not found."}`, w.Body.String())
}

func TestHandlerGetQueue(t *testing.T) {
	f := newFixture(t)
	code := f.hostIn(t)
	addTrack(t, f, "host", code, "t1")
	addTrack(t, f, "host", code, "t2")
	require.NoError(t, f.svc.Vote("host", code, TrackRef{TrackID: "t2"}, 1))

	w := httptest.NewRecorder()
	newTestRouter(f, false).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/rooms/"+code+"/queue", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Items []models.QueueItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"t2", "t1"}, trackIDs(body.Items))
}

func TestHandlerRefresh(t *testing.T) {
	f := newFixture(t)
	code := f.createRoom(t)

	w := httptest.NewRecorder()
	newTestRouter(f, false).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/rooms/"+code+"/refresh", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, f.tokens.calls)

	router := newTestRouter(f, true)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/rooms/"+code+"/refresh", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.tokens.calls)

	f.tokens.err = errors.New("invalid_grant")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/rooms/"+code+"/refresh", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"error":"Session expired. Host needs to re-login."}`, w.Body.String())
}

func TestWriteErrorStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		err    error
		status int
	}{
		{ErrRoomNotFound, http.StatusNotFound},
		{ErrNotHost, http.StatusForbidden},
		{ErrInvalidVote, http.StatusBadRequest},
		{newError(KindCapability, "Spotify Premium Account Required", nil), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		writeError(c, tt.err)
		assert.Equal(t, tt.status, w.Code, tt.err.Error())
	}
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/callkit/internal/media"
	"github.com/mossy-p/callkit/internal/models"
	"github.com/mossy-p/callkit/internal/negotiation"
	"github.com/mossy-p/callkit/internal/notify"
	"github.com/mossy-p/callkit/internal/session"
	"github.com/mossy-p/callkit/internal/signaling"
)

func newTestAPI(t *testing.T) (*CallAPI, *signaling.MemoryChannel) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logrus.New()
	log.SetOutput(io.Discard)

	ch := signaling.NewMemoryChannel()
	deps := session.Deps{
		Channel:     ch,
		Capturer:    media.NewMockCapturer(),
		Ringer:      notify.NewLogRinger(log),
		Registry:    session.NewRegistry(),
		Log:         log,
		RingTimeout: time.Minute,
		NewPeerConnection: func() (negotiation.PeerConnection, error) {
			return negotiation.NewMockPeer(), nil
		},
	}
	return &CallAPI{Deps: deps, UserID: "alice", Log: log}, ch
}

func newRouter(api *CallAPI) *gin.Engine {
	r := gin.New()
	r.POST("/api/calls", api.PlaceCall)
	r.GET("/api/calls/:callId", api.GetCall)
	r.POST("/api/calls/:callId/hangup", api.Operate("hangup"))
	r.POST("/api/calls/:callId/answer", api.Operate("answer"))
	r.GET("/health", api.Health)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPlaceCallReturnsRingingRecord(t *testing.T) {
	api, _ := newTestAPI(t)
	r := newRouter(api)

	w := doJSON(t, r, http.MethodPost, "/api/calls", PlaceCallRequest{
		PeerID:    "bob",
		MediaKind: models.MediaKindVideo,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var rec models.CallRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "alice", rec.CallerID)
	assert.Equal(t, "bob", rec.ReceiverID)
	assert.Equal(t, models.MediaKindVideo, rec.MediaKind)
	assert.NotEmpty(t, rec.ID)
}

func TestPlaceCallValidation(t *testing.T) {
	api, _ := newTestAPI(t)
	r := newRouter(api)

	w := doJSON(t, r, http.MethodPost, "/api/calls", gin.H{"peer_id": "bob"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/calls", gin.H{"peer_id": "bob", "media_kind": "hologram"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/calls", gin.H{"peer_id": "alice", "media_kind": "audio"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "calling yourself is rejected")
}

func TestGetCallPrefersLiveController(t *testing.T) {
	api, _ := newTestAPI(t)
	r := newRouter(api)

	w := doJSON(t, r, http.MethodPost, "/api/calls", PlaceCallRequest{
		PeerID:    "bob",
		MediaKind: models.MediaKindAudio,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var rec models.CallRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))

	w = doJSON(t, r, http.MethodGet, "/api/calls/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGetCallFallsBackToRecord(t *testing.T) {
	api, ch := newTestAPI(t)
	r := newRouter(api)

	// A finished call has no controller but its record is still readable.
	rec := models.NewCallRecord("carol", "alice", models.MediaKindAudio, "offer")
	require.NoError(t, ch.Create(context.Background(), rec))

	w := doJSON(t, r, http.MethodGet, "/api/calls/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got models.CallRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, rec.ID, got.ID)
}

func TestGetCallNotFound(t *testing.T) {
	api, _ := newTestAPI(t)
	r := newRouter(api)

	w := doJSON(t, r, http.MethodGet, "/api/calls/unknown-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOperateOnUnknownCall(t *testing.T) {
	api, _ := newTestAPI(t)
	r := newRouter(api)

	w := doJSON(t, r, http.MethodPost, "/api/calls/unknown-id/hangup", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHangUpRingingOutboundCall(t *testing.T) {
	api, ch := newTestAPI(t)
	r := newRouter(api)

	w := doJSON(t, r, http.MethodPost, "/api/calls", PlaceCallRequest{
		PeerID:    "bob",
		MediaKind: models.MediaKindAudio,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var rec models.CallRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))

	w = doJSON(t, r, http.MethodPost, "/api/calls/"+rec.ID+"/hangup", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		got, err := ch.Get(context.Background(), rec.ID)
		return err == nil && got.Status == models.CallStatusEnded
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHealthReportsActiveCalls(t *testing.T) {
	api, _ := newTestAPI(t)
	r := newRouter(api)

	w := doJSON(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["active_calls"])
}

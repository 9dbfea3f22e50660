package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/callkit/internal/models"
	"github.com/mossy-p/callkit/internal/session"
	"github.com/mossy-p/callkit/internal/signaling"
)

// CallAPI exposes call control over HTTP. It is a thin shim: every
// operation is forwarded to the owning controller, which applies it
// through the call state machine.
type CallAPI struct {
	Deps   session.Deps
	UserID string
	Log    *logrus.Logger
}

// PlaceCallRequest is the body of POST /api/calls.
type PlaceCallRequest struct {
	PeerID    string           `json:"peer_id" binding:"required"`
	MediaKind models.MediaKind `json:"media_kind" binding:"required"`
}

// PlaceCall starts an outbound call.
func (a *CallAPI) PlaceCall(c *gin.Context) {
	var req PlaceCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !req.MediaKind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "media_kind must be audio or video"})
		return
	}

	ctrl, err := session.Dial(a.Deps, a.UserID, req.PeerID, req.MediaKind)
	if err != nil {
		if errors.Is(err, session.ErrDuplicateCall) {
			c.JSON(http.StatusConflict, gin.H{"error": "call already in progress"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, ctrl.Snapshot())
}

// GetCall returns the current view of a call: the live controller's
// snapshot when this process owns it, otherwise the persisted record.
func (a *CallAPI) GetCall(c *gin.Context) {
	callID := c.Param("callId")

	if ctrl, ok := a.Deps.Registry.Get(callID); ok {
		c.JSON(http.StatusOK, ctrl.Snapshot())
		return
	}

	rec, err := a.Deps.Channel.Get(c.Request.Context(), callID)
	if err != nil {
		if errors.Is(err, signaling.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		a.Log.WithError(err).Error("call lookup failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signaling unavailable"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Operate maps a named operation onto the owning controller. The route
// parameter is validated against a fixed table; anything else is 404.
func (a *CallAPI) Operate(op string) gin.HandlerFunc {
	return func(c *gin.Context) {
		callID := c.Param("callId")
		ctrl, ok := a.Deps.Registry.Get(callID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no live call with that id"})
			return
		}

		var err error
		switch op {
		case "answer":
			err = ctrl.Answer()
		case "reject":
			err = ctrl.Reject()
		case "hangup":
			err = ctrl.HangUp()
		case "mute":
			err = ctrl.ToggleMute()
		case "video":
			err = ctrl.ToggleVideo()
		case "camera":
			err = ctrl.SwitchCamera()
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown operation"})
			return
		}
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"call_id": callID, "op": op})
	}
}

// Health reports liveness plus the number of calls in flight.
func (a *CallAPI) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"active_calls": len(a.Deps.Registry.Active()),
	})
}

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"callcore/internal/auth"
	"callcore/internal/calls"
	"callcore/internal/history"
	"callcore/internal/signaling"
	"callcore/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallController is the part of calls.Machine the control API drives.
type CallController interface {
	Current() calls.Snapshot
	Initiate(ctx context.Context, remoteUserID string, kind signaling.CallType) (calls.Snapshot, error)
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	HangUp(ctx context.Context) error
	ToggleAudio(ctx context.Context) (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	Subscribe(buffer int) (<-chan calls.Snapshot, func())
	Ready() bool
}

type HistoryReader interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]history.Record, error)
	Summary(ctx context.Context, userID string, rng history.TimeRange) (history.Summary, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth        *auth.Manager
	Calls       CallController
	History     HistoryReader
	LocalUserID string

	// Now defaults to time.Now.
	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Health reports whether the signal subscription is live.
func (h Handlers) Health(c *gin.Context) {
	if h.Calls == nil || !h.Calls.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "signaling": "down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "signaling": "up"})
}

// --- Auth ---

// IssueToken issues a token pair for the local user.
//
// NOTE: dev-only. The route is registered only outside staging/production.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), h.LocalUserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h Handlers) RefreshToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, h.now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Calls ---

type initiateRequest struct {
	RemoteUserID string             `json:"remote_user_id"`
	CallType     signaling.CallType `json:"call_type"`
}

func (h Handlers) CurrentCall(c *gin.Context) {
	c.JSON(http.StatusOK, h.Calls.Current())
}

func (h Handlers) InitiateCall(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.RemoteUserID == "" || !req.CallType.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "remote_user_id and call_type (voice|video) required"})
		return
	}
	snap, err := h.Calls.Initiate(c.Request.Context(), req.RemoteUserID, req.CallType)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (h Handlers) AcceptCall(c *gin.Context) {
	h.command(c, h.Calls.Accept)
}

func (h Handlers) RejectCall(c *gin.Context) {
	h.command(c, h.Calls.Reject)
}

func (h Handlers) HangUpCall(c *gin.Context) {
	h.command(c, h.Calls.HangUp)
}

func (h Handlers) ToggleAudio(c *gin.Context) {
	muted, err := h.Calls.ToggleAudio(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audio_muted": muted})
}

func (h Handlers) ToggleVideo(c *gin.Context) {
	off, err := h.Calls.ToggleVideo(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"video_off": off})
}

func (h Handlers) command(c *gin.Context, fn func(context.Context) error) {
	if err := fn(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Calls.Current())
}

func (h Handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("call command failed", "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": calls.UserMessage(err), "detail": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, calls.ErrInvalidArgument), errors.Is(err, history.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, calls.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, calls.ErrBusy), errors.Is(err, calls.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, signaling.ErrTransportUnavailable), errors.Is(err, calls.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

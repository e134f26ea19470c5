package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"callcore/internal/history"
	"callcore/pkg/logger"

	"github.com/gin-gonic/gin"
)

func (h Handlers) ListHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = n
	}
	recs, err := h.History.ListForUser(c.Request.Context(), h.LocalUserID, limit)
	if err != nil {
		h.failHistory(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

const defaultSummaryWindow = 30 * 24 * time.Hour

// HistorySummary aggregates over [from, to). Both bounds are optional RFC3339;
// to defaults to now and from to 30 days before to.
func (h Handlers) HistorySummary(c *gin.Context) {
	var rng history.TimeRange
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"from", &rng.From}, {"to", &rng.To}} {
		raw := c.Query(p.key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": p.key + " must be RFC3339"})
			return
		}
		*p.dst = t
	}
	if rng.To.IsZero() {
		rng.To = h.now().UTC()
	}
	if rng.From.IsZero() {
		rng.From = rng.To.Add(-defaultSummaryWindow)
	}
	sum, err := h.History.Summary(c.Request.Context(), h.LocalUserID, rng)
	if err != nil {
		h.failHistory(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h Handlers) failHistory(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("history query failed", "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "history lookup failed"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const errorValueDatabaseUnavailable = "Database unavailable"

// Pinger checks that the database answers.
type Pinger func(ctx context.Context) error

type HealthHandlers struct {
	ping   Pinger
	logger *zap.Logger
	now    func() time.Time
}

func NewHealthHandlers(ping Pinger, logger *zap.Logger) *HealthHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandlers{ping: ping, logger: logger, now: time.Now}
}

func (h *HealthHandlers) Health(context *gin.Context) {
	if h.ping != nil {
		if pingErr := h.ping(context.Request.Context()); pingErr != nil {
			h.logger.Warn("health_ping_failed", zap.Error(pingErr))
			context.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": errorValueDatabaseUnavailable})
			return
		}
	}
	context.JSON(http.StatusOK, gin.H{"ok": true, "t": h.now().UnixMilli()})
}

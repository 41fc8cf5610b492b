package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/contactform/internal/ratelimit"
)

const (
	RequestIDHeader = "X-Request-ID"

	requestIDContextKey    = "request_id"
	unmatchedRouteLabel    = "unmatched"
	messageTooManyRequests = "Too many requests"
	requestIDMaxLength     = 128
)

// RequestMetrics records per-request counters.
type RequestMetrics interface {
	ObserveHTTPRequest(method, route string, status int, seconds float64)
}

// RateLimitMetrics counts refused requests.
type RateLimitMetrics interface {
	ObserveRateLimited()
}

func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(context *gin.Context) {
		start := time.Now()
		requestID := strings.TrimSpace(context.GetHeader(RequestIDHeader))
		if requestID == "" || len(requestID) > requestIDMaxLength {
			requestID = uuid.NewString()
		}
		context.Set(requestIDContextKey, requestID)
		context.Header(RequestIDHeader, requestID)

		context.Next()
		logger.Info("http",
			zap.String("request_id", requestID),
			zap.String("method", context.Request.Method),
			zap.String("path", context.Request.URL.Path),
			zap.Int("status", context.Writer.Status()),
			zap.Duration("dur", time.Since(start)),
			zap.String("ip", context.ClientIP()),
			zap.String("ua", context.Request.UserAgent()),
		)
	}
}

func RequestMetricsMiddleware(recorder RequestMetrics) gin.HandlerFunc {
	return func(context *gin.Context) {
		if recorder == nil {
			context.Next()
			return
		}
		start := time.Now()
		context.Next()
		route := context.FullPath()
		if route == "" {
			route = unmatchedRouteLabel
		}
		recorder.ObserveHTTPRequest(context.Request.Method, route, context.Writer.Status(), time.Since(start).Seconds())
	}
}

// RateLimitMiddleware refuses requests once the client IP spends its window
// budget. Limiter failures let the request through.
func RateLimitMiddleware(limiter ratelimit.Limiter, logger *zap.Logger, recorder RateLimitMetrics) gin.HandlerFunc {
	return func(context *gin.Context) {
		if limiter == nil {
			context.Next()
			return
		}
		clientIP := context.ClientIP()
		allowed, allowErr := limiter.Allow(context.Request.Context(), clientIP)
		if allowErr != nil && logger != nil {
			logger.Warn("rate_limiter_unavailable", zap.Error(allowErr), zap.String("ip", clientIP))
		}
		if allowErr == nil && !allowed {
			if recorder != nil {
				recorder.ObserveRateLimited()
			}
			context.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"ok": false, "message": messageTooManyRequests})
			return
		}
		context.Next()
	}
}

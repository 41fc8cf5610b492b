package httpapi_test

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarkoPoloResearchLab/contactform/internal/httpapi"
	"github.com/MarkoPoloResearchLab/contactform/internal/ratelimit"
)

type requestObservation struct {
	method string
	route  string
	status int
}

type recordingRequestMetrics struct {
	mutex        sync.Mutex
	observations []requestObservation
	limited      int
}

func (recorder *recordingRequestMetrics) ObserveHTTPRequest(method, route string, status int, seconds float64) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.observations = append(recorder.observations, requestObservation{method: method, route: route, status: status})
}

func (recorder *recordingRequestMetrics) ObserveRateLimited() {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.limited++
}

func TestRequestLoggerAssignsAndEchoesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)

	router := gin.New()
	router.Use(httpapi.RequestLogger(zap.New(core)))
	router.GET("/ping", func(context *gin.Context) {
		context.Status(http.StatusNoContent)
	})

	generated := performJSONRequest(t, router, http.MethodGet, "/ping", nil, nil)
	require.Equal(t, http.StatusNoContent, generated.Code)
	generatedID := generated.Header().Get(httpapi.RequestIDHeader)
	require.Len(t, generatedID, 36)

	echoed := performJSONRequest(t, router, http.MethodGet, "/ping", nil, map[string]string{httpapi.RequestIDHeader: "req-123"})
	require.Equal(t, "req-123", echoed.Header().Get(httpapi.RequestIDHeader))

	entries := logs.FilterMessage("http").All()
	require.Len(t, entries, 2)
	require.Equal(t, generatedID, entries[0].ContextMap()["request_id"])
	require.Equal(t, "req-123", entries[1].ContextMap()["request_id"])
	require.EqualValues(t, http.StatusNoContent, entries[1].ContextMap()["status"])
}

func TestRequestMetricsMiddlewareLabelsRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := &recordingRequestMetrics{}

	router := gin.New()
	router.Use(httpapi.RequestMetricsMiddleware(recorder))
	router.DELETE("/api/messages/:id", func(context *gin.Context) {
		context.Status(http.StatusOK)
	})

	performJSONRequest(t, router, http.MethodDelete, "/api/messages/12", nil, nil)
	performJSONRequest(t, router, http.MethodGet, "/nowhere", nil, nil)

	require.Equal(t, []requestObservation{
		{method: http.MethodDelete, route: "/api/messages/:id", status: http.StatusOK},
		{method: http.MethodGet, route: "unmatched", status: http.StatusNotFound},
	}, recorder.observations)
}

func TestRateLimitMiddlewareCountsRefusals(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := &recordingRequestMetrics{}
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{Window: time.Minute, MaxRequests: 1})

	router := gin.New()
	router.POST("/submit", httpapi.RateLimitMiddleware(limiter, zap.NewNop(), recorder), func(context *gin.Context) {
		context.Status(http.StatusAccepted)
	})

	require.Equal(t, http.StatusAccepted, performJSONRequest(t, router, http.MethodPost, "/submit", nil, nil).Code)
	require.Equal(t, http.StatusTooManyRequests, performJSONRequest(t, router, http.MethodPost, "/submit", nil, nil).Code)
	require.Equal(t, 1, recorder.limited)
}

func TestMiddlewareToleratesMissingCollaborators(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(httpapi.RequestMetricsMiddleware(nil))
	router.POST("/submit", httpapi.RateLimitMiddleware(nil, nil, nil), func(context *gin.Context) {
		context.Status(http.StatusAccepted)
	})

	for attempt := 0; attempt < 10; attempt++ {
		require.Equal(t, http.StatusAccepted, performJSONRequest(t, router, http.MethodPost, "/submit", nil, nil).Code)
	}
}

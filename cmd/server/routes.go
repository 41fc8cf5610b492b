package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/contactform/internal/httpapi"
	"github.com/MarkoPoloResearchLab/contactform/internal/metrics"
	"github.com/MarkoPoloResearchLab/contactform/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/contactform/internal/storage"
)

const (
	apiRoutePrefix        = "/api"
	apiRouteSubmit        = "/send-sms"
	apiRouteMessages      = "/messages"
	apiRouteMessageByID   = "/messages/:id"
	apiRouteHealth        = "/health"
	metricsRoute          = "/metrics"
	corsHeaderContentType = "Content-Type"
	corsMaxAge            = 12 * time.Hour

	errorMessageTrustedProxies = "router: trusted proxies"
)

var (
	corsAllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	corsAllowedHeaders = []string{corsHeaderContentType}
	corsExposedHeaders = []string{httpapi.RequestIDHeader}
)

type routerDependencies struct {
	logger         *zap.Logger
	database       *gorm.DB
	store          httpapi.SubmissionRepository
	workflow       httpapi.SubmissionSubmitter
	limiter        ratelimit.Limiter
	metrics        *metrics.ContactMetrics
	gatherer       prometheus.Gatherer
	allowedOrigins []string
	trustedProxies []string
}

// newRouter trusts X-Forwarded-For only from the configured proxies, so rate
// limiting keys on the socket address unless a proxy is listed.
func newRouter(dependencies routerDependencies) (*gin.Engine, error) {
	router := gin.New()
	if proxyErr := router.SetTrustedProxies(dependencies.trustedProxies); proxyErr != nil {
		return nil, fmt.Errorf("%s: %w", errorMessageTrustedProxies, proxyErr)
	}
	router.Use(gin.Recovery())
	router.Use(httpapi.RequestLogger(dependencies.logger))
	router.Use(httpapi.RequestMetricsMiddleware(dependencies.metrics))
	router.Use(newCORSMiddleware(dependencies.allowedOrigins))

	submissionHandlers := httpapi.NewSubmissionHandlers(dependencies.workflow, dependencies.store, dependencies.logger)
	healthHandlers := httpapi.NewHealthHandlers(func(ctx context.Context) error {
		return storage.Ping(ctx, dependencies.database)
	}, dependencies.logger)

	apiGroup := router.Group(apiRoutePrefix)
	apiGroup.POST(apiRouteSubmit, httpapi.RateLimitMiddleware(dependencies.limiter, dependencies.logger, dependencies.metrics), submissionHandlers.Submit)
	apiGroup.GET(apiRouteMessages, submissionHandlers.List)
	apiGroup.DELETE(apiRouteMessageByID, submissionHandlers.Delete)
	apiGroup.GET(apiRouteHealth, healthHandlers.Health)

	router.GET(metricsRoute, gin.WrapH(metrics.Handler(dependencies.gatherer)))

	return router, nil
}

func newCORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultCORSAllowedOrigins
	}
	return cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     corsAllowedMethods,
		AllowHeaders:     corsAllowedHeaders,
		ExposeHeaders:    corsExposedHeaders,
		AllowCredentials: false,
		MaxAge:           corsMaxAge,
	})
}

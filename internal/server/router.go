package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/auth"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/deliverylog"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/engagement"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/metrics"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	userIDContextKey       = "agentbuddy_user_id"
	webhookPath            = "/beacon-propensity-webhook"
	defaultStreamHeartbeat = 25 * time.Second
	headerAPIKey           = "X-API-Key"
	headerIdempotencyKey   = "X-Idempotency-Key"
	headerWebhookSource    = "X-Webhook-Source"
	healthCheckTimeout     = 2 * time.Second
)

var (
	errMissingEngagementService   = errors.New("engagement service dependency required")
	errMissingNotificationService = errors.New("notification service dependency required")
	errMissingDispatcher          = errors.New("notification dispatcher dependency required")
	errMissingAPIKeyVerifier      = errors.New("api key verifier dependency required")
	errMissingSessionValidator    = errors.New("session validator dependency required")
)

// APIKeyVerifier checks the tracking service's shared secret.
type APIKeyVerifier interface {
	Verify(presented string) error
}

// SessionValidator authenticates agents on the read API.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type Dependencies struct {
	EngagementService   *engagement.Service
	NotificationService *notifications.Service
	Dispatcher          *notifications.Dispatcher
	APIKeyVerifier      APIKeyVerifier
	SessionValidator    SessionValidator
	DeliveryRecorder    deliverylog.Recorder
	Metrics             *metrics.Metrics
	Database            *gorm.DB
	Logger              *zap.Logger
	AllowedOrigins      []string
	StreamHeartbeat     time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.EngagementService == nil {
		return nil, errMissingEngagementService
	}
	if deps.NotificationService == nil {
		return nil, errMissingNotificationService
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if deps.APIKeyVerifier == nil {
		return nil, errMissingAPIKeyVerifier
	}
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := deps.DeliveryRecorder
	if recorder == nil {
		recorder = deliverylog.NopRecorder{}
	}
	collectors := deps.Metrics
	if collectors == nil {
		collectors = metrics.New()
	}
	heartbeat := deps.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(collectors.Middleware())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		engagement:    deps.EngagementService,
		notifications: deps.NotificationService,
		dispatcher:    deps.Dispatcher,
		apiKeys:       deps.APIKeyVerifier,
		sessions:      deps.SessionValidator,
		deliveries:    recorder,
		metrics:       collectors,
		db:            deps.Database,
		validate:      validator.New(),
		logger:        logger,
		heartbeat:     heartbeat,
	}

	router.OPTIONS(webhookPath, handler.handleWebhookProbe)
	router.POST(webhookPath, handler.requireAPIKey, handler.handleWebhook)
	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(collectors.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/appraisals/:id/engagement", handler.handleEngagementSummary)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.POST("/notifications/:id/read", handler.handleMarkNotificationRead)
	protected.GET("/notifications/stream", handler.handleNotificationStream)

	return router, nil
}

// corsMiddleware applies the origin allow-list to the read API. The webhook path accepts any origin and is
// gated by the API key alone.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	readAPI := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		readAPI.AllowAllOrigins = true
	} else {
		readAPI.AllowOrigins = allowedOrigins
		readAPI.AllowCredentials = true
	}
	readAPICors := cors.New(readAPI)

	webhookCors := cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Content-Type", headerAPIKey, headerIdempotencyKey, headerWebhookSource},
		MaxAge:          12 * time.Hour,
	})

	return func(c *gin.Context) {
		if c.Request.URL.Path == webhookPath {
			webhookCors(c)
			return
		}
		readAPICors(c)
	}
}

type httpHandler struct {
	engagement    *engagement.Service
	notifications *notifications.Service
	dispatcher    *notifications.Dispatcher
	apiKeys       APIKeyVerifier
	sessions      SessionValidator
	deliveries    deliverylog.Recorder
	metrics       *metrics.Metrics
	db            *gorm.DB
	validate      *validator.Validate
	logger        *zap.Logger
	heartbeat     time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

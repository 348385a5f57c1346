package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/findmydoctor/courier/internal/auth"
	"github.com/findmydoctor/courier/internal/history"
	"github.com/findmydoctor/courier/internal/metrics"
	"github.com/findmydoctor/courier/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const principalContextKey = "courier_principal"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingSockets        = errors.New("socket server dependency required")
	errMissingPublisher      = errors.New("event publisher dependency required")
	errMissingNotifications  = errors.New("notification store dependency required")
	errMissingRegistry       = errors.New("registry stats dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (auth.Principal, error)
}

// SocketServer runs realtime connections.
type SocketServer interface {
	Serve(ctx context.Context, transport realtime.Transport, request realtime.ConnectRequest) error
	OpenConnections() int
}

type EventPublisher interface {
	Publish(ctx context.Context, event realtime.Event) (realtime.Event, error)
}

type NotificationStore interface {
	ListNotifications(ctx context.Context, userID string) ([]history.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	MarkRead(ctx context.Context, userID, eventID string) error
}

type RegistryStats interface {
	Stats() realtime.RegistryStats
}

type Dependencies struct {
	Tokens         TokenValidator
	Sockets        SocketServer
	Publisher      EventPublisher
	Notifications  NotificationStore
	Registry       RegistryStats
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	AllowedOrigins []string
	Transport      TransportConfig
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Sockets == nil {
		return nil, errMissingSockets
	}
	if deps.Publisher == nil {
		return nil, errMissingPublisher
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:        deps.Tokens,
		sockets:       deps.Sockets,
		publisher:     deps.Publisher,
		notifications: deps.Notifications,
		registry:      deps.Registry,
		upgrader:      newUpgrader(origins),
		transport:     deps.Transport.withDefaults(),
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	router.GET("/ws/chat/:peerId", handler.handleChatSocket)
	router.GET("/ws/chat/:peerId/", handler.handleChatSocket)
	router.GET("/ws/notifications/:userId", handler.handleNotificationSocket)
	router.GET("/ws/notifications/:userId/", handler.handleNotificationSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/notifications", handler.handlePublishNotification)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.PATCH("/notifications/:id/mark-as-read", handler.handleMarkRead)

	return router, nil
}

type httpHandler struct {
	tokens        TokenValidator
	sockets       SocketServer
	publisher     EventPublisher
	notifications NotificationStore
	registry      RegistryStats
	upgrader      *websocket.Upgrader
	transport     TransportConfig
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	stats := h.registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"topics":        stats.Topics,
		"subscriptions": stats.Subscriptions,
		"connections":   h.sockets.OpenConnections(),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principal, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func principalFrom(c *gin.Context) (auth.Principal, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return auth.Principal{}, false
	}
	principal, ok := value.(auth.Principal)
	return principal, ok && !principal.IsZero()
}

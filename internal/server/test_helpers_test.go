package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/findmydoctor/courier/internal/auth"
	"github.com/findmydoctor/courier/internal/history"
	"github.com/findmydoctor/courier/internal/metrics"
	"github.com/findmydoctor/courier/internal/realtime"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "courier-auth"
	testAudience      = "courier-api"
)

type testStack struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
	engine  *realtime.Engine
	manager *realtime.Manager
	store   *history.Store
	metrics *metrics.Metrics
}

type stackOptions struct {
	transport      TransportConfig
	allowedOrigins []string
	logger         *zap.Logger
}

func newTestStack(t *testing.T, options stackOptions) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:courier_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(history.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := history.NewStore(history.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
	})
	if err != nil {
		t.Fatalf("failed to construct authenticator: %v", err)
	}

	logger := options.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	collectors := metrics.New()
	registry := realtime.NewRegistry()
	collectors.WatchRegistry(registry.Stats)

	engine, err := realtime.NewEngine(realtime.EngineConfig{
		Registry: registry,
		History:  store,
		Sink:     store,
		Logger:   logger,
		Observer: collectors,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	manager, err := realtime.NewManager(realtime.ManagerConfig{
		Authenticator: authenticator,
		Engine:        engine,
		AuthTimeout:   time.Second,
		Logger:        logger,
		Observer:      collectors,
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:         authenticator,
		Sockets:        manager,
		Publisher:      engine,
		Notifications:  store,
		Registry:       registry,
		Metrics:        collectors,
		Logger:         logger,
		AllowedOrigins: options.allowedOrigins,
		Transport:      options.transport,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &testStack{
		handler: handler,
		issuer:  issuer,
		engine:  engine,
		manager: manager,
		store:   store,
		metrics: collectors,
	}
}

func (s *testStack) token(t *testing.T, id string, role auth.Role) string {
	t.Helper()
	token, _, err := s.issuer.Issue(auth.Principal{ID: id, Role: role})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testStack) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/findmydoctor/courier/internal/auth"
	"github.com/findmydoctor/courier/internal/config"
	"github.com/findmydoctor/courier/internal/database"
	"github.com/findmydoctor/courier/internal/history"
	"github.com/findmydoctor/courier/internal/logging"
	"github.com/findmydoctor/courier/internal/metrics"
	"github.com/findmydoctor/courier/internal/realtime"
	"github.com/findmydoctor/courier/internal/server"
	"github.com/findmydoctor/courier/internal/tracing"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	serviceName     = "courier-api"
	serviceVersion  = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Realtime chat and notification delivery service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Credential signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Credential TTL in minutes")
	cmd.PersistentFlags().Int("backlog-limit", defaults.GetInt("realtime.backlog_limit"), "Maximum events replayed on subscribe (0 = all)")
	cmd.PersistentFlags().Duration("idle-timeout", defaults.GetDuration("realtime.idle_timeout"), "Close connections silent for this long")
	cmd.PersistentFlags().String("tracing-endpoint", "", "OTLP gRPC collector endpoint (empty disables tracing)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "realtime.backlog_limit", "backlog-limit")
	bindFlag(cmd, "realtime.idle_timeout", "idle-timeout")
	bindFlag(cmd, "tracing.endpoint", "tracing-endpoint")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newTokenCommand() *cobra.Command {
	var (
		userID string
		role   string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a credential for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			parsedRole, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.AuthIssuer,
				Audience:      appConfig.AuthAudience,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.Issue(auth.Principal{ID: userID, Role: parsedRole})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires in %ds\n", token, expiresIn)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Subject user id")
	cmd.Flags().StringVar(&role, "role", string(auth.RolePatient), "Role claim (patient, doctor, admin)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:   appConfig.LogLevel,
		Format:  appConfig.LogFormat,
		Service: serviceName,
	})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	tracer, shutdownTracing, err := tracing.NewTracer(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Endpoint:       appConfig.Tracing.Endpoint,
		SamplingRate:   appConfig.Tracing.SamplingRate,
		Insecure:       appConfig.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace export flush failed", zap.Error(err))
		}
	}()

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
	})
	if err != nil {
		return err
	}

	store, err := history.NewStore(history.StoreConfig{
		Database:     db,
		BacklogLimit: appConfig.Realtime.BacklogLimit,
		Logger:       logger,
	})
	if err != nil {
		return err
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
		Tracer:   tracer,
	})
	if err != nil {
		return err
	}
	manager, err := realtime.NewManager(realtime.ManagerConfig{
		Authenticator: authenticator,
		Engine:        engine,
		AuthTimeout:   appConfig.Realtime.AuthTimeout,
		SendBuffer:    appConfig.Realtime.SendBuffer,
		Logger:        logger,
		Observer:      collectors,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         authenticator,
		Sockets:        manager,
		Publisher:      engine,
		Notifications:  store,
		Registry:       registry,
		Metrics:        collectors,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
		Transport: server.TransportConfig{
			IdleTimeout:  appConfig.Realtime.IdleTimeout,
			PingInterval: appConfig.Realtime.PingInterval,
			WriteTimeout: appConfig.Realtime.WriteTimeout,
		},
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// hijacked websocket connections are not tracked by http.Server
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("realtime shutdown incomplete", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

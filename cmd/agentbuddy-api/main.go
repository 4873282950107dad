package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/auth"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/config"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/database"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/deliverylog"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/engagement"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/logging"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/metrics"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/notifications"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "agentbuddy-api",
		Short: "AgentBuddy engagement webhook service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("app-base-url", defaults.GetString("app.base_url"), "Base URL used for notification links")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for delivery bookkeeping (optional)")
	cmd.PersistentFlags().Int("delivery-ttl-minutes", defaults.GetInt("delivery.ttl_minutes"), "Retention of recorded idempotency keys in minutes")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "app.base_url", "app-base-url")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "delivery.ttl_minutes", "delivery-ttl-minutes")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	var recorder deliverylog.Recorder = deliverylog.NopRecorder{}
	if appConfig.RedisAddress != "" {
		redisRecorder, err := deliverylog.NewRedisRecorder(ctx, deliverylog.Options{
			Address:  appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
			TTL:      appConfig.DeliveryTTL,
		})
		if err != nil {
			logger.Warn("delivery log disabled", zap.String("address", appConfig.RedisAddress), zap.Error(err))
		} else {
			defer redisRecorder.Close() //nolint:errcheck
			recorder = redisRecorder
		}
	}

	dispatcher := notifications.NewDispatcher()
	notificationService, err := notifications.NewService(notifications.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: engagement.NewUUIDProvider(),
		Publisher:  dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	engagementService, err := engagement.NewService(engagement.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: engagement.NewUUIDProvider(),
		Notifier:   notificationService,
		Logger:     logger,
		BaseURL:    appConfig.AppBaseURL,
	})
	if err != nil {
		return err
	}

	apiKeys, err := auth.NewAPIKeyVerifier(appConfig.BeaconAPIKey)
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		EngagementService:   engagementService,
		NotificationService: notificationService,
		Dispatcher:          dispatcher,
		APIKeyVerifier:      apiKeys,
		SessionValidator:    sessions,
		DeliveryRecorder:    recorder,
		Metrics:             metrics.New(),
		Database:            db,
		Logger:              logger,
		AllowedOrigins:      appConfig.CORSAllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

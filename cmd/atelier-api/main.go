package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/config"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/database"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/relay"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/server"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/syncsession"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "atelier-api",
		Short: "Atelier collaborative document sync service",
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
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	flags.Duration("database-operation-timeout", defaults.GetDuration("database.operation_timeout"), "Timeout applied to each storage call")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("tauth-signing-secret", "", "TAuth session signing secret (overrides env)")
	flags.String("tauth-cookie-name", defaults.GetString("tauth.cookie_name"), "TAuth session cookie name")
	flags.String("tauth-issuer", defaults.GetString("tauth.issuer"), "Expected session token issuer")
	flags.StringSlice("cors-allowed-origins", nil, "Cross-site browser origins to admit (same-origin only when empty, * for any)")
	flags.Duration("sync-ping-interval", defaults.GetDuration("sync.ping_interval"), "Interval between keepalive pings")
	flags.Duration("sync-pong-timeout", defaults.GetDuration("sync.pong_timeout"), "Time allowed for a pong before the session is dropped")
	flags.Int("sync-subscriber-buffer", defaults.GetInt("sync.subscriber_buffer"), "Queued updates per subscriber before eviction")
	flags.Int64("sync-max-message-bytes", defaults.GetInt64("sync.max_message_bytes"), "Largest accepted sync message")
	flags.String("redis-address", defaults.GetString("redis.address"), "Redis address for cross-process relay (disabled when empty)")
	flags.String("redis-channel-prefix", defaults.GetString("redis.channel_prefix"), "Redis channel prefix")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "database.operation_timeout", "database-operation-timeout")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "tauth.signing_secret", "tauth-signing-secret")
	bindFlag(cmd, "tauth.cookie_name", "tauth-cookie-name")
	bindFlag(cmd, "tauth.issuer", "tauth-issuer")
	bindFlag(cmd, "cors.allowed_origins", "cors-allowed-origins")
	bindFlag(cmd, "sync.ping_interval", "sync-ping-interval")
	bindFlag(cmd, "sync.pong_timeout", "sync-pong-timeout")
	bindFlag(cmd, "sync.subscriber_buffer", "sync-subscriber-buffer")
	bindFlag(cmd, "sync.max_message_bytes", "sync-max-message-bytes")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "redis.channel_prefix", "redis-channel-prefix")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		DSN:    appConfig.DatabaseDSN,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(registry)
	if err != nil {
		return err
	}

	documentRelay, peerNamespace, err := newRelay(appConfig, logger)
	if err != nil {
		return err
	}
	defer documentRelay.Close() //nolint:errcheck

	repository, err := documents.NewGormRepository(documents.GormRepositoryConfig{
		Database:         db,
		Logger:           logger,
		OperationTimeout: appConfig.OperationTimeout,
	})
	if err != nil {
		return err
	}

	store, err := documents.NewStore(documents.StoreConfig{
		Repository:       repository,
		Clock:            time.Now,
		IDProvider:       documents.NewUUIDProvider(),
		Logger:           logger,
		Metrics:          collector,
		Publisher:        documentRelay,
		SubscriberBuffer: appConfig.SyncSubscriberBuffer,
		PeerNamespace:    peerNamespace,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.Load(ctx); err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	identities, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessions, err := syncsession.NewManager(syncsession.ManagerConfig{
		Store:            store,
		Logger:           logger,
		Metrics:          collector,
		PingInterval:     appConfig.SyncPingInterval,
		PongTimeout:      appConfig.SyncPongTimeout,
		SubscriberBuffer: appConfig.SyncSubscriberBuffer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:           store,
		Sessions:        sessions,
		Validator:       validator,
		Actors:          identities,
		Gatherer:        registry,
		AllowedOrigins:  appConfig.AllowedOrigins,
		MaxMessageBytes: appConfig.SyncMaxMessageBytes,
		Logger:          logger,
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

	relayCtx, cancelRelay := context.WithCancel(signalCtx)
	defer cancelRelay()
	go func() {
		if err := documentRelay.Run(relayCtx, store.ApplyRelayedUpdate); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("relay stopped", zap.Error(err))
		}
	}()

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
		if err := sessions.Shutdown(shutdownCtx); err != nil {
			logger.Warn("sync sessions did not drain", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newRelay returns the relay and the peer namespace the store writes under. Processes
// joined by redis each get their relay origin as namespace.
func newRelay(appConfig config.AppConfig, logger *zap.Logger) (relay.Relay, string, error) {
	if !appConfig.RelayEnabled() {
		return relay.NopRelay{}, "", nil
	}
	client := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
	redisRelay, err := relay.NewRedisRelay(relay.RedisConfig{
		Client:        client,
		ChannelPrefix: appConfig.RedisChannelPrefix,
		Logger:        logger,
	})
	if err != nil {
		return nil, "", err
	}
	return redisRelay, redisRelay.Origin(), nil
}

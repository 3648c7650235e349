package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/shinnkura/donezo/internal/auth"
	"github.com/shinnkura/donezo/internal/changelog"
	"github.com/shinnkura/donezo/internal/config"
	"github.com/shinnkura/donezo/internal/conflict"
	"github.com/shinnkura/donezo/internal/database"
	"github.com/shinnkura/donezo/internal/engine"
	"github.com/shinnkura/donezo/internal/logging"
	"github.com/shinnkura/donezo/internal/record"
	"github.com/shinnkura/donezo/internal/remote"
	"github.com/shinnkura/donezo/internal/server"
	"github.com/shinnkura/donezo/internal/store"
	"github.com/shinnkura/donezo/internal/syncqueue"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "donezo-syncd",
		Short: "Donezo offline-first sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("owner-id", "", "Owner id this daemon syncs for")
	cmd.PersistentFlags().String("remote-base-url", "", "Remote authority base URL")
	cmd.PersistentFlags().String("remote-token", "", "Remote authority bearer token")
	cmd.PersistentFlags().Int("sync-interval-minutes", defaults.GetInt("sync.interval_minutes"), "Automatic sync interval in minutes")
	cmd.PersistentFlags().Int("sync-batch-size", defaults.GetInt("sync.batch_size"), "Queue entries pushed per batch")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Local API token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Local API signing secret (overrides env)")
	cmd.PersistentFlags().String("api-key", "", "Local API key (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.owner_id", "owner-id")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.token", "remote-token")
	bindFlag(cmd, "sync.interval_minutes", "sync-interval-minutes")
	bindFlag(cmd, "sync.batch_size", "sync-batch-size")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.api_key", "api-key")
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

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	ownerID, err := record.NewOwnerID(appConfig.OwnerID)
	if err != nil {
		return err
	}

	changeLog, err := changelog.NewService(changelog.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	queue, err := syncqueue.NewService(syncqueue.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	conflicts, err := conflict.NewService(conflict.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	localStore, err := store.NewService(store.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: store.NewUUIDProvider(),
		ChangeLog:  changeLog,
		Queue:      queue,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	authority, err := remote.NewHTTPAuthority(remote.HTTPAuthorityConfig{
		BaseURL:    appConfig.RemoteBaseURL,
		Tokens:     remote.StaticTokenSource(appConfig.RemoteToken),
		HTTPClient: &http.Client{Timeout: appConfig.RemoteTimeout},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewEventDispatcher()

	syncEngine, err := engine.New(engine.Config{
		Database:   db,
		Store:      localStore,
		Queue:      queue,
		ChangeLog:  changeLog,
		Conflicts:  conflicts,
		Remote:     authority,
		OwnerID:    ownerID,
		IDProvider: store.NewUUIDProvider(),
		Policy:     conflict.DefaultFieldPolicy(),
		Clock:      time.Now,
		Logger:     logger,
		BatchSize:  appConfig.SyncBatchSize,
		Publish:    dispatcher.Publish,
	})
	if err != nil {
		return err
	}

	coordinator, err := engine.NewCoordinator(engine.CoordinatorConfig{
		Engine:   syncEngine,
		Interval: appConfig.SyncInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "donezo-syncd",
		Audience:      "donezo-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	exchanger, err := auth.NewAPIKeyExchanger(auth.APIKeyExchangerConfig{
		APIKey:  appConfig.APIKey,
		Subject: ownerID.String(),
		Issuer:  tokenIssuer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Exchanger:    exchanger,
		TokenManager: tokenIssuer,
		Store:        localStore,
		Engine:       syncEngine,
		Conflicts:    conflicts,
		Requester:    coordinator,
		Dispatcher:   dispatcher,
		Logger:       logger,
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

	go func() {
		if err := coordinator.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sync coordinator stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("daemon starting", zap.String("address", appConfig.HTTPAddress))
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

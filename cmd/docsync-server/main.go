package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/docsync/internal/auth"
	"github.com/MarcoPoloResearchLab/docsync/internal/config"
	"github.com/MarcoPoloResearchLab/docsync/internal/database"
	"github.com/MarcoPoloResearchLab/docsync/internal/fanout"
	"github.com/MarcoPoloResearchLab/docsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/docsync/internal/logging"
	"github.com/MarcoPoloResearchLab/docsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/docsync/internal/server"
	"github.com/MarcoPoloResearchLab/docsync/internal/session"
	"github.com/MarcoPoloResearchLab/docsync/internal/tracking"
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
		Use:   "docsync-server",
		Short: "Collaborative document sync server",
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
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated origins allowed to connect")
	cmd.PersistentFlags().String("gateway-base-url", "", "Base URL of the document gateway API")
	cmd.PersistentFlags().Duration("gateway-timeout", defaults.GetDuration("gateway.timeout"), "Timeout for a single gateway request")
	cmd.PersistentFlags().String("signing-secret", "", "HS256 secret for local token verification (optional)")
	cmd.PersistentFlags().String("jwks-url", "", "JWKS endpoint for RS256 token verification (optional)")
	cmd.PersistentFlags().String("token-issuer", "", "Expected token issuer when local verification is enabled")
	cmd.PersistentFlags().String("token-audience", "", "Expected token audience for JWKS verification (optional)")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("auth.cookie_name"), "Session cookie carrying the token")
	cmd.PersistentFlags().Duration("persist-debounce", defaults.GetDuration("session.persist_debounce"), "Quiet period before edits are persisted")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path for incidents")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for the schema relay between instances; documents must be routed to one instance each (optional)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "gateway.base_url", "gateway-base-url")
	bindFlag(cmd, "gateway.timeout", "gateway-timeout")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.jwks_url", "jwks-url")
	bindFlag(cmd, "auth.issuer", "token-issuer")
	bindFlag(cmd, "auth.audience", "token-audience")
	bindFlag(cmd, "auth.cookie_name", "cookie-name")
	bindFlag(cmd, "session.persist_debounce", "persist-debounce")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "log.level", "log-level")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	incidentStore, err := tracking.NewStoreSink(tracking.StoreSinkConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	gatewayClient, err := gateway.NewClient(gateway.Config{
		BaseURL: appConfig.GatewayBaseURL,
		Timeout: appConfig.GatewayTimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	serverMetrics := metrics.New()

	coordinator, err := session.NewCoordinator(session.Config{
		Store:           gatewayClient,
		Sink:            tracking.MultiSink{tracking.NewLoggerSink(logger), incidentStore},
		Observer:        serverMetrics,
		PersistDebounce: appConfig.PersistDebounce,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var broadcaster auth.SchemaBroadcaster = coordinator
	if appConfig.RedisURL != "" {
		redisClient, err := fanout.Dial(signalCtx, appConfig.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		relay, err := fanout.NewRelay(fanout.Config{
			Client:  redisClient,
			Local:   coordinator,
			OnRelay: serverMetrics.SchemaRelayed,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := relay.Run(signalCtx); err != nil {
				logger.Error("schema relay stopped", zap.Error(err))
			}
		}()
		broadcaster = relay
	}

	verifier, err := newVerifier(appConfig, logger)
	if err != nil {
		return err
	}

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Fetcher:     gatewayClient,
		Broadcaster: broadcaster,
		Verifier:    verifier,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator:  authenticator,
		Coordinator:    coordinator,
		Metrics:        serverMetrics.Handler(),
		Rejections:     serverMetrics,
		CookieName:     appConfig.CookieName,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

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
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if err := coordinator.Shutdown(shutdownCtx); err != nil {
			logger.Warn("sessions not flushed before shutdown deadline", zap.Error(err))
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}

// newVerifier returns nil when tokens are left to the gateway.
func newVerifier(appConfig config.AppConfig, logger *zap.Logger) (auth.Verifier, error) {
	switch {
	case appConfig.JWKSURL != "":
		return auth.NewJWKSVerifier(auth.JWKSVerifierConfig{
			JWKSURL:  appConfig.JWKSURL,
			Issuer:   appConfig.TokenIssuer,
			Audience: appConfig.TokenAudience,
			Logger:   logger,
		})
	case appConfig.LocalTokenVerification():
		return auth.NewTokenVerifier(auth.TokenVerifierConfig{
			SigningSecret: []byte(appConfig.SigningSecret),
			Issuer:        appConfig.TokenIssuer,
		})
	default:
		return nil, nil
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tauth/internal/auth"
	"github.com/MarcoPoloResearchLab/tauth/internal/config"
	"github.com/MarcoPoloResearchLab/tauth/internal/database"
	"github.com/MarcoPoloResearchLab/tauth/internal/identity"
	"github.com/MarcoPoloResearchLab/tauth/internal/logging"
	"github.com/MarcoPoloResearchLab/tauth/internal/mailer"
	"github.com/MarcoPoloResearchLab/tauth/internal/reset"
	"github.com/MarcoPoloResearchLab/tauth/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "tauth-api",
		Short: "TAuth accounts backend service",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("frontend-base-url", defaults.GetString("frontend.base_url"), "Frontend base URL for deep links and CORS")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().Int("session-ttl-hours", defaults.GetInt("session.ttl_hours"), "Session token TTL in hours")
	cmd.PersistentFlags().Int("reset-ttl-minutes", defaults.GetInt("reset.ttl_minutes"), "Reset token TTL in minutes")
	cmd.PersistentFlags().String("session-signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("reset-signing-secret", "", "Reset signing secret (falls back to session secret)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "frontend.base_url", "frontend-base-url")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
	bindFlag(cmd, "session.ttl_hours", "session-ttl-hours")
	bindFlag(cmd, "reset.ttl_minutes", "reset-ttl-minutes")
	bindFlag(cmd, "session.signing_secret", "session-signing-secret")
	bindFlag(cmd, "reset.signing_secret", "reset-signing-secret")
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

	identityService, err := identity.NewService(identity.ServiceConfig{
		Database: db,
		Logger:   logger,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SessionSecret: []byte(appConfig.SessionSecret),
		ResetSecret:   []byte(appConfig.ResetSecret),
		Issuer:        "tauth",
		SessionTTL:    appConfig.SessionTTL,
		ResetTTL:      appConfig.ResetTTL,
	})
	if err != nil {
		return err
	}

	hasher := auth.NewPasswordHasher(appConfig.BcryptCost)

	var googleVerifier server.GoogleVerifier
	if appConfig.GoogleClientID != "" {
		verifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
			Audience: appConfig.GoogleClientID,
			JWKSURL:  appConfig.GoogleJWKSURL,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		googleVerifier = verifier
	}

	var resetMailer mailer.Mailer
	if appConfig.SMTPHost != "" {
		smtpMailer, err := mailer.NewSMTPMailer(mailer.SMTPConfig{
			Host:        appConfig.SMTPHost,
			Port:        appConfig.SMTPPort,
			Username:    appConfig.SMTPUsername,
			Password:    appConfig.SMTPPassword,
			FromAddress: appConfig.MailFromAddress,
			FromName:    appConfig.MailFromName,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		resetMailer = smtpMailer
	} else {
		logger.Warn("smtp host not configured, reset mail will be dropped")
		resetMailer = mailer.Discard(logger)
	}

	resetCoordinator, err := reset.NewCoordinator(reset.CoordinatorConfig{
		Identities:      identityService,
		Tokens:          tokenIssuer,
		Hasher:          hasher,
		Mailer:          resetMailer,
		FrontendBaseURL: appConfig.FrontendBaseURL,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Identities:     identityService,
		Tokens:         tokenIssuer,
		Hasher:         hasher,
		Reset:          resetCoordinator,
		GoogleVerifier: googleVerifier,
		CookieName:     appConfig.SessionCookieName,
		FrontendOrigin: appConfig.FrontendBaseURL,
		Logger:         logger,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

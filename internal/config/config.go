package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "TAUTH"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "tauth.db"
	defaultLogLevel      = "info"
	defaultCookieName    = "app_session"
	defaultFrontendURL   = "http://localhost:3000"
	defaultSessionTTL    = 7 * 24 * time.Hour
	defaultResetTTL      = 15 * time.Minute
	defaultBcryptCost    = 12
	defaultGoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSMTPPort      = 587
	defaultMailFromName  = "Support"
)

// AppConfig captures runtime configuration for the accounts API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SessionSecret     string
	ResetSecret       string
	SessionCookieName string
	SessionTTL        time.Duration
	ResetTTL          time.Duration
	BcryptCost        int
	FrontendBaseURL   string
	GoogleClientID    string
	GoogleJWKSURL     string
	SMTPHost          string
	SMTPPort          int
	SMTPUsername      string
	SMTPPassword      string
	MailFromAddress   string
	MailFromName      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl_hours", int(defaultSessionTTL.Hours()))
	configViper.SetDefault("reset.ttl_minutes", int(defaultResetTTL.Minutes()))
	configViper.SetDefault("password.bcrypt_cost", defaultBcryptCost)
	configViper.SetDefault("frontend.base_url", defaultFrontendURL)
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("smtp.port", defaultSMTPPort)
	configViper.SetDefault("mail.from_name", defaultMailFromName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SessionSecret:     configViper.GetString("session.signing_secret"),
		ResetSecret:       configViper.GetString("reset.signing_secret"),
		SessionCookieName: configViper.GetString("session.cookie_name"),
		SessionTTL:        time.Duration(configViper.GetInt("session.ttl_hours")) * time.Hour,
		ResetTTL:          time.Duration(configViper.GetInt("reset.ttl_minutes")) * time.Minute,
		BcryptCost:        configViper.GetInt("password.bcrypt_cost"),
		FrontendBaseURL:   configViper.GetString("frontend.base_url"),
		GoogleClientID:    configViper.GetString("google.client_id"),
		GoogleJWKSURL:     configViper.GetString("google.jwks_url"),
		SMTPHost:          configViper.GetString("smtp.host"),
		SMTPPort:          configViper.GetInt("smtp.port"),
		SMTPUsername:      configViper.GetString("smtp.username"),
		SMTPPassword:      configViper.GetString("smtp.password"),
		MailFromAddress:   configViper.GetString("mail.from_address"),
		MailFromName:      configViper.GetString("mail.from_name"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.FrontendBaseURL) == "" {
		return fmt.Errorf("frontend.base_url is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl_hours must be positive")
	}
	if c.ResetTTL <= 0 {
		return fmt.Errorf("reset.ttl_minutes must be positive")
	}
	return nil
}

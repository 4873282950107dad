package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "AGENTBUDDY"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = DriverSQLite
	defaultDatabasePath    = "agentbuddy.db"
	defaultLogLevel        = "info"
	defaultAppBaseURL      = "http://localhost:5173"
	defaultSessionIssuer   = "agentbuddy"
	defaultCookieName      = "app_session"
	defaultDeliveryTTLMins = 24 * 60

	// DriverSQLite and DriverPostgres are the supported database.driver values.
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabaseDriver       string
	DatabasePath         string
	DatabaseDSN          string
	LogLevel             string
	BeaconAPIKey         string
	AppBaseURL           string
	RedisAddress         string
	RedisPassword        string
	RedisDB              int
	DeliveryTTL          time.Duration
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	CORSAllowedOrigins   []string
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("app.base_url", defaultAppBaseURL)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("delivery.ttl_minutes", defaultDeliveryTTLMins)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		LogLevel:             configViper.GetString("log.level"),
		BeaconAPIKey:         configViper.GetString("beacon.api_key"),
		AppBaseURL:           strings.TrimRight(configViper.GetString("app.base_url"), "/"),
		RedisAddress:         strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:        configViper.GetString("redis.password"),
		RedisDB:              configViper.GetInt("redis.db"),
		DeliveryTTL:          time.Duration(configViper.GetInt("delivery.ttl_minutes")) * time.Minute,
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		CORSAllowedOrigins:   splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitOrigins accepts both list values and a single comma-separated env value.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.BeaconAPIKey) == "" {
		return fmt.Errorf("beacon.api_key is required")
	}
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.DeliveryTTL <= 0 {
		return fmt.Errorf("delivery.ttl_minutes must be positive")
	}
	if len(c.CORSAllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowed_origins must list at least one origin")
	}
	return nil
}

// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	DBPath     string
	ListenAddr string

	// Remote CRM connection. BaseURL serves record fetches; TokenURL is the
	// OAuth token endpoint used for credential refreshes.
	CRMBaseURL      string
	CRMTokenURL     string
	CRMClientID     string
	CRMClientSecret string

	// SecretKey encrypts raw credential material at rest. 32 bytes for
	// AES-256. Optional: without it the secret store refuses writes and
	// token refresh is unavailable.
	SecretKey string

	// Bootstrap tokens seed the credential lineage on first start. Optional.
	BootstrapAccessToken  string
	BootstrapRefreshToken string
	BootstrapExpiresIn    time.Duration

	ShutdownTimeout time.Duration
}

// HasCRMCredentials reports whether the OAuth client pair is configured.
// Without it the app serves the mirror read-only: no fetches, no refreshes.
func (c *Config) HasCRMCredentials() bool {
	return c.CRMClientID != "" && c.CRMClientSecret != ""
}

// HasBootstrapTokens reports whether operator-supplied tokens are present to
// seed an empty credential lineage.
func (c *Config) HasBootstrapTokens() bool {
	return c.BootstrapAccessToken != "" && c.BootstrapRefreshToken != ""
}

// Load reads configuration from the environment, after loading a .env file
// if one exists. CRMMIRROR_CRM_BASE_URL and CRMMIRROR_CRM_TOKEN_URL are
// required. The OAuth client pair and the secret key are optional so the
// mirror can be browsed without remote access. Optional variables with
// defaults: CRMMIRROR_LISTEN_ADDR (127.0.0.1:8080), CRMMIRROR_DB_PATH
// (crmmirror.db), CRMMIRROR_SHUTDOWN_TIMEOUT (30s).
func Load() (*Config, error) {
	_ = godotenv.Load()

	baseURL := os.Getenv("CRMMIRROR_CRM_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("CRMMIRROR_CRM_BASE_URL is required")
	}
	tokenURL := os.Getenv("CRMMIRROR_CRM_TOKEN_URL")
	if tokenURL == "" {
		return nil, fmt.Errorf("CRMMIRROR_CRM_TOKEN_URL is required")
	}

	secretKey := os.Getenv("CRMMIRROR_SECRET_KEY")
	if secretKey != "" && len(secretKey) != 32 {
		return nil, fmt.Errorf("CRMMIRROR_SECRET_KEY must be exactly 32 bytes, got %d", len(secretKey))
	}

	listenAddr := "127.0.0.1:8080"
	if v, ok := os.LookupEnv("CRMMIRROR_LISTEN_ADDR"); ok {
		listenAddr = v
	}

	dbPath := "crmmirror.db"
	if v, ok := os.LookupEnv("CRMMIRROR_DB_PATH"); ok {
		dbPath = v
	}

	shutdownTimeout := 30 * time.Second
	if v, ok := os.LookupEnv("CRMMIRROR_SHUTDOWN_TIMEOUT"); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("CRMMIRROR_SHUTDOWN_TIMEOUT has invalid duration %q: %w", v, err)
		}
		shutdownTimeout = parsed
	}

	bootstrapExpiresIn := time.Hour
	if v, ok := os.LookupEnv("CRMMIRROR_BOOTSTRAP_EXPIRES_IN"); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("CRMMIRROR_BOOTSTRAP_EXPIRES_IN has invalid duration %q: %w", v, err)
		}
		bootstrapExpiresIn = parsed
	}

	return &Config{
		DBPath:                dbPath,
		ListenAddr:            listenAddr,
		CRMBaseURL:            baseURL,
		CRMTokenURL:           tokenURL,
		CRMClientID:           os.Getenv("CRMMIRROR_CRM_CLIENT_ID"),
		CRMClientSecret:       os.Getenv("CRMMIRROR_CRM_CLIENT_SECRET"),
		SecretKey:             secretKey,
		BootstrapAccessToken:  os.Getenv("CRMMIRROR_BOOTSTRAP_ACCESS_TOKEN"),
		BootstrapRefreshToken: os.Getenv("CRMMIRROR_BOOTSTRAP_REFRESH_TOKEN"),
		BootstrapExpiresIn:    bootstrapExpiresIn,
		ShutdownTimeout:       shutdownTimeout,
	}, nil
}

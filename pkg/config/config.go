// Package config loads the service configuration from environment variables.
// Every knob has a production default; a bare environment starts a working
// single-pod deployment against a local database.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for the pulse service.
type Config struct {
	// HTTPPort is the port the API server listens on.
	HTTPPort string

	Broker    *BrokerConfig
	Stream    *StreamConfig
	Queue     *QueueConfig
	Retention *RetentionConfig

	// AuthTokens maps provisioned bearer tokens to subjects.
	AuthTokens []AuthToken
}

// AuthToken is one provisioned credential.
type AuthToken struct {
	Token     string
	SubjectID string
	Admin     bool
}

// Load builds the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:  getEnv("HTTP_PORT", "8000"),
		Broker:    DefaultBrokerConfig(),
		Stream:    DefaultStreamConfig(),
		Queue:     DefaultQueueConfig(),
		Retention: DefaultRetentionConfig(),
	}

	var err error
	if err = cfg.Broker.loadEnv(); err != nil {
		return nil, err
	}
	if err = cfg.Stream.loadEnv(); err != nil {
		return nil, err
	}
	if err = cfg.Queue.loadEnv(); err != nil {
		return nil, err
	}
	if err = cfg.Retention.loadEnv(); err != nil {
		return nil, err
	}

	cfg.AuthTokens, err = parseAuthTokens(os.Getenv("AUTH_TOKENS"))
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseAuthTokens parses AUTH_TOKENS: comma-separated token:subject[:admin]
// triples, e.g. "tok-1:alice,tok-2:root:admin".
func parseAuthTokens(raw string) ([]AuthToken, error) {
	if raw == "" {
		return nil, nil
	}
	var tokens []AuthToken
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		switch {
		case len(parts) == 2:
			tokens = append(tokens, AuthToken{Token: parts[0], SubjectID: parts[1]})
		case len(parts) == 3 && parts[2] == "admin":
			tokens = append(tokens, AuthToken{Token: parts[0], SubjectID: parts[1], Admin: true})
		default:
			return nil, fmt.Errorf("invalid AUTH_TOKENS entry %q: want token:subject[:admin]", entry)
		}
	}
	return tokens, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvDuration(key string, out *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*out = d
	return nil
}

func getEnvInt(key string, out *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*out = n
	return nil
}

func getEnvFloat(key string, out *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*out = f
	return nil
}

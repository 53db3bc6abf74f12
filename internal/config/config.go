// Package config builds the server's Config from CLI flags with optional
// environment overrides, failing fast on invalid combinations the way the
// stack's heavier service configs do.
package config

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cayde/coworker-server/internal/logging"
)

// defaultCORSAllowedOrigins permits the dev loopback UI and any installed
// browser extension (whose chrome-extension://<id> origin varies per
// install, hence the wildcard) to reach the gateway cross-origin.
const defaultCORSAllowedOrigins = "http://127.0.0.1,http://localhost,chrome-extension://*"

// Config is the full set of knobs the coworker-server CLI surface exposes.
type Config struct {
	Host               string
	Port               int
	StorePath          string
	LeaseDuration      time.Duration
	WorkerCount        int
	SessionTTL         time.Duration
	CORSAllowedOrigins []string
	ApprovalSigningKey []byte
}

// Load parses flags (with COWORKER_* environment overrides applied first,
// so flags still win when both are set) and validates the result.
func Load(args []string) (*Config, error) {
	flagSet := flag.NewFlagSet("coworker-server", flag.ContinueOnError)

	host := flagSet.String("host", envOrDefault("COWORKER_HOST", "127.0.0.1"), "loopback host to bind")
	port := flagSet.Int("port", envOrDefaultInt("COWORKER_PORT", 8765), "port to bind")
	storePath := flagSet.String("store-path", envOrDefault("COWORKER_STORE_PATH", "./.coworker/state.db"), "CP Store sqlite file path")
	leaseMs := flagSet.Int("lease-ms", envOrDefaultInt("COWORKER_LEASE_MS", 30000), "job lease duration in milliseconds")
	workerCount := flagSet.Int("workers", envOrDefaultInt("COWORKER_WORKERS", 4), "number of concurrent worker goroutines")
	sessionTTLSeconds := flagSet.Int("session-ttl-seconds", envOrDefaultInt("COWORKER_SESSION_TTL_SECONDS", 24*60*60), "idle session expiry, in seconds")
	signingKeyB64 := flagSet.String("approval-signing-key-base64", envOrDefault("COWORKER_APPROVAL_SIGNING_KEY_BASE64", ""), "base64-encoded HMAC key for approval tokens; random per-process if unset (only safe with a single gateway process per store)")
	corsOrigins := flagSet.String("cors-allowed-origins", envOrDefault("COWORKER_CORS_ALLOWED_ORIGINS", defaultCORSAllowedOrigins), "comma-separated list of allowed CORS origins; entries may use a single * wildcard, e.g. chrome-extension://*")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}

	signingKey, err := decodeSigningKey(*signingKeyB64)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Host:               *host,
		Port:               *port,
		StorePath:          *storePath,
		LeaseDuration:      time.Duration(*leaseMs) * time.Millisecond,
		WorkerCount:        *workerCount,
		SessionTTL:         time.Duration(*sessionTTLSeconds) * time.Second,
		ApprovalSigningKey: signingKey,
		CORSAllowedOrigins: parseCORSOrigins(*corsOrigins),
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func parseCORSOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func decodeSigningKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("approval-signing-key-base64 is not valid base64: %w", err)
	}
	return key, nil
}

func (config *Config) validate() error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("invalid port %d", config.Port)
	}
	if config.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", config.WorkerCount)
	}
	if config.LeaseDuration <= 0 {
		return fmt.Errorf("lease duration must be positive, got %s", config.LeaseDuration)
	}
	if config.StorePath == "" {
		return fmt.Errorf("store path must not be empty")
	}
	return nil
}

// MustLoad is the CLI entrypoint's convenience wrapper: log and exit(1) on
// invalid config rather than returning an error up the stack.
func MustLoad(args []string) *Config {
	config, err := Load(args)
	if err != nil {
		logging.Logger.Fatalf("invalid configuration: %v", err)
	}
	return config
}

func envOrDefault(key string, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// Package config loads daemon configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	MinMaxRetries = 1
	MaxMaxRetries = 10
)

// ServerConfig configures the fieldsyncd tenant server.
type ServerConfig struct {
	ListenAddr string
	DataDir    string
	LogLevel   string
	LogFormat  string
	LogFile    string
	// AuthTokens maps bearer tokens to "tenant:user" identities. The real
	// deployment fronts an auth service; this static map is the dev/test
	// resolver.
	AuthTokens string
}

// AgentConfig configures the fieldsync-agent device daemon.
type AgentConfig struct {
	ServerURL    string
	ListenAddr   string // local status endpoint
	DataDir      string
	AuthToken    string
	TenantID     string
	LogLevel     string
	LogFormat    string
	LogFile      string
	MaxRetries   int
	RetryDelay   time.Duration
	FlushTimeout time.Duration
	SyncInterval time.Duration
	ProbeURL     string
	ProbeEvery   time.Duration
}

// LoadServer reads server configuration, with .env support.
func LoadServer() *ServerConfig {
	_ = godotenv.Load()

	return &ServerConfig{
		ListenAddr: getEnv("FIELDSYNC_LISTEN_ADDR", ":8080"),
		DataDir:    getEnv("FIELDSYNC_DATA_DIR", "./data"),
		LogLevel:   getEnv("LOG_LEVEL", "INFO"),
		LogFormat:  getEnv("LOG_FORMAT", "TEXT"),
		LogFile:    getEnv("LOG_FILE", ""),
		AuthTokens: getEnv("FIELDSYNC_AUTH_TOKENS", ""),
	}
}

// LoadAgent reads agent configuration, with .env support.
func LoadAgent() *AgentConfig {
	_ = godotenv.Load()

	maxRetries := getEnvInt("SYNC_MAX_RETRIES", 3)
	if maxRetries > MaxMaxRetries {
		slog.Warn("SYNC_MAX_RETRIES exceeds safety limit. Clamping to maximum",
			"requested", maxRetries, "limit", MaxMaxRetries)
		maxRetries = MaxMaxRetries
	} else if maxRetries < MinMaxRetries {
		maxRetries = MinMaxRetries
	}

	serverURL := getEnv("FIELDSYNC_SERVER_URL", "http://localhost:8080")

	return &AgentConfig{
		ServerURL:    serverURL,
		ListenAddr:   getEnv("AGENT_LISTEN_ADDR", "localhost:8091"),
		DataDir:      getEnv("AGENT_DATA_DIR", "./data"),
		AuthToken:    getEnv("FIELDSYNC_AUTH_TOKEN", ""),
		TenantID:     getEnv("FIELDSYNC_TENANT_ID", ""),
		LogLevel:     getEnv("LOG_LEVEL", "INFO"),
		LogFormat:    getEnv("LOG_FORMAT", "TEXT"),
		LogFile:      getEnv("LOG_FILE", ""),
		MaxRetries:   maxRetries,
		RetryDelay:   getEnvDuration("SYNC_RETRY_DELAY", 5*time.Second),
		FlushTimeout: getEnvDuration("SYNC_FLUSH_TIMEOUT", 2*time.Minute),
		SyncInterval: getEnvDuration("SYNC_INTERVAL", 5*time.Minute),
		ProbeURL:     getEnv("NET_PROBE_URL", serverURL+"/healthz"),
		ProbeEvery:   getEnvDuration("NET_PROBE_INTERVAL", 15*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

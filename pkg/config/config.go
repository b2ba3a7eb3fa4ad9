// Package config provides environment-based configuration for shipmate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the control plane and its daemons.
type Config struct {
	// Database configuration
	DatabaseDSN string

	// Authentication
	JWTSecret    string
	JWTExpiry    time.Duration
	APIKeyHeader string

	// Server configuration
	APIHost string
	APIPort int

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Worker configuration
	Worker WorkerConfig

	// Agent configuration
	Agent AgentConfig

	// Proxy configuration
	Proxy ProxyConfig

	// Secrets holds the age keypair for secret encryption.
	Secrets SecretsConfig
}

// WorkerConfig holds deploy worker-specific configuration.
type WorkerConfig struct {
	// Concurrency is the number of deploy jobs processed in parallel.
	// Jobs for the same target never run concurrently regardless of this value.
	Concurrency int
	// PollInterval is how often idle workers poll the queue.
	PollInterval time.Duration
	// RunTimeout bounds a whole deploy run, connect to probe.
	RunTimeout time.Duration
	// StepTimeout bounds a single remote command.
	StepTimeout time.Duration
	// KnownHostsFile is the path used to verify target host keys.
	KnownHostsFile string
}

// AgentConfig holds host agent-specific configuration.
type AgentConfig struct {
	// SocketPath is the unix socket for the local control API.
	SocketPath string
	// UnitFile is the YAML service unit definition.
	UnitFile string
	// LogBufferLines is the size of the in-memory log ring buffer.
	LogBufferLines int
}

// ProxyConfig holds edge proxy-specific configuration.
type ProxyConfig struct {
	// Hostname is the public hostname served by the proxy.
	Hostname string
	// UpstreamAddr is the single backend address, loopback and fixed port.
	UpstreamAddr string
	// HTTPAddr and HTTPSAddr are the listen addresses.
	HTTPAddr  string
	HTTPSAddr string
	// CertCacheDir is the autocert certificate cache directory.
	CertCacheDir string
	// ACMEDirectoryURL overrides the CA directory, used for dry runs
	// against a staging endpoint.
	ACMEDirectoryURL string
}

// SecretsConfig holds the age keypair for secrets encryption.
type SecretsConfig struct {
	// AgePublicKey is the age recipient for encryption (control plane side).
	// Format: age1... (Bech32 encoded)
	AgePublicKey string
	// AgePrivateKey is the age identity for decryption (host side).
	// Format: AGE-SECRET-KEY-1... (Bech32 encoded)
	AgePrivateKey string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	return nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	return &Config{
		DatabaseDSN:     getEnv("DATABASE_URL", "postgres://localhost:5432/shipmate?sslmode=disable"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		JWTExpiry:       getDurationEnv("JWT_EXPIRY", 24*time.Hour),
		APIKeyHeader:    getEnv("API_KEY_HEADER", "X-API-Key"),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		APIPort:         getIntEnv("API_PORT", 8080),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		Worker: WorkerConfig{
			Concurrency:    getIntEnv("WORKER_CONCURRENCY", 4),
			PollInterval:   getDurationEnv("WORKER_POLL_INTERVAL", 2*time.Second),
			RunTimeout:     getDurationEnv("WORKER_RUN_TIMEOUT", 10*time.Minute),
			StepTimeout:    getDurationEnv("WORKER_STEP_TIMEOUT", 2*time.Minute),
			KnownHostsFile: getEnv("WORKER_KNOWN_HOSTS", defaultKnownHosts()),
		},
		Agent: AgentConfig{
			SocketPath:     getEnv("AGENT_SOCKET", "/run/shipmate/agent.sock"),
			UnitFile:       getEnv("AGENT_UNIT_FILE", "/etc/shipmate/unit.yaml"),
			LogBufferLines: getIntEnv("AGENT_LOG_BUFFER_LINES", 2000),
		},
		Proxy: ProxyConfig{
			Hostname:         getEnv("PROXY_HOSTNAME", ""),
			UpstreamAddr:     getEnv("PROXY_UPSTREAM", "127.0.0.1:5000"),
			HTTPAddr:         getEnv("PROXY_HTTP_ADDR", ":80"),
			HTTPSAddr:        getEnv("PROXY_HTTPS_ADDR", ":443"),
			CertCacheDir:     getEnv("PROXY_CERT_CACHE", "/var/lib/shipmate/certs"),
			ACMEDirectoryURL: getEnv("PROXY_ACME_DIRECTORY", ""),
		},
		Secrets: SecretsConfig{
			AgePublicKey:  getEnv("SECRETS_AGE_PUBLIC_KEY", ""),
			AgePrivateKey: getEnv("SECRETS_AGE_PRIVATE_KEY", ""),
		},
	}
}

func defaultKnownHosts() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/ssh/ssh_known_hosts"
	}
	return home + "/.ssh/known_hosts"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

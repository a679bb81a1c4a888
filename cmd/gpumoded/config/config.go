package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Version is set at build time with -ldflags "-X ...config.Version=...".
var Version = "dev"

type Config struct {
	RootDir           string
	SocketPath        string
	SocketMode        os.FileMode
	DisplayManager    string
	PowerPollInterval time.Duration
	SupersedeGrace    time.Duration
	QuirkSettle       time.Duration
	IsService         bool

	OtelEnabled           bool
	OtelEndpoint          string
	OtelServiceName       string
	OtelServiceInstanceID string
	OtelInsecure          bool
	Version               string
	Env                   string
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	cfg := &Config{
		RootDir:           getEnv("ROOT_DIR", "/"),
		SocketPath:        getEnv("SOCKET_PATH", ""),
		SocketMode:        os.FileMode(getEnvOctal("SOCKET_MODE", 0o666)),
		DisplayManager:    getEnv("DISPLAY_MANAGER", "display-manager.service"),
		PowerPollInterval: getEnvDuration("POWER_POLL_INTERVAL", time.Second),
		SupersedeGrace:    getEnvDuration("SUPERSEDE_GRACE", 2*time.Second),
		QuirkSettle:       getEnvDuration("QUIRK_SETTLE", 50*time.Millisecond),
		IsService:         getEnv("IS_SERVICE", "") == "1",

		OtelEnabled:           getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName:       getEnv("OTEL_SERVICE_NAME", "gpumoded"),
		OtelServiceInstanceID: getEnv("OTEL_SERVICE_INSTANCE_ID", hostname),
		OtelInsecure:          getEnvBool("OTEL_INSECURE", true),
		Version:               Version,
		Env:                   getEnv("ENV", "unset"),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvOctal(key string, defaultValue uint32) uint32 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseUint(value, 8, 32); err == nil {
			return uint32(v)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

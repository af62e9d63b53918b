package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/scanguard/gateway/internal/models"
)

type Config struct {
	// Server
	Port        string
	Environment string
	LogLevel    string
	LogFormat   string
	TrustProxy  bool

	// Auth
	APIKeys        []models.KeySeed
	AuthDisabled   bool
	AdminJWTSecret string

	// Payments
	PaymentsEnabled    bool
	X402Mode           string
	PayToAddress       string
	FacilitatorURL     string
	CDPAPIKeyID        string
	CDPAPIKeySecret    string
	ScanPriceUSD       float64
	FacilitatorTimeout time.Duration
	FacilitatorRPS     float64

	// Storage
	RedisURL string

	// Scanner
	ScannerURL     string
	ScannerTimeout time.Duration

	// Workers
	PaymentSweepInterval time.Duration
	WindowSweepInterval  time.Duration

	// Notifications
	DiscordBotToken  string
	DiscordChannelID string
}

func Load() (*Config, error) {
	// Try loading from current directory first, then parent.
	// Missing files are fine: env vars may be set directly (e.g. docker/k8s).
	_ = godotenv.Load()
	_ = godotenv.Load("../.env")

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "production"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "console"),
		TrustProxy:  getBoolEnv("TRUST_PROXY", false),

		AuthDisabled:   getBoolEnv("AUTH_DISABLED", false),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		PaymentsEnabled:    getBoolEnv("PAYMENTS_ENABLED", true),
		X402Mode:           strings.ToLower(getEnv("X402_MODE", "testnet")),
		PayToAddress:       getEnv("PAY_TO_ADDRESS", "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"),
		FacilitatorURL:     getEnv("FACILITATOR_URL", ""),
		CDPAPIKeyID:        getEnv("CDP_API_KEY_ID", ""),
		CDPAPIKeySecret:    getEnv("CDP_API_KEY_SECRET", ""),
		ScanPriceUSD:       getFloatEnv("SCAN_PRICE_USD", 0.01),
		FacilitatorTimeout: getDurationEnv("FACILITATOR_TIMEOUT", 10*time.Second),
		FacilitatorRPS:     getFloatEnv("FACILITATOR_RPS", 5),

		RedisURL: getEnv("REDIS_URL", ""),

		ScannerURL:     getEnv("SCANNER_URL", ""),
		ScannerTimeout: getDurationEnv("SCANNER_TIMEOUT", 60*time.Second),

		PaymentSweepInterval: getDurationEnv("PAYMENT_SWEEP_INTERVAL", time.Hour),
		WindowSweepInterval:  getDurationEnv("WINDOW_SWEEP_INTERVAL", 5*time.Minute),

		DiscordBotToken:  getEnv("DISCORD_BOT_TOKEN", ""),
		DiscordChannelID: getEnv("DISCORD_CHANNEL_ID", ""),
	}

	keys, err := ParseAPIKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return nil, err
	}
	cfg.APIKeys = keys

	if cfg.X402Mode != "testnet" && cfg.X402Mode != "production" {
		return nil, fmt.Errorf("X402_MODE must be \"testnet\" or \"production\", got %q", cfg.X402Mode)
	}
	// PAYMENTS_ENABLED=false is a local development switch only.
	if !cfg.PaymentsEnabled && cfg.X402Mode == "production" {
		return nil, fmt.Errorf("PAYMENTS_ENABLED=false is not allowed with X402_MODE=production")
	}

	return cfg, nil
}

// IsDevelopment reports whether development conveniences (such as the demo
// key) may be enabled. Production payment mode always disables them.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" && c.X402Mode != "production"
}

// ParseAPIKeys parses comma-separated "key:name:tier" entries.
func ParseAPIKeys(s string) ([]models.KeySeed, error) {
	var seeds []models.KeySeed
	for _, entry := range splitAndTrim(s, ",") {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("API_KEYS entry %q must be key:name:tier", redact(entry))
		}

		key, name := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if len(key) < 32 {
			return nil, fmt.Errorf("API_KEYS entry %q: key must be at least 32 characters", redact(entry))
		}
		tier, err := models.ParseTier(parts[2])
		if err != nil {
			return nil, fmt.Errorf("API_KEYS entry %q: %w", redact(entry), err)
		}
		seeds = append(seeds, models.KeySeed{Key: key, Name: name, Tier: tier})
	}
	return seeds, nil
}

func redact(entry string) string {
	if len(entry) <= 8 {
		return "****"
	}
	return entry[:8] + "..."
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

func splitAndTrim(s, sep string) []string {
	var result []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

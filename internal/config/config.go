// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Product catalog
	ProductsPath string // JSON catalog file (optional, built-in defaults if not set)

	// Lightning node (Core Lightning REST interface)
	LNRestURL     string // e.g. "https://ln.example.com:3010" (optional, fake node if not set)
	LNRune        string // rune authorizing invoice/listinvoices calls
	LNNodeID      string // node pubkey handed to paying clients
	LNNodeAddress string // host:port handed to paying clients
	LNClientRune  string // restricted rune handed to paying clients

	// App Store verification
	IAPRootCADir      string // directory with Apple root certificates
	IAPBundleID       string
	IAPEnvironment    string // "Sandbox" or "Production"
	IAPIssuerID       string
	IAPKeyID          string
	IAPPrivateKeyPath string // App Store Connect API key (.p8)

	// Test-only switch: substitutes receipt verification with a fixed
	// one-year entitlement. Refused outside development/staging.
	MockVerifyReceipt bool

	// Auth
	GatewaySecret string // shared secret for the auth gateway signature scheme

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort           = "8989"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultIAPRootCADir   = "./apple-root-ca"
	DefaultIAPEnvironment = "Production"
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		ProductsPath:      os.Getenv("PRODUCTS_PATH"),
		LNRestURL:         os.Getenv("LN_REST_URL"),
		LNRune:            os.Getenv("LN_RUNE"),
		LNNodeID:          os.Getenv("LN_NODE_ID"),
		LNNodeAddress:     os.Getenv("LN_NODE_ADDRESS"),
		LNClientRune:      os.Getenv("LN_CLIENT_RUNE"),
		IAPRootCADir:      getEnv("IAP_ROOT_CA_DIR", DefaultIAPRootCADir),
		IAPBundleID:       os.Getenv("IAP_BUNDLE_ID"),
		IAPEnvironment:    getEnv("IAP_ENVIRONMENT", DefaultIAPEnvironment),
		IAPIssuerID:       os.Getenv("IAP_ISSUER_ID"),
		IAPKeyID:          os.Getenv("IAP_KEY_ID"),
		IAPPrivateKeyPath: os.Getenv("IAP_PRIVATE_KEY_PATH"),
		MockVerifyReceipt: getEnvBool("MOCK_VERIFY_RECEIPT", false),
		GatewaySecret:     os.Getenv("AUTH_GATEWAY_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.IAPEnvironment != "Sandbox" && c.IAPEnvironment != "Production" {
		return fmt.Errorf("IAP_ENVIRONMENT must be Sandbox or Production, got %q", c.IAPEnvironment)
	}

	if c.MockVerifyReceipt && c.IsProduction() {
		return fmt.Errorf("MOCK_VERIFY_RECEIPT must not be enabled in production")
	}

	if c.LNRestURL != "" && c.LNRune == "" {
		return fmt.Errorf("LN_RUNE is required when LN_REST_URL is set")
	}

	if c.IsProduction() && c.GatewaySecret == "" {
		return fmt.Errorf("AUTH_GATEWAY_SECRET is required in production")
	}

	return nil
}

// IAPConfigured reports whether the App Store Server API credentials are present.
func (c *Config) IAPConfigured() bool {
	return c.IAPIssuerID != "" && c.IAPKeyID != "" && c.IAPPrivateKeyPath != "" && c.IAPBundleID != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
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

package core

import (
	"os"
	"strings"
)

// Config holds the application configuration
type Config struct {
	// Environment (development, production)
	Environment string

	// Server listening address
	ListenAddr string

	// Base URL for constructing absolute URLs. The SAML entry points refuse
	// to operate unless this uses https.
	BaseURL string

	// Directory holding the sqlite database
	DataDir string

	// Token required for the settings REST endpoint
	AdminToken string

	// Secret used to sign session cookies
	SessionSecret string

	// CORS allowed origins
	CORSOrigins []string

	// Enable debug logging
	Debug bool
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() *Config {
	cfg := &Config{
		Environment:   getEnv("EIDLOGIN_ENV", "development"),
		ListenAddr:    getEnv("EIDLOGIN_LISTEN_ADDR", ":8080"),
		BaseURL:       getEnv("EIDLOGIN_BASE_URL", "http://localhost:8080"),
		DataDir:       getEnv("EIDLOGIN_DATA_DIR", "./data"),
		AdminToken:    getEnv("EIDLOGIN_ADMIN_TOKEN", ""),
		SessionSecret: getEnv("EIDLOGIN_SESSION_SECRET", ""),
		CORSOrigins:   getEnvList("EIDLOGIN_CORS_ORIGINS", []string{"http://localhost:3000"}),
		Debug:         getEnvBool("EIDLOGIN_DEBUG", false),
	}

	return cfg
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// LoginURL returns the application login page, optionally carrying a
// post-login redirect target.
func (c *Config) LoginURL() string {
	return c.BaseURL + "/login"
}

// ProfileURL returns the user profile page where eID connections are managed.
func (c *Config) ProfileURL() string {
	return c.BaseURL + "/profile"
}

// DashboardURL returns the landing page after a successful login.
func (c *Config) DashboardURL() string {
	return c.BaseURL + "/"
}

// AdminMailAddresses returns the administrator notification recipients.
func AdminMailAddresses() []string {
	return getEnvList("EIDLOGIN_ADMIN_MAILS", nil)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.ToLower(value) == "true" || value == "1"
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.Split(value, ",")
}

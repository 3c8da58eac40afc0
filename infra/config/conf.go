package config

import (
	"os"
	"strconv"
)

// AppConfig represents the application configuration
type AppConfig struct {
	Port             string
	BaseURL          string
	DBPath           string
	OpenSearchURL    string
	OpenSearchUser   string
	OpenSearchPass   string
	EnableLogging    bool
	GatewayWhitelist string
}

var appConfigInstance *AppConfig

// GetAppConfig returns the application configuration
func GetAppConfig() *AppConfig {
	if appConfigInstance == nil {
		appConfigInstance = &AppConfig{
			Port:             GetEnv("APP_PORT", "9999"),
			BaseURL:          GetEnv("APP_URL", "http://localhost:9999"),
			DBPath:           GetEnv("BILLING_DB_PATH", "data/billing.db"),
			OpenSearchURL:    GetEnv("OPENSEARCH_URL", "http://localhost:9200"),
			OpenSearchUser:   GetEnv("OPENSEARCH_USER", ""),
			OpenSearchPass:   GetEnv("OPENSEARCH_PASSWORD", ""),
			EnableLogging:    GetBoolEnv("ENABLE_OPENSEARCH_LOGGING", false),
			GatewayWhitelist: GetEnv("GATEWAY_IP_WHITELIST", ""),
		}
	}
	return appConfigInstance
}

// GatewayConf returns the FreeKassa credential map consumed by the provider
// constructor. Key validation happens there so a missing credential fails at
// startup, not per request.
func GatewayConf() map[string]string {
	return map[string]string{
		"merchantId":  GetEnv("FREEKASSA_MERCHANT_ID", ""),
		"secretWord":  GetEnv("FREEKASSA_SECRET_WORD", ""),
		"secretWord2": GetEnv("FREEKASSA_SECRET_WORD2", ""),
		"apiKey":      GetEnv("FREEKASSA_API_KEY", ""),
		"currency":    GetEnv("FREEKASSA_CURRENCY", "USD"),
	}
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetBoolEnv returns the boolean value of an environment variable or a default value
func GetBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetIntEnv returns the integer value of an environment variable or a default value
func GetIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

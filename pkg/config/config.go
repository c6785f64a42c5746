package config

import (
	"os"
	"strconv"

	"github.com/denisbrodbeck/machineid"
	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the reconciliation core.
type Config struct {
	Port string

	// Account whose orders and cycles this engine reconciles.
	Account string

	// Database
	DBPath string

	// Reconciler tuning file (periods, thresholds, repair window).
	ReconcilerConfigPath string

	// Venue session
	DryRun         bool
	VenueRateLimit float64 // venue calls per second
	VenueBurst     int

	// Auth
	JWTSecret string

	// InstanceID identifies this engine instance on emitted events so that
	// two engines pointed at the same ledger can be told apart.
	InstanceID string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                 getEnv("PORT", "8081"),
		Account:              getEnv("ACCOUNT_ID", "default"),
		DBPath:               getEnv("DB_PATH", "./data/ledger.db"),
		ReconcilerConfigPath: getEnv("RECONCILER_CONFIG", "reconciler.yaml"),
		DryRun:               getEnv("DRY_RUN", "false") == "true",
		VenueRateLimit:       getEnvFloat("VENUE_RATE_LIMIT", 20),
		VenueBurst:           getEnvInt("VENUE_BURST", 40),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		InstanceID:           instanceID(),
	}, nil
}

// instanceID derives a stable per-machine identifier, falling back to the
// hostname when the machine id is unavailable (e.g. in containers).
func instanceID() string {
	if id, err := machineid.ProtectedID("recon-core"); err == nil && len(id) >= 16 {
		return id[:16]
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

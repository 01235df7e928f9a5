// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/bizpartner/internal/domain"
	"github.com/ashureev/bizpartner/internal/store"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	AllowedOrigins []string
	LogLevel       slog.Level

	Store StoreConfig

	TurnTimeout       time.Duration
	SpecialistTimeout time.Duration
	MaxSpecialistHops int

	EffectsWorkers   int
	EffectsQueueSize int

	Instructions InstructionsConfig
	Gemini       GeminiConfig
	Remote       RemoteConfig

	RateLimitRPS   float64
	RateLimitBurst int

	Transcript   TranscriptConfig
	PersonasFile string
}

// StoreConfig selects the session store.
type StoreConfig struct {
	Mode     string
	Path     string
	Fallback string
}

// InstructionsConfig controls where specialist instructions come from.
// URL wins over Dir; with neither set the built-in defaults are used.
type InstructionsConfig struct {
	TTL       time.Duration
	Dir       string
	URL       string
	PublicKey string
	SecretKey string
}

// GeminiConfig configures the generation service. An empty APIKey runs
// the deterministic offline generator.
type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// RemoteConfig points one specialist role at a remote host.
type RemoteConfig struct {
	Addr string
	Role domain.Role
}

// TranscriptConfig controls NDJSON conversation transcripts.
type TranscriptConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		LogLevel:       getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Store: StoreConfig{
			Mode:     getEnv("STORE_MODE", store.ModeSQLite),
			Path:     getEnv("DB_PATH", "./data/bizpartner.db"),
			Fallback: getEnv("STORE_FALLBACK", store.FallbackFail),
		},
		TurnTimeout:       getEnvDuration("TURN_TIMEOUT", 2*time.Minute),
		SpecialistTimeout: getEnvDuration("SPECIALIST_TIMEOUT", 45*time.Second),
		MaxSpecialistHops: getEnvInt("MAX_SPECIALIST_HOPS", 1),
		EffectsWorkers:    getEnvInt("EFFECTS_WORKERS", 4),
		EffectsQueueSize:  getEnvInt("EFFECTS_QUEUE_SIZE", 1000),
		Instructions: InstructionsConfig{
			TTL:       getEnvDuration("INSTRUCTIONS_TTL", time.Minute),
			Dir:       getEnv("INSTRUCTIONS_DIR", ""),
			URL:       getEnv("INSTRUCTIONS_URL", ""),
			PublicKey: getEnv("INSTRUCTIONS_PUBLIC_KEY", ""),
			SecretKey: getEnv("INSTRUCTIONS_SECRET_KEY", ""),
		},
		Gemini: GeminiConfig{
			APIKey:  getEnv("GEMINI_API_KEY", ""),
			Model:   getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
			Timeout: getEnvDuration("GEMINI_TIMEOUT", 30*time.Second),
		},
		Remote: RemoteConfig{
			Addr: getEnv("REMOTE_SPECIALIST_ADDR", ""),
			Role: domain.Role(getEnv("REMOTE_SPECIALIST_ROLE", string(domain.RoleRiskOffer))),
		},
		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 1),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 5),
		Transcript: TranscriptConfig{
			Enabled:       getEnvBool("TRANSCRIPT_ENABLED", true),
			Dir:           getEnv("TRANSCRIPT_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("TRANSCRIPT_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("TRANSCRIPT_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
		},
		PersonasFile: getEnv("PERSONAS_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Store.Mode {
	case store.ModeSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case store.ModeMemory:
	default:
		return fmt.Errorf("STORE_MODE must be %q or %q", store.ModeSQLite, store.ModeMemory)
	}
	if c.Store.Fallback != store.FallbackFail && c.Store.Fallback != store.FallbackMemory {
		return fmt.Errorf("STORE_FALLBACK must be %q or %q", store.FallbackFail, store.FallbackMemory)
	}
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("TURN_TIMEOUT must be > 0")
	}
	if c.SpecialistTimeout <= 0 {
		return fmt.Errorf("SPECIALIST_TIMEOUT must be > 0")
	}
	if c.MaxSpecialistHops < 0 {
		return fmt.Errorf("MAX_SPECIALIST_HOPS must be >= 0")
	}
	if c.EffectsWorkers <= 0 {
		return fmt.Errorf("EFFECTS_WORKERS must be > 0")
	}
	if c.EffectsQueueSize <= 0 {
		return fmt.Errorf("EFFECTS_QUEUE_SIZE must be > 0")
	}
	if c.Instructions.URL != "" && (c.Instructions.PublicKey == "" || c.Instructions.SecretKey == "") {
		return fmt.Errorf("INSTRUCTIONS_URL requires INSTRUCTIONS_PUBLIC_KEY and INSTRUCTIONS_SECRET_KEY")
	}
	if c.Remote.Addr != "" && !c.Remote.Role.Routable() {
		return fmt.Errorf("REMOTE_SPECIALIST_ROLE %q is not a routable specialist", c.Remote.Role)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty")
	}
	if c.Transcript.GlobalEnabled && c.Transcript.GlobalPath == "" {
		return fmt.Errorf("TRANSCRIPT_GLOBAL_PATH cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or whole seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}

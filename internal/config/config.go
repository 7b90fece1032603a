package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultPrompt       = "You are a courteous assistant calling on behalf of the account team. Keep answers short and confirm next steps before ending the call."
	DefaultFirstMessage = "Hi, this is an automated assistant calling about your account. Do you have a moment?"
)

// Config contains all runtime settings for the call bridge.
type Config struct {
	BindAddr         string
	PublicBaseURL    string
	ShutdownTimeout  time.Duration
	RelayIdleTimeout time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	ElevenLabsAPIKey         string
	ElevenLabsAgentID        string
	ElevenLabsAPIBaseURL     string
	ElevenLabsDefaultVoiceID string
	SignedURLTimeout         time.Duration
	SignedURLMaxAttempts     int

	DefaultPrompt       string
	DefaultFirstMessage string

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string

	// OutboundAllowedPrefixes restricts outbound destinations; empty allows any.
	OutboundAllowedPrefixes []string

	DatabaseURL string
}

// MissingError lists required settings that were not provided.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return "missing required configuration: " + strings.Join(e.Keys, ", ")
}

// LoadDotEnv reads a .env file when one exists. Variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// Load reads environment variables, applies defaults, and validates eagerly.
func Load() (Config, error) {
	cfg := Config{
		PublicBaseURL:            strings.TrimRight(stringsTrimSpace("PUBLIC_BASE_URL"), "/"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "callbridge"),
		LogLevel:                 envOrDefault("LOG_LEVEL", "info"),
		LogFormat:                envOrDefault("LOG_FORMAT", "json"),
		ElevenLabsAPIKey:         stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsAgentID:        stringsTrimSpace("ELEVENLABS_AGENT_ID"),
		ElevenLabsAPIBaseURL:     envOrDefault("ELEVENLABS_API_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsDefaultVoiceID: stringsTrimSpace("ELEVENLABS_DEFAULT_VOICE_ID"),
		DefaultPrompt:            envOrDefault("AGENT_DEFAULT_PROMPT", DefaultPrompt),
		DefaultFirstMessage:      envOrDefault("AGENT_DEFAULT_FIRST_MESSAGE", DefaultFirstMessage),
		TwilioAccountSID:         stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:          stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioPhoneNumber:        stringsTrimSpace("TWILIO_PHONE_NUMBER"),
		OutboundAllowedPrefixes:  listFromEnv("OUTBOUND_ALLOWED_PREFIXES"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		RelayIdleTimeout:         5 * time.Minute,
		SignedURLTimeout:         10 * time.Second,
		SignedURLMaxAttempts:     3,
	}

	var missing []string
	for _, req := range []struct {
		key string
		val string
	}{
		{"ELEVENLABS_API_KEY", cfg.ElevenLabsAPIKey},
		{"ELEVENLABS_AGENT_ID", cfg.ElevenLabsAgentID},
		{"TWILIO_ACCOUNT_SID", cfg.TwilioAccountSID},
		{"TWILIO_AUTH_TOKEN", cfg.TwilioAuthToken},
		{"TWILIO_PHONE_NUMBER", cfg.TwilioPhoneNumber},
	} {
		if req.val == "" {
			missing = append(missing, req.key)
		}
	}
	if len(missing) > 0 {
		return Config{}, &MissingError{Keys: missing}
	}

	port, err := intFromEnv("PORT", 8000)
	if err != nil {
		return Config{}, err
	}
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("PORT must be in [1,65535]")
	}
	cfg.BindAddr = ":" + strconv.Itoa(port)

	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayIdleTimeout, err = durationFromEnv("RELAY_IDLE_TIMEOUT", cfg.RelayIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SignedURLTimeout, err = durationFromEnv("SIGNED_URL_TIMEOUT", cfg.SignedURLTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SignedURLMaxAttempts, err = intFromEnv("SIGNED_URL_MAX_ATTEMPTS", cfg.SignedURLMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.RelayIdleTimeout < 0 || (cfg.RelayIdleTimeout > 0 && cfg.RelayIdleTimeout < 5*time.Second) {
		return Config{}, fmt.Errorf("RELAY_IDLE_TIMEOUT must be 0 (disabled) or at least 5s")
	}
	if cfg.SignedURLTimeout <= 0 {
		return Config{}, fmt.Errorf("SIGNED_URL_TIMEOUT must be positive")
	}
	if cfg.SignedURLMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("SIGNED_URL_MAX_ATTEMPTS must be positive")
	}
	for _, prefix := range cfg.OutboundAllowedPrefixes {
		if !strings.HasPrefix(prefix, "+") {
			return Config{}, fmt.Errorf("OUTBOUND_ALLOWED_PREFIXES entries must start with '+': %q", prefix)
		}
	}
	if cfg.PublicBaseURL != "" && !strings.HasPrefix(cfg.PublicBaseURL, "http://") && !strings.HasPrefix(cfg.PublicBaseURL, "https://") {
		return Config{}, fmt.Errorf("PUBLIC_BASE_URL must start with http:// or https://")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Config holds the agentline daemon configuration
type Config struct {
	// HTTP API
	APIAddr  string
	LogLevel string

	// Session backend
	BackendURL   string
	AllocatePath string
	FinalizePath string
	TenantID     string // sent as schema_name
	ProviderHint string // default provider when the catalog has none

	// Timeouts
	AllocateTimeout time.Duration
	ConnectTimeout  time.Duration
	FinalizeTimeout time.Duration

	// Agent catalog (YAML), optional
	AgentsPath string

	// Audio plumbing. AudioOut receives decoded remote audio, MicIn is a raw
	// 8kHz mono PCM16 stream used as the capture device. Empty means discard
	// and silence respectively.
	AudioOut string
	MicIn    string

	// NATSURL enables publishing call lifecycle events to NATS.
	NATSURL string

	// CallOnStart starts a call to this agent as soon as the daemon is up.
	CallOnStart string

	EnvFile string
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	return &Config{
		APIAddr:         ":8080",
		LogLevel:        "info",
		AllocatePath:    "/api/create-room/",
		FinalizePath:    "/api/end-call-session-thunder/",
		ProviderHint:    "thunderemotionlite",
		AllocateTimeout: 15 * time.Second,
		ConnectTimeout:  15 * time.Second,
		FinalizeTimeout: 10 * time.Second,
		EnvFile:         ".env",
	}
}

// Load loads configuration from command line flags, an optional .env file
// and environment variables, in that order of precedence (last wins).
func Load(args []string) (*Config, error) {
	cfg := Defaults()

	flags := pflag.NewFlagSet("agentline", pflag.ContinueOnError)
	flags.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "HTTP API listen address")
	flags.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.StringVar(&cfg.BackendURL, "backend-url", cfg.BackendURL, "Session backend base URL")
	flags.StringVar(&cfg.AllocatePath, "allocate-path", cfg.AllocatePath, "Session allocation endpoint path")
	flags.StringVar(&cfg.FinalizePath, "finalize-path", cfg.FinalizePath, "Session finalize endpoint path")
	flags.StringVar(&cfg.TenantID, "tenant", cfg.TenantID, "Tenant identifier sent to the backend")
	flags.StringVar(&cfg.ProviderHint, "provider", cfg.ProviderHint, "Default voice provider hint")
	flags.DurationVar(&cfg.AllocateTimeout, "allocate-timeout", cfg.AllocateTimeout, "Timeout for session allocation")
	flags.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "Timeout for joining the media room")
	flags.DurationVar(&cfg.FinalizeTimeout, "finalize-timeout", cfg.FinalizeTimeout, "Timeout for session finalize")
	flags.StringVar(&cfg.AgentsPath, "agents", cfg.AgentsPath, "Path to the agent catalog (YAML)")
	flags.StringVar(&cfg.AudioOut, "audio-out", cfg.AudioOut, "File receiving decoded remote audio (PCM16)")
	flags.StringVar(&cfg.MicIn, "mic-in", cfg.MicIn, "Raw 8kHz mono PCM16 file used as the microphone")
	flags.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS URL for call lifecycle events (empty disables)")
	flags.StringVar(&cfg.CallOnStart, "call", cfg.CallOnStart, "Agent code to call on startup")
	flags.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "Optional .env file")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", cfg.EnvFile, err)
		}
	}

	envString("API_ADDR", &cfg.APIAddr)
	envString("LOGLEVEL", &cfg.LogLevel)
	envString("BACKEND_URL", &cfg.BackendURL)
	envString("ALLOCATE_PATH", &cfg.AllocatePath)
	envString("FINALIZE_PATH", &cfg.FinalizePath)
	envString("TENANT_ID", &cfg.TenantID)
	envString("PROVIDER_HINT", &cfg.ProviderHint)
	envString("AGENTS_PATH", &cfg.AgentsPath)
	envString("AUDIO_OUT", &cfg.AudioOut)
	envString("MIC_IN", &cfg.MicIn)
	envString("NATS_URL", &cfg.NATSURL)
	if err := envDuration("ALLOCATE_TIMEOUT", &cfg.AllocateTimeout); err != nil {
		return nil, err
	}
	if err := envDuration("CONNECT_TIMEOUT", &cfg.ConnectTimeout); err != nil {
		return nil, err
	}
	if err := envDuration("FINALIZE_TIMEOUT", &cfg.FinalizeTimeout); err != nil {
		return nil, err
	}

	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")
	return cfg, nil
}

// Validate checks that the configuration can run a daemon.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return errors.New("backend URL is required (--backend-url or BACKEND_URL)")
	}
	if c.AllocateTimeout <= 0 || c.ConnectTimeout <= 0 || c.FinalizeTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

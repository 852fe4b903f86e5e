package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/mailtm-drain/credential"
)

const (
	EnvPrefix = "MAILTM"

	ModeShared      = "shared"
	ModeIndependent = "independent"
)

// Config captures every option required to drain one mailbox.
type Config struct {
	BaseURL               string
	Address               string
	Password              string
	UseKeyring            bool
	Workers               int
	MaxConcurrentRequests int
	RateLimitDelay        time.Duration
	MaxRetries            int
	RequestTimeout        time.Duration
	Mode                  string
	ArchivePath           string
	PersistState          bool
	DryRun                bool
	LogLevel              string
	LogFile               string
	LogStdout             bool
	Progress              bool
}

// openKeyring is swapped in tests.
var openKeyring = credential.Open

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("config", "", "Optional config file (yaml, json or toml)")
	flags.String("env-file", ".env", "Optional dotenv file loaded before reading MAILTM_* variables")
	flags.String("base-url", "https://api.mail.tm", "mail.tm API base URL")
	flags.String("address", "", "Account address to drain (MAILTM_ADDRESS)")
	flags.String("password", "", "Account password (falls back to MAILTM_PASSWORD, then the keyring)")
	flags.Bool("keyring", false, "Read the password from the system keyring when not given otherwise")
	flags.Int("workers", 25, "Number of worker goroutines")
	flags.Int("max-concurrent-requests", 25, "Maximum number of HTTP requests in flight")
	flags.Duration("rate-limit-delay", 5*time.Second, "Wait before re-issuing a rate-limited request")
	flags.Int("max-retries", 0, "Retries per request on HTTP 429 (0 retries forever)")
	flags.Duration("request-timeout", 30*time.Second, "Timeout for a single HTTP request")
	flags.String("mode", ModeShared, "Dispatch mode: shared (list once, each message handled once) or independent (every worker lists the whole inbox)")
	flags.String("archive", "messages.json", "JSON archive the messages are appended to")
	flags.Bool("persist-state", true, "Keep a ledger of archived ids next to the archive so reruns never archive twice")
	flags.Bool("dry-run", false, "List and count messages without archiving or deleting")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-file", "mailtm_api.log", "Append-only log file (empty logs to stdout)")
	flags.Bool("log-stdout", false, "Also write log records to stdout")
	flags.Bool("progress", true, "Show a progress bar")

	return nil
}

// LoadConfig layers flags, MAILTM_* environment variables (optionally read
// from a dotenv file), an optional config file and the keyring into a Config.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	envFile, err := flags.GetString("env-file")
	if err != nil {
		return Config{}, err
	}
	if err := loadEnvFile(envFile, flags.Changed("env-file")); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	logLevel := strings.ToLower(v.GetString("log-level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		BaseURL:               strings.TrimRight(v.GetString("base-url"), "/"),
		Address:               strings.TrimSpace(v.GetString("address")),
		Password:              v.GetString("password"),
		UseKeyring:            v.GetBool("keyring"),
		Workers:               v.GetInt("workers"),
		MaxConcurrentRequests: v.GetInt("max-concurrent-requests"),
		RateLimitDelay:        v.GetDuration("rate-limit-delay"),
		MaxRetries:            v.GetInt("max-retries"),
		RequestTimeout:        v.GetDuration("request-timeout"),
		Mode:                  strings.ToLower(v.GetString("mode")),
		ArchivePath:           strings.TrimSpace(v.GetString("archive")),
		PersistState:          v.GetBool("persist-state"),
		DryRun:                v.GetBool("dry-run"),
		LogLevel:              logLevel,
		LogFile:               v.GetString("log-file"),
		LogStdout:             v.GetBool("log-stdout"),
		Progress:              v.GetBool("progress"),
	}

	if cfg.Password == "" && cfg.UseKeyring && cfg.Address != "" {
		password, err := passwordFromKeyring(cfg.Address)
		if err != nil {
			return Config{}, err
		}
		cfg.Password = password
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadEnvFile(path string, explicit bool) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func passwordFromKeyring(address string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}
	return credential.Get(ring, address)
}

// OpenKeyring exposes the keyring used for password lookups.
func OpenKeyring() (keyring.Keyring, error) {
	return openKeyring()
}

func validateConfig(cfg Config) error {
	if cfg.Address == "" {
		return fmt.Errorf("--address is required")
	}
	if cfg.Password == "" {
		return fmt.Errorf("password must be provided via --password, %s_PASSWORD or --keyring", EnvPrefix)
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid --base-url: %q", cfg.BaseURL)
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}
	if cfg.MaxConcurrentRequests < 1 {
		return fmt.Errorf("--max-concurrent-requests must be at least 1")
	}
	if cfg.RateLimitDelay <= 0 {
		return fmt.Errorf("--rate-limit-delay must be positive")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("--max-retries must not be negative")
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("--request-timeout must be positive")
	}
	if strings.TrimSpace(cfg.ArchivePath) == "" {
		return fmt.Errorf("--archive is required")
	}

	switch cfg.Mode {
	case ModeShared, ModeIndependent:
	default:
		return fmt.Errorf("invalid --mode: %s", cfg.Mode)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

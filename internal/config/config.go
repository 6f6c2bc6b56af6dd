package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile           = "CRAB_RELAY_CONFIG_FILE"
	defaultConfigFileName   = "config.yaml"
	alternateConfigFileName = "config.yml"
)

const (
	defaultHTTPAddr         = ":8080"
	defaultDBDriver         = "sqlite"
	defaultDBDSN            = "relay.db"
	defaultRelayID          = "relay-core"
	defaultLeaseTTL         = 30 * time.Second
	defaultMessageDeadline  = 2 * time.Minute
	defaultIdleTimeout      = 5 * time.Minute
	defaultSweepInterval    = 30 * time.Second
	defaultRetryMaxAttempts = 3
	defaultRetryBaseBackoff = 250 * time.Millisecond
	defaultRetryMaxBackoff  = 5 * time.Second
)

type Config struct {
	HTTPAddr string
	DBDriver string
	DBDSN    string
	RelayID  string

	LeaseTTL        time.Duration
	MessageDeadline time.Duration
	IdleTimeout     time.Duration
	SweepInterval   time.Duration

	// StreamTicket, when set, is required on every stream and ingest attach.
	StreamTicket string

	// ActorBaseURL is the default actor endpoint prompts are dispatched to.
	ActorBaseURL string

	RetryMaxAttempts int
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration

	WebhookURLs []string
}

type fileConfig struct {
	HTTPAddr         string   `yaml:"http_addr"`
	DBDriver         string   `yaml:"db_driver"`
	DBDSN            string   `yaml:"db_dsn"`
	RelayID          string   `yaml:"relay_id"`
	LeaseTTL         string   `yaml:"lease_ttl"`
	MessageDeadline  string   `yaml:"message_deadline"`
	IdleTimeout      string   `yaml:"idle_timeout"`
	SweepInterval    string   `yaml:"sweep_interval"`
	StreamTicket     string   `yaml:"stream_ticket"`
	ActorBaseURL     string   `yaml:"actor_base_url"`
	RetryMaxAttempts *int     `yaml:"retry_max_attempts"`
	RetryBaseBackoff string   `yaml:"retry_base_backoff"`
	RetryMaxBackoff  string   `yaml:"retry_max_backoff"`
	WebhookURLs      []string `yaml:"webhook_urls"`
}

// Load resolves configuration in three layers: built-in defaults, then the
// YAML config file when one exists, then CRAB_RELAY_* environment variables.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:         defaultHTTPAddr,
		DBDriver:         defaultDBDriver,
		DBDSN:            defaultDBDSN,
		RelayID:          defaultRelayID,
		LeaseTTL:         defaultLeaseTTL,
		MessageDeadline:  defaultMessageDeadline,
		IdleTimeout:      defaultIdleTimeout,
		SweepInterval:    defaultSweepInterval,
		RetryMaxAttempts: defaultRetryMaxAttempts,
		RetryBaseBackoff: defaultRetryBaseBackoff,
		RetryMaxBackoff:  defaultRetryMaxBackoff,
	}

	fileCfg, err := loadFileConfig()
	if err != nil {
		return Config{}, err
	}
	if err := applyFileConfig(&cfg, fileCfg); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)

	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	return cfg, nil
}

func applyFileConfig(cfg *Config, file fileConfig) error {
	setString(&cfg.HTTPAddr, file.HTTPAddr)
	setString(&cfg.DBDriver, file.DBDriver)
	setString(&cfg.DBDSN, file.DBDSN)
	setString(&cfg.RelayID, file.RelayID)
	setString(&cfg.StreamTicket, file.StreamTicket)
	setString(&cfg.ActorBaseURL, file.ActorBaseURL)
	if file.RetryMaxAttempts != nil {
		cfg.RetryMaxAttempts = *file.RetryMaxAttempts
	}
	if len(file.WebhookURLs) > 0 {
		cfg.WebhookURLs = file.WebhookURLs
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"lease_ttl", file.LeaseTTL, &cfg.LeaseTTL},
		{"message_deadline", file.MessageDeadline, &cfg.MessageDeadline},
		{"idle_timeout", file.IdleTimeout, &cfg.IdleTimeout},
		{"sweep_interval", file.SweepInterval, &cfg.SweepInterval},
		{"retry_base_backoff", file.RetryBaseBackoff, &cfg.RetryBaseBackoff},
		{"retry_max_backoff", file.RetryMaxBackoff, &cfg.RetryMaxBackoff},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("config file field %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.HTTPAddr, os.Getenv("CRAB_RELAY_HTTP_ADDR"))
	setString(&cfg.DBDriver, os.Getenv("CRAB_RELAY_DB_DRIVER"))
	setString(&cfg.DBDSN, os.Getenv("CRAB_RELAY_DB_DSN"))
	setString(&cfg.RelayID, os.Getenv("CRAB_RELAY_ID"))
	setString(&cfg.StreamTicket, os.Getenv("CRAB_RELAY_STREAM_TICKET"))
	setString(&cfg.ActorBaseURL, os.Getenv("CRAB_RELAY_ACTOR_BASE_URL"))

	setDurationEnv(&cfg.LeaseTTL, "CRAB_RELAY_LEASE_TTL")
	setDurationEnv(&cfg.MessageDeadline, "CRAB_RELAY_MESSAGE_DEADLINE")
	setDurationEnv(&cfg.IdleTimeout, "CRAB_RELAY_IDLE_TIMEOUT")
	setDurationEnv(&cfg.SweepInterval, "CRAB_RELAY_SWEEP_INTERVAL")
	setDurationEnv(&cfg.RetryBaseBackoff, "CRAB_RELAY_RETRY_BASE_BACKOFF")
	setDurationEnv(&cfg.RetryMaxBackoff, "CRAB_RELAY_RETRY_MAX_BACKOFF")

	if raw := strings.TrimSpace(os.Getenv("CRAB_RELAY_RETRY_MAX_ATTEMPTS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.RetryMaxAttempts = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("CRAB_RELAY_WEBHOOK_URLS")); raw != "" {
		var urls []string
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				urls = append(urls, trimmed)
			}
		}
		cfg.WebhookURLs = urls
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("http addr must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("db driver must be sqlite or postgres")
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("db dsn must not be empty")
	}
	if strings.TrimSpace(c.RelayID) == "" {
		return fmt.Errorf("relay id must not be empty")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease ttl must be > 0")
	}
	if c.MessageDeadline <= 0 {
		return fmt.Errorf("message deadline must be > 0")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be > 0")
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be > 0")
	}
	if c.RetryBaseBackoff <= 0 {
		return fmt.Errorf("retry base backoff must be > 0")
	}
	if c.RetryMaxBackoff < c.RetryBaseBackoff {
		return fmt.Errorf("retry max backoff must be >= retry base backoff")
	}
	return nil
}

func loadFileConfig() (fileConfig, error) {
	path, ok, err := resolveConfigFilePath()
	if err != nil {
		return fileConfig{}, err
	}
	if !ok {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

func resolveConfigFilePath() (string, bool, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvConfigFile)); explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", explicit, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", explicit)
		}
		return explicit, true, nil
	}

	for _, candidate := range []string{defaultConfigFileName, alternateConfigFileName} {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	return "", false, nil
}

func setString(dst *string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*dst = trimmed
	}
}

func setDurationEnv(dst *time.Duration, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
		*dst = parsed
	}
}

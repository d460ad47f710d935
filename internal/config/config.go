package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PRINT_AGENT_"

type AuthMode string

const (
	// AuthAck waits for the coordinator's "authenticated" message.
	AuthAck AuthMode = "ack"
	// AuthOptimistic treats the channel as authenticated as soon as the request is sent.
	AuthOptimistic AuthMode = "optimistic"
	// AuthToken connects unauthenticated and waits for a credential from the control API.
	AuthToken AuthMode = "token"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Queue     QueueConfig     `yaml:"queue"`
	Printing  PrintingConfig  `yaml:"printing"`
	Cut       CutConfig       `yaml:"cut"`
	Beep      BeepConfig      `yaml:"beep"`
	Signal    SignalConfig    `yaml:"signal"`
	Control   ControlConfig   `yaml:"control"`
	Journal   JournalConfig   `yaml:"journal"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	URL          string        `yaml:"url"`
	AgentKey     string        `yaml:"agent_key"`
	AgentName    string        `yaml:"agent_name"`
	AuthMode     AuthMode      `yaml:"auth_mode"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	AuthTimeout  time.Duration `yaml:"auth_timeout"`
}

type ReconnectConfig struct {
	Delay       time.Duration `yaml:"delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type WatchdogConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type QueueConfig struct {
	JobPause time.Duration `yaml:"job_pause"`
}

type PrintingConfig struct {
	SumatraPath      string        `yaml:"sumatra_path"`
	DefaultPrinter   string        `yaml:"default_printer"`
	TempDir          string        `yaml:"temp_dir"`
	TempCleanupDelay time.Duration `yaml:"temp_cleanup_delay"`
}

// CutOptions holds one layer of cut settings. Nil fields are "not set" and fall
// through to the next layer during resolution.
type CutOptions struct {
	Enabled   *bool   `yaml:"enabled"`
	Mode      *string `yaml:"mode"`
	FeedLines *int    `yaml:"feed_lines"`
	DelayMs   *int    `yaml:"delay_ms"`
}

type CutConfig struct {
	CutOptions `yaml:",inline"`
	Retries    int                   `yaml:"retries"`
	RetryDelay time.Duration         `yaml:"retry_delay"`
	PerPrinter map[string]CutOptions `yaml:"per_printer"`
}

type BeepOptions struct {
	Enabled  *bool `yaml:"enabled"`
	Count    *int  `yaml:"count"`
	Duration *int  `yaml:"duration"`
	DelayMs  *int  `yaml:"delay_ms"`
}

type BeepConfig struct {
	BeepOptions `yaml:",inline"`
	PerPrinter  map[string]BeepOptions `yaml:"per_printer"`
}

type SignalConfig struct {
	// Platform is the only GOOS on which signaling commands are spawned.
	Platform   string `yaml:"platform"`
	ScratchDir string `yaml:"scratch_dir"`
}

type ControlConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Listen       string `yaml:"listen"`
	PasswordHash string `yaml:"password_hash"`
	JWTSecret    string `yaml:"jwt_secret"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type WebhookConfig struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			URL:          "wss://your-recky-server.com/ws",
			AgentKey:     "",
			AgentName:    "silentPrint",
			AuthMode:     AuthAck,
			DialTimeout:  15 * time.Second,
			WriteTimeout: 10 * time.Second,
			AuthTimeout:  30 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Delay:       5 * time.Second,
			MaxAttempts: 100,
		},
		Watchdog: WatchdogConfig{
			Interval: 60 * time.Second,
			Timeout:  15 * time.Second,
		},
		Queue: QueueConfig{
			JobPause: 500 * time.Millisecond,
		},
		Printing: PrintingConfig{
			TempDir:          filepath.Join(os.TempDir(), "recky-print"),
			TempCleanupDelay: 3 * time.Second,
		},
		Cut: CutConfig{
			Retries:    2,
			RetryDelay: time.Second,
		},
		Signal: SignalConfig{
			Platform: "windows",
		},
		Control: ControlConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9191",
		},
		Journal: JournalConfig{
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaults()
}

// Load reads the YAML file at configPath (a missing file yields defaults), then a
// .env file next to it, then PRINT_AGENT_* environment overrides, and validates
// the result. The returned Config must be treated as read-only.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	envFile := ".env"
	if configPath != "" {
		envFile = filepath.Join(filepath.Dir(configPath), ".env")
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = d
		return nil
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("SERVER_URL", &cfg.Server.URL)
	str("AGENT_KEY", &cfg.Server.AgentKey)
	str("AGENT_NAME", &cfg.Server.AgentName)
	var mode string
	str("AUTH_MODE", &mode)
	if mode != "" {
		cfg.Server.AuthMode = AuthMode(mode)
	}
	str("SUMATRA_PATH", &cfg.Printing.SumatraPath)
	str("DEFAULT_PRINTER", &cfg.Printing.DefaultPrinter)
	str("TEMP_DIR", &cfg.Printing.TempDir)
	str("CONTROL_LISTEN", &cfg.Control.Listen)
	str("CONTROL_PASSWORD_HASH", &cfg.Control.PasswordHash)
	str("JOURNAL_PATH", &cfg.Journal.Path)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FILE", &cfg.Logging.File)

	for key, dst := range map[string]*time.Duration{
		"AUTH_TIMEOUT":      &cfg.Server.AuthTimeout,
		"RECONNECT_DELAY":   &cfg.Reconnect.Delay,
		"WATCHDOG_INTERVAL": &cfg.Watchdog.Interval,
		"WATCHDOG_TIMEOUT":  &cfg.Watchdog.Timeout,
		"JOB_PAUSE":         &cfg.Queue.JobPause,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return num("RECONNECT_MAX_ATTEMPTS", &cfg.Reconnect.MaxAttempts)
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("server url must be a ws:// or wss:// URL, got %q", c.Server.URL)
	}

	switch c.Server.AuthMode {
	case AuthAck, AuthOptimistic:
		if c.Server.AgentKey == "" {
			return fmt.Errorf("agent key is required for auth mode %q", c.Server.AuthMode)
		}
	case AuthToken:
	default:
		return fmt.Errorf("invalid auth mode: %s (valid: ack, optimistic, token)", c.Server.AuthMode)
	}

	if c.Server.DialTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.AuthTimeout < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}

	if c.Reconnect.Delay < 0 {
		return fmt.Errorf("reconnect delay must be non-negative")
	}

	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect max attempts must be non-negative")
	}

	if c.Watchdog.Interval <= 0 || c.Watchdog.Timeout <= 0 {
		return fmt.Errorf("watchdog interval and timeout must be positive")
	}

	if c.Watchdog.Timeout >= c.Watchdog.Interval {
		return fmt.Errorf("watchdog timeout (%s) must be shorter than the interval (%s)", c.Watchdog.Timeout, c.Watchdog.Interval)
	}

	if c.Queue.JobPause < 0 {
		return fmt.Errorf("job pause must be non-negative")
	}

	if c.Printing.TempDir == "" {
		return fmt.Errorf("printing temp dir is required")
	}

	if c.Printing.TempCleanupDelay < 0 {
		return fmt.Errorf("temp cleanup delay must be non-negative")
	}

	if err := validateCut("cut", c.Cut.CutOptions); err != nil {
		return err
	}
	for name, o := range c.Cut.PerPrinter {
		if err := validateCut("cut.per_printer."+name, o); err != nil {
			return err
		}
	}
	if c.Cut.Retries < 0 || c.Cut.RetryDelay < 0 {
		return fmt.Errorf("cut retries and retry delay must be non-negative")
	}

	if err := validateBeep("beep", c.Beep.BeepOptions); err != nil {
		return err
	}
	for name, o := range c.Beep.PerPrinter {
		if err := validateBeep("beep.per_printer."+name, o); err != nil {
			return err
		}
	}

	if c.Control.Enabled && c.Control.Listen == "" {
		return fmt.Errorf("control listen address is required when the control API is enabled")
	}

	if c.Journal.RetentionDays < 0 {
		return fmt.Errorf("journal retention days must be non-negative")
	}

	for i, w := range c.Webhooks {
		if _, err := url.ParseRequestURI(w.URL); err != nil {
			return fmt.Errorf("webhooks[%d]: invalid url %q", i, w.URL)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

func validateCut(path string, o CutOptions) error {
	if o.Mode != nil && *o.Mode != "partial" && *o.Mode != "full" {
		return fmt.Errorf("%s.mode must be \"partial\" or \"full\", got %q", path, *o.Mode)
	}
	if o.FeedLines != nil && (*o.FeedLines < 0 || *o.FeedLines > 255) {
		return fmt.Errorf("%s.feed_lines must be between 0 and 255", path)
	}
	if o.DelayMs != nil && *o.DelayMs < 0 {
		return fmt.Errorf("%s.delay_ms must be non-negative", path)
	}
	return nil
}

func validateBeep(path string, o BeepOptions) error {
	if o.Count != nil && (*o.Count < 1 || *o.Count > 9) {
		return fmt.Errorf("%s.count must be between 1 and 9", path)
	}
	if o.Duration != nil && (*o.Duration < 1 || *o.Duration > 9) {
		return fmt.Errorf("%s.duration must be between 1 and 9", path)
	}
	if o.DelayMs != nil && *o.DelayMs < 0 {
		return fmt.Errorf("%s.delay_ms must be non-negative", path)
	}
	return nil
}

// Redacted returns the agent key with everything but the last four characters masked.
func (c *Config) Redacted() string {
	k := c.Server.AgentKey
	if len(k) <= 4 {
		return strings.Repeat("*", len(k))
	}
	return strings.Repeat("*", len(k)-4) + k[len(k)-4:]
}

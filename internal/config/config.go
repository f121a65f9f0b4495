package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// InterruptsConfig controls how inbound messages are matched against the
// interrupt keyword set.
type InterruptsConfig struct {
	// Keywords is the case-normalized interrupt keyword set. Empty uses the
	// built-in defaults.
	Keywords []string `yaml:"keywords"`

	// Fuzzy enables substring matching. Default off: an interrupt keyword
	// buried in a longer sentence is not treated as a command.
	Fuzzy bool `yaml:"fuzzy"`
}

// WorkerConfig describes how the external worker process is launched.
type WorkerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// InputMode is how the task instruction reaches the worker:
	// "stdin" (default) writes it to the worker's stdin,
	// "arg" appends it as the final argument.
	InputMode string `yaml:"input_mode"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// MaintenanceConfig holds cron expressions for background upkeep jobs.
type MaintenanceConfig struct {
	CleanupCron string `yaml:"cleanup_cron"` // processed-message retention sweep
	SweepCron   string `yaml:"sweep_cron"`   // orphaned-lease sweep
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	BindAddr string `yaml:"bind_addr"`

	PollIntervalSeconds       int `yaml:"poll_interval_seconds"`
	StalenessThresholdMinutes int `yaml:"staleness_threshold_minutes"`
	KillGraceSeconds          int `yaml:"kill_grace_seconds"`
	RetentionMessagesDays     int `yaml:"retention_messages_days"`

	Interrupts  InterruptsConfig  `yaml:"interrupts"`
	Worker      WorkerConfig      `yaml:"worker"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// DefaultInterruptKeywords is the built-in interrupt keyword set. Matching is
// exact after trim+lowercase unless interrupts.fuzzy is set. The Korean
// variants mirror the command set the bot's users already know.
var DefaultInterruptKeywords = []string{
	"stop", "cancel", "abort", "wait", "/stop",
	"멈춰", "중단", "그만", "취소", "잠깐만",
}

// PollInterval returns the watcher/supervisor poll interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StalenessThreshold returns how long a lease may go without a heartbeat
// before it is considered stale.
func (c Config) StalenessThreshold() time.Duration {
	return time.Duration(c.StalenessThresholdMinutes) * time.Minute
}

// KillGrace returns the interval between the graceful signal and the forced
// kill when terminating the worker.
func (c Config) KillGrace() time.Duration {
	return time.Duration(c.KillGraceSeconds) * time.Second
}

// MessageRetention returns how long processed messages are retained.
func (c Config) MessageRetention() time.Duration {
	return time.Duration(c.RetentionMessagesDays) * 24 * time.Hour
}

func defaultConfig() Config {
	return Config{
		LogLevel:                  "info",
		BindAddr:                  "127.0.0.1:18907",
		PollIntervalSeconds:       3,
		StalenessThresholdMinutes: 30,
		KillGraceSeconds:          3,
		RetentionMessagesDays:     30,
		Interrupts: InterruptsConfig{
			Keywords: DefaultInterruptKeywords,
		},
		Worker: WorkerConfig{
			InputMode: "stdin",
		},
		Maintenance: MaintenanceConfig{
			CleanupCron: "0 4 * * *",
			SweepCron:   "*/5 * * * *",
		},
	}
}

// HomeDir resolves the tether data directory, honoring the TETHER_HOME override.
func HomeDir() string {
	if override := os.Getenv("TETHER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tether")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create tether home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18907"
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 3
	}
	if cfg.StalenessThresholdMinutes <= 0 {
		cfg.StalenessThresholdMinutes = 30
	}
	if cfg.KillGraceSeconds <= 0 {
		cfg.KillGraceSeconds = 3
	}
	if cfg.RetentionMessagesDays <= 0 {
		cfg.RetentionMessagesDays = 30
	}
	if len(cfg.Interrupts.Keywords) == 0 {
		cfg.Interrupts.Keywords = DefaultInterruptKeywords
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Worker.InputMode)) {
	case "stdin", "arg":
		cfg.Worker.InputMode = strings.ToLower(strings.TrimSpace(cfg.Worker.InputMode))
	default:
		cfg.Worker.InputMode = "stdin"
	}
	if cfg.Maintenance.CleanupCron == "" {
		cfg.Maintenance.CleanupCron = "0 4 * * *"
	}
	if cfg.Maintenance.SweepCron == "" {
		cfg.Maintenance.SweepCron = "*/5 * * * *"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TETHER_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TETHER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TETHER_POLL_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("TETHER_STALENESS_THRESHOLD_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.StalenessThresholdMinutes = v
		}
	}
	if raw := os.Getenv("TETHER_KILL_GRACE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.KillGraceSeconds = v
		}
	}
	if raw := os.Getenv("TETHER_WORKER_COMMAND"); raw != "" {
		cfg.Worker.Command = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
		cfg.Channels.Telegram.Enabled = true
	}
	if raw := os.Getenv("TELEGRAM_ALLOWED_USERS"); raw != "" {
		var ids []int64
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if v, err := strconv.ParseInt(part, 10, 64); err == nil {
				ids = append(ids, v)
			}
		}
		if len(ids) > 0 {
			cfg.Channels.Telegram.AllowedIDs = ids
		}
	}
}

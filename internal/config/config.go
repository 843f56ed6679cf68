package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StatusCategory classifies how a monitored status should be read.
type StatusCategory string

const (
	// CategoryProblem marks statuses where any nonzero occurrence is suspicious.
	CategoryProblem StatusCategory = "problem"
	// CategoryVolume marks statuses where high counts are benign.
	CategoryVolume StatusCategory = "volume"
)

// StatusPolicy declares one monitored transaction status and its category.
type StatusPolicy struct {
	Name     string         `yaml:"name"`
	Category StatusCategory `yaml:"category"`
}

// Config captures the settings required to boot the monitoring engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Detector  DetectorConfig  `yaml:"detector"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
}

// StoreConfig configures the Redis-backed transaction count store.
type StoreConfig struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	PoolSize       int           `yaml:"poolSize"`
	RetentionHours int           `yaml:"retentionHours"`
}

// DetectorConfig controls the statistical detector thresholds and statuses.
type DetectorConfig struct {
	WarningThreshold  float64        `yaml:"warningThreshold"`
	CriticalThreshold float64        `yaml:"criticalThreshold"`
	MinHistory        int            `yaml:"minHistory"`
	StdFloor          float64        `yaml:"stdFloor"`
	Statuses          []StatusPolicy `yaml:"statuses"`
}

// AlertingConfig controls alert dispatch suppression and routing.
type AlertingConfig struct {
	Cooldown       time.Duration `yaml:"cooldown"`
	WebhookURL     string        `yaml:"webhookURL"`
	WebhookTimeout time.Duration `yaml:"webhookTimeout"`
}

// SchedulerConfig controls the periodic alert check loop.
type SchedulerConfig struct {
	Interval             time.Duration `yaml:"interval"`
	CurrentWindowMinutes int           `yaml:"currentWindowMinutes"`
	HistoryWindowMinutes int           `yaml:"historyWindowMinutes"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
// The returned config is already validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("TXN_SENTINEL_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MonitoredStatuses lists status names in declared order.
func (d DetectorConfig) MonitoredStatuses() []string {
	names := make([]string, 0, len(d.Statuses))
	for _, s := range d.Statuses {
		names = append(names, s.Name)
	}
	return names
}

// IsProblemStatus reports whether the named status belongs to the
// rare-is-bad category.
func (d DetectorConfig) IsProblemStatus(status string) bool {
	for _, s := range d.Statuses {
		if s.Name == status {
			return s.Category == CategoryProblem
		}
	}
	return false
}

// Validate rejects configuration faults at construction time rather than
// deferring them into a detection call.
func (c *Config) Validate() error {
	if c.Detector.WarningThreshold <= 0 {
		return fmt.Errorf("detector.warningThreshold must be positive, got %v", c.Detector.WarningThreshold)
	}
	if c.Detector.CriticalThreshold <= c.Detector.WarningThreshold {
		return fmt.Errorf("detector.criticalThreshold (%v) must exceed warningThreshold (%v)",
			c.Detector.CriticalThreshold, c.Detector.WarningThreshold)
	}
	if c.Detector.MinHistory < 1 {
		return fmt.Errorf("detector.minHistory must be at least 1, got %d", c.Detector.MinHistory)
	}
	if c.Detector.StdFloor <= 0 {
		return fmt.Errorf("detector.stdFloor must be positive, got %v", c.Detector.StdFloor)
	}
	if len(c.Detector.Statuses) == 0 {
		return errors.New("detector.statuses must declare at least one monitored status")
	}
	seen := make(map[string]struct{}, len(c.Detector.Statuses))
	for _, s := range c.Detector.Statuses {
		if s.Name == "" {
			return errors.New("detector.statuses entries require a name")
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("detector.statuses declares %q twice", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Category != CategoryProblem && s.Category != CategoryVolume {
			return fmt.Errorf("detector.statuses %q has unknown category %q", s.Name, s.Category)
		}
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown must not be negative, got %v", c.Alerting.Cooldown)
	}
	if c.Alerting.WebhookTimeout <= 0 {
		return fmt.Errorf("alerting.webhookTimeout must be positive, got %v", c.Alerting.WebhookTimeout)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %v", c.Scheduler.Interval)
	}
	if c.Scheduler.CurrentWindowMinutes < 1 || c.Scheduler.HistoryWindowMinutes < 1 {
		return errors.New("scheduler windows must be at least one minute")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    15 * time.Second,
		},
		Store: StoreConfig{
			Addr:           "localhost:6379",
			DialTimeout:    2 * time.Second,
			ReadTimeout:    500 * time.Millisecond,
			WriteTimeout:   500 * time.Millisecond,
			PoolSize:       20,
			RetentionHours: 24,
		},
		Detector: DetectorConfig{
			WarningThreshold:  2.5,
			CriticalThreshold: 4.0,
			MinHistory:        30,
			StdFloor:          1.0,
			Statuses: []StatusPolicy{
				{Name: "approved", Category: CategoryVolume},
				{Name: "denied", Category: CategoryProblem},
				{Name: "failed", Category: CategoryProblem},
				{Name: "reversed", Category: CategoryProblem},
				{Name: "backend_reversed", Category: CategoryProblem},
			},
		},
		Alerting: AlertingConfig{
			Cooldown:       5 * time.Minute,
			WebhookTimeout: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Interval:             30 * time.Second,
			CurrentWindowMinutes: 1,
			HistoryWindowMinutes: 60,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TXN_SENTINEL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("TXN_SENTINEL_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("TXN_SENTINEL_STORE_ADDR"); v != "" {
		cfg.Store.Addr = v
	}
	if v := os.Getenv("TXN_SENTINEL_STORE_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("TXN_SENTINEL_STORE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Store.DB = db
		}
	}
	if v := os.Getenv("TXN_SENTINEL_WARNING_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detector.WarningThreshold = f
		}
	}
	if v := os.Getenv("TXN_SENTINEL_CRITICAL_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detector.CriticalThreshold = f
		}
	}
	if v := os.Getenv("TXN_SENTINEL_MIN_HISTORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.MinHistory = n
		}
	}
	if v := os.Getenv("ALERT_CHECK_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.Interval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ALERT_COOLDOWN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Alerting.Cooldown = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		cfg.Alerting.WebhookURL = v
	}
	if v := os.Getenv("ALERT_WEBHOOK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Alerting.WebhookTimeout = d
		}
	}
	if v := os.Getenv("TXN_SENTINEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TXN_SENTINEL_LOG_FORMAT"); strings.EqualFold(v, "json") {
		cfg.Logging.JSON = true
	}
}

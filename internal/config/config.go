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

// Config captures the settings required to boot the incident agent.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Agent     AgentConfig     `yaml:"agent"`
	Sources   SourcesConfig   `yaml:"sources"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Ticketing TicketingConfig `yaml:"ticketing"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
	Rules     RulesConfig     `yaml:"rules"`
	Cache     CacheConfig     `yaml:"cache"`
}

// ServerConfig controls the operator HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// AgentConfig tunes the core pipeline behaviour.
type AgentConfig struct {
	CollectionInterval time.Duration `yaml:"collectionInterval"`
	FingerprintBucket  time.Duration `yaml:"fingerprintBucket"`
	CorrelationWindow  time.Duration `yaml:"correlationWindow"`
	DedupTTL           time.Duration `yaml:"dedupTTL"`
	CloseTimeout       time.Duration `yaml:"closeTimeout"`
	MaxEventHistory    int           `yaml:"maxEventHistory"`
}

// SourcesConfig enables and schedules the individual collectors.
type SourcesConfig struct {
	Alarms   AlarmSourceConfig   `yaml:"alarms"`
	Metrics  MetricSourceConfig  `yaml:"metrics"`
	Logs     LogSourceConfig     `yaml:"logs"`
	Insights InsightSourceConfig `yaml:"insights"`
}

// AlarmSourceConfig configures the alarm collector.
type AlarmSourceConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// MetricWatch names one metric series to evaluate against a threshold.
type MetricWatch struct {
	Namespace string  `yaml:"namespace"`
	Metric    string  `yaml:"metric"`
	Threshold float64 `yaml:"threshold"`
}

// MetricSourceConfig configures the metric statistics collector.
type MetricSourceConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Watches  []MetricWatch `yaml:"watches"`
}

// LogSourceConfig configures the error-pattern log collector.
type LogSourceConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	Groups     []string      `yaml:"groups"`
	Patterns   []string      `yaml:"patterns"`
	MinMatches int           `yaml:"minMatches"`
}

// InsightQuery names one aggregation query and the bound that fires it.
type InsightQuery struct {
	Name  string  `yaml:"name"`
	Query string  `yaml:"query"`
	Bound float64 `yaml:"bound"`
}

// InsightSourceConfig configures the log-insight query collector.
type InsightSourceConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Interval time.Duration  `yaml:"interval"`
	Queries  []InsightQuery `yaml:"queries"`
}

// TelemetryConfig configures access to the monitored environment's query APIs.
type TelemetryConfig struct {
	BaseURL      string        `yaml:"baseURL"`
	AlarmsPath   string        `yaml:"alarmsPath"`
	MetricsPath  string        `yaml:"metricsPath"`
	LogsPath     string        `yaml:"logsPath"`
	InsightsPath string        `yaml:"insightsPath"`
	Timeout      time.Duration `yaml:"timeout"`
}

// OracleConfig configures the reasoning oracle collaborator.
type OracleConfig struct {
	BaseURL         string        `yaml:"baseURL"`
	APIKey          string        `yaml:"apiKey"`
	Model           string        `yaml:"model"`
	Timeout         time.Duration `yaml:"timeout"`
	ConfidenceFloor float64       `yaml:"confidenceFloor"`
}

// KnowledgeConfig configures the knowledge index collaborator.
type KnowledgeConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	APIKey       string        `yaml:"apiKey"`
	Timeout      time.Duration `yaml:"timeout"`
	SearchLimit  int           `yaml:"searchLimit"`
	SearchTTL    time.Duration `yaml:"searchTTL"`
	SeedRunbooks bool          `yaml:"seedRunbooks"`
}

// TicketingConfig configures the external ticketing system.
type TicketingConfig struct {
	BaseURL    string        `yaml:"baseURL"`
	Token      string        `yaml:"token"`
	ProjectKey string        `yaml:"projectKey"`
	IssueType  string        `yaml:"issueType"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryMax   int           `yaml:"retryMax"`
	RetryBase  time.Duration `yaml:"retryBase"`
}

// NotifyConfig configures the notification channel endpoints.
type NotifyConfig struct {
	WebhookURL   string        `yaml:"webhookURL"`
	MailEndpoint string        `yaml:"mailEndpoint"`
	MailFrom     string        `yaml:"mailFrom"`
	MailTo       []string      `yaml:"mailTo"`
	Timeout      time.Duration `yaml:"timeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RulesConfig controls rule-pack loading for the severity classifier.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls Valkey-backed caching of knowledge lookups.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_INCIDENT_CONFIG")
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
	return &cfg, nil
}

// DefaultMetricWatches returns the threshold watch list used when none is configured.
func DefaultMetricWatches() []MetricWatch {
	return []MetricWatch{
		{Namespace: "compute", Metric: "CPUUtilization", Threshold: 80},
		{Namespace: "compute", Metric: "MemoryUtilization", Threshold: 85},
		{Namespace: "storage", Metric: "DiskSpaceUtilization", Threshold: 90},
		{Namespace: "compute", Metric: "StatusCheckFailed", Threshold: 0},
	}
}

// DefaultLogPatterns returns the error patterns scanned when none are configured.
func DefaultLogPatterns() []string {
	return []string{
		"ERROR", "FATAL", "CRITICAL", "Exception", "Traceback",
		"failed", "timeout", "OutOfMemory", "OOMKilled",
	}
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Agent: AgentConfig{
			CollectionInterval: time.Minute,
			FingerprintBucket:  time.Hour,
			CorrelationWindow:  5 * time.Minute,
			DedupTTL:           5 * time.Minute,
			CloseTimeout:       15 * time.Second,
			MaxEventHistory:    50,
		},
		Sources: SourcesConfig{
			Alarms:   AlarmSourceConfig{Enabled: true, Interval: time.Minute},
			Metrics:  MetricSourceConfig{Enabled: true, Interval: time.Minute, Watches: DefaultMetricWatches()},
			Logs:     LogSourceConfig{Enabled: true, Interval: 2 * time.Minute, Patterns: DefaultLogPatterns(), MinMatches: 3},
			Insights: InsightSourceConfig{Enabled: false, Interval: 5 * time.Minute},
		},
		Telemetry: TelemetryConfig{
			AlarmsPath:   "/api/v1/telemetry/alarms",
			MetricsPath:  "/api/v1/telemetry/metrics",
			LogsPath:     "/api/v1/telemetry/logs",
			InsightsPath: "/api/v1/telemetry/insights",
			Timeout:      5 * time.Second,
		},
		Oracle: OracleConfig{
			Model:           "gpt-4o-mini",
			Timeout:         15 * time.Second,
			ConfidenceFloor: 0.3,
		},
		Knowledge: KnowledgeConfig{
			Timeout:      5 * time.Second,
			SearchLimit:  5,
			SearchTTL:    2 * time.Minute,
			SeedRunbooks: true,
		},
		Ticketing: TicketingConfig{
			ProjectKey: "OPS",
			IssueType:  "Incident",
			Timeout:    5 * time.Second,
			RetryMax:   5,
			RetryBase:  2 * time.Second,
		},
		Notify:  NotifyConfig{Timeout: 5 * time.Second},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Rules:   RulesConfig{Path: "configs/rules/default.yaml"},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_INCIDENT_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_COLLECTION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Agent.CollectionInterval = d
		}
	}
	if v := os.Getenv("MIRADOR_TELEMETRY_BASE_URL"); v != "" {
		cfg.Telemetry.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_ORACLE_BASE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_ORACLE_API_KEY"); v != "" {
		cfg.Oracle.APIKey = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_ORACLE_MODEL"); v != "" {
		cfg.Oracle.Model = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_KNOWLEDGE_URL"); v != "" {
		cfg.Knowledge.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_KNOWLEDGE_API_KEY"); v != "" {
		cfg.Knowledge.APIKey = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_TICKETING_URL"); v != "" {
		cfg.Ticketing.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_TICKETING_TOKEN"); v != "" {
		cfg.Ticketing.Token = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_TICKETING_PROJECT"); v != "" {
		cfg.Ticketing.ProjectKey = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_NOTIFY_WEBHOOK"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_INCIDENT_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("MIRADOR_INCIDENT_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_INCIDENT_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_INCIDENT_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
}

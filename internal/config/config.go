// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration for a cognitive loop
// operation runtime.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Graph        GraphStoreConfig   `mapstructure:"graph" yaml:"graph"`
	EventBus     EventBusConfig     `mapstructure:"event_bus" yaml:"event_bus"`
	ToolHost     ToolHostConfig     `mapstructure:"tool_host" yaml:"tool_host"`
	LLM          LLMRouterConfig    `mapstructure:"llm" yaml:"llm"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler" yaml:"scheduler"`
	Intervention InterventionConfig `mapstructure:"intervention" yaml:"intervention"`
	Checkpoint   CheckpointConfig   `mapstructure:"checkpoint" yaml:"checkpoint"`
	Report       ReportConfig       `mapstructure:"report" yaml:"report"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// PostgresConfig holds the connection details for a PostgreSQL database.
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// DSN renders the standard libpq connection string for this configuration.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

// GraphStoreConfig specifies the backend and limits for the dual-graph store.
type GraphStoreConfig struct {
	Type             string          `mapstructure:"type" yaml:"type"` // "postgres" or "in-memory"
	Postgres         PostgresConfig  `mapstructure:"postgres" yaml:"postgres"`
	MaxTaskNodes     int             `mapstructure:"max_task_nodes" yaml:"max_task_nodes"`
	MaxCausalNodes   int             `mapstructure:"max_causal_nodes" yaml:"max_causal_nodes"`
	SnapshotInterval time.Duration   `mapstructure:"snapshot_interval" yaml:"snapshot_interval"`
}

// EventBusConfig tunes the in-process pub/sub broker.
type EventBusConfig struct {
	SubscriberQueueSize int  `mapstructure:"subscriber_queue_size" yaml:"subscriber_queue_size"`
	ReplayBufferSize    int  `mapstructure:"replay_buffer_size" yaml:"replay_buffer_size"`
	ExternalEnabled     bool `mapstructure:"external_enabled" yaml:"external_enabled"`
	ExternalListenAddr  string `mapstructure:"external_listen_addr" yaml:"external_listen_addr"`
}

// ToolHostConfig configures the MCP-style tool host client.
type ToolHostConfig struct {
	Endpoint        string        `mapstructure:"endpoint" yaml:"endpoint"`
	CallTimeout     time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxResponseBytes int64        `mapstructure:"max_response_bytes" yaml:"max_response_bytes"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini    LLMProvider = "gemini"
	ProviderOpenAI    LLMProvider = "openai"
	ProviderAnthropic LLMProvider = "anthropic"
)

// LLMRouterConfig configures role-based model routing for the Planner,
// Executor and Reflector drivers.
type LLMRouterConfig struct {
	PlannerModel   string                    `mapstructure:"planner_model" yaml:"planner_model"`
	ExecutorModel  string                    `mapstructure:"executor_model" yaml:"executor_model"`
	ReflectorModel string                    `mapstructure:"reflector_model" yaml:"reflector_model"`
	Models         map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
	SchemaRetries  int                       `mapstructure:"schema_retries" yaml:"schema_retries"`
}

// LLMModelConfig defines the configuration for a single named model.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP        float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK        int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// SchedulerConfig tunes the PLAN/APPLY/DISPATCH/EXECUTE/REFLECT loop.
type SchedulerConfig struct {
	MaxParallelActions int           `mapstructure:"max_parallel_actions" yaml:"max_parallel_actions"`
	StepBudget         int           `mapstructure:"step_budget" yaml:"step_budget"`
	SubtaskStepBudget  int           `mapstructure:"subtask_step_budget" yaml:"subtask_step_budget"`
	WallClockBudget    time.Duration `mapstructure:"wall_clock_budget" yaml:"wall_clock_budget"`
	ReplanLimit        int           `mapstructure:"replan_limit" yaml:"replan_limit"`
	CancelGrace        time.Duration `mapstructure:"cancel_grace" yaml:"cancel_grace"`
	CheckpointEvery    int           `mapstructure:"checkpoint_every" yaml:"checkpoint_every"`
}

// InterventionConfig controls the human-in-the-loop gate.
type InterventionConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	AutoApprove   bool          `mapstructure:"auto_approve" yaml:"auto_approve"`
	JWTSigningKey string        `mapstructure:"jwt_signing_key" yaml:"-"`
	CallbackTTL   time.Duration `mapstructure:"callback_ttl" yaml:"callback_ttl"`
}

// CheckpointConfig configures the git-backed checkpoint archiver.
type CheckpointConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	RepoPath   string `mapstructure:"repo_path" yaml:"repo_path"`
	AuthorName string `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail string `mapstructure:"author_email" yaml:"author_email"`
	RemoteURL  string `mapstructure:"remote_url" yaml:"remote_url"`
	PushOnFinalize bool `mapstructure:"push_on_finalize" yaml:"push_on_finalize"`
}

// ReportConfig configures GitHub issue reporting for confirmed vulnerabilities.
type ReportConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Token      string `mapstructure:"token" yaml:"-"`
	RepoOwner  string `mapstructure:"repo_owner" yaml:"repo_owner"`
	RepoName   string `mapstructure:"repo_name" yaml:"repo_name"`
	LabelNames []string `mapstructure:"label_names" yaml:"label_names"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration section.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "cogloop")
	v.SetDefault("logger.log_file", "cogloop.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Graph store --
	v.SetDefault("graph.type", "in-memory")
	v.SetDefault("graph.postgres.host", "localhost")
	v.SetDefault("graph.postgres.port", 5432)
	v.SetDefault("graph.postgres.user", "postgres")
	v.SetDefault("graph.postgres.dbname", "cogloop")
	v.SetDefault("graph.postgres.sslmode", "disable")
	v.SetDefault("graph.postgres.max_conns", 10)
	v.SetDefault("graph.max_task_nodes", 50000)
	v.SetDefault("graph.max_causal_nodes", 50000)
	v.SetDefault("graph.snapshot_interval", "30s")

	// -- Event bus --
	v.SetDefault("event_bus.subscriber_queue_size", 256)
	v.SetDefault("event_bus.replay_buffer_size", 4096)
	v.SetDefault("event_bus.external_enabled", false)
	v.SetDefault("event_bus.external_listen_addr", ":8088")

	// -- Tool host --
	v.SetDefault("tool_host.endpoint", "http://localhost:9001")
	v.SetDefault("tool_host.call_timeout", "30s")
	v.SetDefault("tool_host.max_retries", 4)
	v.SetDefault("tool_host.max_response_bytes", 1<<20)
	v.SetDefault("tool_host.initial_backoff", "200ms")
	v.SetDefault("tool_host.max_backoff", "10s")

	// -- LLM --
	v.SetDefault("llm.planner_model", "gemini-2.5-pro")
	v.SetDefault("llm.executor_model", "gemini-2.5-flash")
	v.SetDefault("llm.reflector_model", "gemini-2.5-pro")
	v.SetDefault("llm.schema_retries", 2)

	// -- Scheduler --
	v.SetDefault("scheduler.max_parallel_actions", 4)
	v.SetDefault("scheduler.step_budget", 200)
	v.SetDefault("scheduler.subtask_step_budget", 40)
	v.SetDefault("scheduler.wall_clock_budget", "30m")
	v.SetDefault("scheduler.replan_limit", 8)
	v.SetDefault("scheduler.cancel_grace", "10s")
	v.SetDefault("scheduler.checkpoint_every", 10)

	// -- Intervention --
	v.SetDefault("intervention.enabled", false)
	v.SetDefault("intervention.timeout", "10m")
	v.SetDefault("intervention.auto_approve", true)
	v.SetDefault("intervention.callback_ttl", "24h")

	// -- Checkpoint --
	v.SetDefault("checkpoint.enabled", false)
	v.SetDefault("checkpoint.repo_path", "./checkpoints")
	v.SetDefault("checkpoint.author_name", "cogloop-bot")
	v.SetDefault("checkpoint.author_email", "cogloop@localhost")
	v.SetDefault("checkpoint.push_on_finalize", false)

	// -- Report --
	v.SetDefault("report.enabled", false)
	v.SetDefault("report.label_names", []string{"confirmed-vulnerability"})
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.BindEnv("llm.models.default.api_key", "COGLOOP_LLM_API_KEY")
	v.BindEnv("graph.postgres.password", "COGLOOP_GRAPH_PASSWORD")
	v.BindEnv("intervention.jwt_signing_key", "COGLOOP_INTERVENTION_SIGNING_KEY")
	v.BindEnv("report.token", "COGLOOP_GITHUB_TOKEN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Report.Enabled && cfg.Report.Token == "" {
		cfg.Report.Token = os.Getenv("COGLOOP_GITHUB_TOKEN")
	}
	if cfg.Intervention.JWTSigningKey == "" {
		cfg.Intervention.JWTSigningKey = os.Getenv("COGLOOP_INTERVENTION_SIGNING_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Scheduler.MaxParallelActions <= 0 {
		return fmt.Errorf("scheduler.max_parallel_actions must be a positive integer")
	}
	if c.Scheduler.StepBudget <= 0 {
		return fmt.Errorf("scheduler.step_budget must be a positive integer")
	}
	if c.Graph.Type == "postgres" && c.Graph.Postgres.Host == "" {
		return fmt.Errorf("graph.postgres.host is required when graph.type is postgres")
	}
	if c.Intervention.Enabled && !c.Intervention.AutoApprove && c.Intervention.JWTSigningKey == "" {
		return fmt.Errorf("intervention.jwt_signing_key is required when intervention is enabled without auto-approve")
	}
	if c.Report.Enabled {
		if c.Report.RepoOwner == "" || c.Report.RepoName == "" {
			return fmt.Errorf("report.repo_owner and report.repo_name are required when report is enabled")
		}
		if c.Report.Token == "" {
			return fmt.Errorf("GitHub token is required but not found; ensure COGLOOP_GITHUB_TOKEN is set")
		}
	}
	if c.Checkpoint.Enabled && c.Checkpoint.RepoPath == "" {
		return fmt.Errorf("checkpoint.repo_path is required when checkpoint is enabled")
	}
	return nil
}

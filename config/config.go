// Package config provides configuration loading and management for taskpilot.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete taskpilot configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	LLM        LLMConfig        `yaml:"llm"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Validation ValidationConfig `yaml:"validation"`
	Monday     MondayConfig     `yaml:"monday"`
	GitHub     GitHubConfig     `yaml:"github"`
	Slack      SlackConfig      `yaml:"slack"`
	NATS       NATSConfig       `yaml:"nats"`
	Workers    WorkersConfig    `yaml:"workers"`
	BrowserQA  BrowserQAConfig  `yaml:"browser_qa"`
}

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	// DSN is the Postgres connection string. TASKPILOT_DATABASE_URL overrides it.
	DSN string `yaml:"dsn"`
	// MaxOpenConns limits the pool size.
	MaxOpenConns int `yaml:"max_open_conns"`
	// MaxIdleConns limits idle connections kept in the pool.
	MaxIdleConns int `yaml:"max_idle_conns"`
	// ConnMaxLifetime recycles connections older than this.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LLMConfig configures the LLM providers and fallback order.
type LLMConfig struct {
	// Provider is the primary provider name ("openai" or "anthropic").
	Provider string `yaml:"provider"`
	// FallbackProvider is attempted when the primary fails (empty = no fallback).
	FallbackProvider string `yaml:"fallback_provider"`
	// Model is the default model for the primary provider.
	Model string `yaml:"model"`
	// FallbackModel is the model used with the fallback provider.
	FallbackModel string `yaml:"fallback_model"`
	// Endpoint overrides the provider base URL (empty = provider default).
	Endpoint string `yaml:"endpoint"`
	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for model responses.
	Timeout time.Duration `yaml:"timeout"`
}

// WorkflowConfig holds the engine safety limits and timeouts.
type WorkflowConfig struct {
	// MaxDebugAttempts bounds the run-tests <-> debug-code loop.
	// Single authoritative value; nodes must not carry their own copy.
	MaxDebugAttempts int `yaml:"max_debug_attempts"`
	// MaxHumanDebugAttempts bounds post-validation debug loops.
	MaxHumanDebugAttempts int `yaml:"max_human_debug_attempts"`
	// MaxNodesSafetyLimit caps node dispatches per run.
	MaxNodesSafetyLimit int `yaml:"max_nodes_safety_limit"`
	// GlobalTimeout bounds a whole run.
	GlobalTimeout time.Duration `yaml:"global_timeout"`
	// NodeTimeout bounds a single node execution.
	NodeTimeout time.Duration `yaml:"node_timeout"`
	// MaxRetryAttempts is the per-node retry bound for transient failures.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`
	// WorkspaceRoot is where per-run scratch checkouts are created.
	WorkspaceRoot string `yaml:"workspace_root"`
}

// ValidationConfig holds human-validation wait tuning.
type ValidationConfig struct {
	// CommandTimeout is the final timeout for command-triggered validations.
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// QuestionTimeout is the (shorter) final timeout for question interactions.
	QuestionTimeout time.Duration `yaml:"question_timeout"`
	// ReminderDelay is when the single Slack reminder fires (0 = disabled).
	ReminderDelay time.Duration `yaml:"reminder_delay"`
	// RequestTTL is how long a validation request stays actionable.
	RequestTTL time.Duration `yaml:"request_ttl"`
	// PollInterval is the response polling cadence.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// MondayConfig configures the Monday.com client.
type MondayConfig struct {
	// APIToken authenticates GraphQL calls. TASKPILOT_MONDAY_TOKEN overrides it.
	APIToken string `yaml:"api_token"`
	// Endpoint is the GraphQL endpoint.
	Endpoint string `yaml:"endpoint"`
	// StatusColumnID is the board column mirroring internal status.
	StatusColumnID string `yaml:"status_column_id"`
	// RepositoryURLColumnID optionally points at a column carrying the repo URL.
	RepositoryURLColumnID string `yaml:"repository_url_column_id"`
	// SigningSecret verifies inbound webhooks (consumed by the HTTP layer).
	SigningSecret string `yaml:"signing_secret"`
	// MentionHandle is the leading handle that addresses the agent.
	MentionHandle string `yaml:"mention_handle"`
}

// GitHubConfig configures the GitHub REST client.
type GitHubConfig struct {
	// Token authenticates API calls and push URLs. TASKPILOT_GITHUB_TOKEN overrides it.
	Token string `yaml:"token"`
	// APIBaseURL allows pointing at GitHub Enterprise.
	APIBaseURL string `yaml:"api_base_url"`
	// BaseBranch is the default merge target.
	BaseBranch string `yaml:"base_branch"`
}

// SlackConfig configures escalation notifications.
type SlackConfig struct {
	// BotToken authenticates the Slack client. TASKPILOT_SLACK_TOKEN overrides it.
	BotToken string `yaml:"bot_token"`
	// FallbackEmail is looked up when no Slack user id is known for a requester.
	FallbackEmail string `yaml:"fallback_email"`
}

// NATSConfig configures the optional event mirror.
type NATSConfig struct {
	// URL is the NATS server URL (empty = event mirroring disabled).
	URL string `yaml:"url"`
	// SubjectPrefix prefixes all published subjects.
	SubjectPrefix string `yaml:"subject_prefix"`
}

// WorkersConfig configures the run worker pool.
type WorkersConfig struct {
	// Count is the number of concurrent workflow workers.
	Count int `yaml:"count"`
	// QueueDepth bounds the pending submission queue.
	QueueDepth int `yaml:"queue_depth"`
}

// BrowserQAConfig configures the optional browser QA runner.
type BrowserQAConfig struct {
	// RunnerURL is the HTTP endpoint of the browser QA service (empty = skip node).
	RunnerURL string `yaml:"runner_url"`
	// Timeout bounds a QA session.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		LLM: LLMConfig{
			Provider:         "openai",
			FallbackProvider: "anthropic",
			Model:            "gpt-4o",
			FallbackModel:    "claude-sonnet-4-20250514",
			Temperature:      0.2,
			Timeout:          3 * time.Minute,
		},
		Workflow: WorkflowConfig{
			MaxDebugAttempts:      2,
			MaxHumanDebugAttempts: 2,
			MaxNodesSafetyLimit:   15,
			GlobalTimeout:         time.Hour,
			NodeTimeout:           10 * time.Minute,
			MaxRetryAttempts:      2,
			WorkspaceRoot:         filepath.Join(os.TempDir(), "taskpilot"),
		},
		Validation: ValidationConfig{
			CommandTimeout:  30 * time.Minute,
			QuestionTimeout: 10 * time.Minute,
			ReminderDelay:   15 * time.Minute,
			RequestTTL:      24 * time.Hour,
			PollInterval:    10 * time.Second,
		},
		Monday: MondayConfig{
			Endpoint:       "https://api.monday.com/v2",
			StatusColumnID: "status",
			MentionHandle:  "@vydata",
		},
		GitHub: GitHubConfig{
			APIBaseURL: "https://api.github.com",
			BaseBranch: "main",
		},
		NATS: NATSConfig{
			SubjectPrefix: "taskpilot",
		},
		Workers: WorkersConfig{
			Count:      4,
			QueueDepth: 64,
		},
		BrowserQA: BrowserQAConfig{
			Timeout: 5 * time.Minute,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm.temperature must be between 0 and 1")
	}
	if c.Workflow.MaxDebugAttempts < 0 {
		return fmt.Errorf("workflow.max_debug_attempts must be >= 0")
	}
	if c.Workflow.MaxNodesSafetyLimit < 1 {
		return fmt.Errorf("workflow.max_nodes_safety_limit must be >= 1")
	}
	if c.Workflow.GlobalTimeout <= 0 {
		return fmt.Errorf("workflow.global_timeout must be positive")
	}
	if c.Workflow.NodeTimeout <= 0 {
		return fmt.Errorf("workflow.node_timeout must be positive")
	}
	if c.Workflow.NodeTimeout > c.Workflow.GlobalTimeout {
		return fmt.Errorf("workflow.node_timeout must not exceed workflow.global_timeout")
	}
	if c.Validation.PollInterval <= 0 {
		return fmt.Errorf("validation.poll_interval must be positive")
	}
	if c.Validation.CommandTimeout < c.Validation.QuestionTimeout {
		return fmt.Errorf("validation.command_timeout must be >= validation.question_timeout")
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be >= 1")
	}
	if c.Monday.MentionHandle == "" {
		return fmt.Errorf("monday.mention_handle is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Database.DSN != "" {
		c.Database.DSN = other.Database.DSN
	}
	if other.Database.MaxOpenConns != 0 {
		c.Database.MaxOpenConns = other.Database.MaxOpenConns
	}
	if other.Database.MaxIdleConns != 0 {
		c.Database.MaxIdleConns = other.Database.MaxIdleConns
	}
	if other.Database.ConnMaxLifetime != 0 {
		c.Database.ConnMaxLifetime = other.Database.ConnMaxLifetime
	}

	if other.LLM.Provider != "" {
		c.LLM.Provider = other.LLM.Provider
	}
	if other.LLM.FallbackProvider != "" {
		c.LLM.FallbackProvider = other.LLM.FallbackProvider
	}
	if other.LLM.Model != "" {
		c.LLM.Model = other.LLM.Model
	}
	if other.LLM.FallbackModel != "" {
		c.LLM.FallbackModel = other.LLM.FallbackModel
	}
	if other.LLM.Endpoint != "" {
		c.LLM.Endpoint = other.LLM.Endpoint
	}
	if other.LLM.Temperature != 0 {
		c.LLM.Temperature = other.LLM.Temperature
	}
	if other.LLM.Timeout != 0 {
		c.LLM.Timeout = other.LLM.Timeout
	}

	if other.Workflow.MaxDebugAttempts != 0 {
		c.Workflow.MaxDebugAttempts = other.Workflow.MaxDebugAttempts
	}
	if other.Workflow.MaxHumanDebugAttempts != 0 {
		c.Workflow.MaxHumanDebugAttempts = other.Workflow.MaxHumanDebugAttempts
	}
	if other.Workflow.MaxNodesSafetyLimit != 0 {
		c.Workflow.MaxNodesSafetyLimit = other.Workflow.MaxNodesSafetyLimit
	}
	if other.Workflow.GlobalTimeout != 0 {
		c.Workflow.GlobalTimeout = other.Workflow.GlobalTimeout
	}
	if other.Workflow.NodeTimeout != 0 {
		c.Workflow.NodeTimeout = other.Workflow.NodeTimeout
	}
	if other.Workflow.MaxRetryAttempts != 0 {
		c.Workflow.MaxRetryAttempts = other.Workflow.MaxRetryAttempts
	}
	if other.Workflow.WorkspaceRoot != "" {
		c.Workflow.WorkspaceRoot = other.Workflow.WorkspaceRoot
	}

	if other.Validation.CommandTimeout != 0 {
		c.Validation.CommandTimeout = other.Validation.CommandTimeout
	}
	if other.Validation.QuestionTimeout != 0 {
		c.Validation.QuestionTimeout = other.Validation.QuestionTimeout
	}
	if other.Validation.ReminderDelay != 0 {
		c.Validation.ReminderDelay = other.Validation.ReminderDelay
	}
	if other.Validation.RequestTTL != 0 {
		c.Validation.RequestTTL = other.Validation.RequestTTL
	}
	if other.Validation.PollInterval != 0 {
		c.Validation.PollInterval = other.Validation.PollInterval
	}

	if other.Monday.APIToken != "" {
		c.Monday.APIToken = other.Monday.APIToken
	}
	if other.Monday.Endpoint != "" {
		c.Monday.Endpoint = other.Monday.Endpoint
	}
	if other.Monday.StatusColumnID != "" {
		c.Monday.StatusColumnID = other.Monday.StatusColumnID
	}
	if other.Monday.RepositoryURLColumnID != "" {
		c.Monday.RepositoryURLColumnID = other.Monday.RepositoryURLColumnID
	}
	if other.Monday.SigningSecret != "" {
		c.Monday.SigningSecret = other.Monday.SigningSecret
	}
	if other.Monday.MentionHandle != "" {
		c.Monday.MentionHandle = other.Monday.MentionHandle
	}

	if other.GitHub.Token != "" {
		c.GitHub.Token = other.GitHub.Token
	}
	if other.GitHub.APIBaseURL != "" {
		c.GitHub.APIBaseURL = other.GitHub.APIBaseURL
	}
	if other.GitHub.BaseBranch != "" {
		c.GitHub.BaseBranch = other.GitHub.BaseBranch
	}

	if other.Slack.BotToken != "" {
		c.Slack.BotToken = other.Slack.BotToken
	}
	if other.Slack.FallbackEmail != "" {
		c.Slack.FallbackEmail = other.Slack.FallbackEmail
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.SubjectPrefix != "" {
		c.NATS.SubjectPrefix = other.NATS.SubjectPrefix
	}

	if other.Workers.Count != 0 {
		c.Workers.Count = other.Workers.Count
	}
	if other.Workers.QueueDepth != 0 {
		c.Workers.QueueDepth = other.Workers.QueueDepth
	}

	if other.BrowserQA.RunnerURL != "" {
		c.BrowserQA.RunnerURL = other.BrowserQA.RunnerURL
	}
	if other.BrowserQA.Timeout != 0 {
		c.BrowserQA.Timeout = other.BrowserQA.Timeout
	}
}

// Package config provides configuration loading and validation for logsift.
//
// Configuration comes from three layers, lowest priority first:
//  1. Built-in defaults (defaults.go)
//  2. config.yaml in the config directory, with {{.VAR}} env expansion
//  3. Environment variables for the well-known tuning keys (env.go)
//
// Initialize is the primary entry point; it returns a validated Config.
package config

import "fmt"

// Config is the root configuration object shared across the application.
type Config struct {
	configDir string

	Redis       *RedisConfig       `yaml:"redis"`
	Chroma      *ChromaConfig      `yaml:"chroma"`
	Embedding   *EmbeddingConfig   `yaml:"embedding"`
	LLM         *LLMConfig         `yaml:"llm"`
	Pipeline    *PipelineConfig    `yaml:"pipeline"`
	Database    *DatabaseConfig    `yaml:"database"`
	HTTP        *HTTPConfig        `yaml:"http"`
	Automations *AutomationsConfig `yaml:"automations"`
	Producers   *ProducersConfig   `yaml:"producers"`
}

// RedisConfig holds broker connection settings.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ChromaConfig holds vector store connection and collection naming settings.
type ChromaConfig struct {
	URL      string `yaml:"url"`
	Tenant   string `yaml:"tenant"`
	Database string `yaml:"database"`

	TemplateCollectionPrefix string `yaml:"template_collection_prefix"`
	LogCollectionPrefix      string `yaml:"log_collection_prefix"`
	ProtoCollectionPrefix    string `yaml:"proto_collection_prefix"`

	// EmbeddingsInCollectionName appends the embedding identity to collection
	// names so switching models never mixes vector spaces.
	EmbeddingsInCollectionName bool `yaml:"embeddings_in_collection_name"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"-"`

	// Mode selects the indexed document text: "templated" (default) embeds
	// the masked line, "semantic" embeds the raw line.
	Mode string `yaml:"mode"`
}

// LLMConfig holds chat-completion provider settings.
type LLMConfig struct {
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
	APIKey      string  `yaml:"-"`

	// CostPer1KTokens converts token usage into recorded USD cost.
	CostPer1KTokens float64 `yaml:"cost_per_1k_tokens"`
}

// PipelineConfig holds the clustering and aggregation tuning knobs plus the
// per-role enable toggles.
type PipelineConfig struct {
	NearestProtoThreshold           float64 `yaml:"nearest_proto_threshold"`
	OnlineClusterDistanceThreshold  float64 `yaml:"online_cluster_distance_threshold"`
	ClusterDistanceThreshold        float64 `yaml:"cluster_distance_threshold"`
	ClusterMinSize                  int     `yaml:"cluster_min_size"`
	ClusterMinLogsForClassification int     `yaml:"cluster_min_logs_for_classification"`
	IssueInactivitySec              int     `yaml:"issue_inactivity_sec"`
	IssueMaxLogsForLLM              int     `yaml:"issue_max_logs_for_llm"`
	AlertsTTLSec                    int     `yaml:"alerts_ttl_sec"`
	MetricsAggregationIntervalSec   int     `yaml:"metrics_aggregation_interval_sec"`
	ClusterQualityThreshold         float64 `yaml:"cluster_quality_threshold"`
	DriftDetectionWindowSec         int     `yaml:"drift_detection_window_sec"`
	ClusterRebuildIntervalSec       int     `yaml:"cluster_rebuild_interval_sec"`

	EnableConsumer          bool `yaml:"enable_consumer"`
	EnableIssueAggregator   bool `yaml:"enable_issue_aggregator"`
	EnableEnricher          bool `yaml:"enable_enricher"`
	EnableClusterEnricher   bool `yaml:"enable_cluster_enricher"`
	EnableClusterMetrics    bool `yaml:"enable_cluster_metrics"`
	EnableFailurePrediction bool `yaml:"enable_failure_prediction"`
	EnablePerLineCandidates bool `yaml:"enable_per_line_candidates"`
}

// DatabaseConfig holds PostgreSQL settings for the data-source store.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// HTTPConfig holds API server settings.
type HTTPConfig struct {
	Port string `yaml:"port"`
}

// AutomationsConfig holds remediation engine settings.
type AutomationsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DryRun    *bool  `yaml:"dry_run,omitempty"`
	RulesPath string `yaml:"rules_path"`
}

// ProducersConfig holds ingestion manager settings.
type ProducersConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ConfigDir returns the directory configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// DryRun reports whether automations run in dry-run mode (default true).
func (a *AutomationsConfig) DryRunEnabled() bool {
	if a.DryRun == nil {
		return true
	}
	return *a.DryRun
}

// DSN builds a pgx-compatible connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

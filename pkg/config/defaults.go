package config

// DefaultConfig returns the built-in defaults. YAML and environment overrides
// are merged on top of this.
func DefaultConfig() *Config {
	return &Config{
		Redis: &RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Chroma: &ChromaConfig{
			URL:                        "http://localhost:8000",
			Tenant:                     "default_tenant",
			Database:                   "default_database",
			TemplateCollectionPrefix:   "templates_",
			LogCollectionPrefix:        "logs_",
			ProtoCollectionPrefix:      "proto_",
			EmbeddingsInCollectionName: false,
		},
		Embedding: &EmbeddingConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
			Mode:     "templated",
		},
		LLM: &LLMConfig{
			Model:           "gpt-4o-mini",
			Temperature:     0.1,
			CostPer1KTokens: 0.00015,
		},
		Pipeline: &PipelineConfig{
			NearestProtoThreshold:           0.35,
			OnlineClusterDistanceThreshold:  0.35,
			ClusterDistanceThreshold:        0.3,
			ClusterMinSize:                  5,
			ClusterMinLogsForClassification: 10,
			IssueInactivitySec:              20,
			IssueMaxLogsForLLM:              20,
			AlertsTTLSec:                    86400,
			MetricsAggregationIntervalSec:   300,
			ClusterQualityThreshold:         0.25,
			DriftDetectionWindowSec:         3600,
			ClusterRebuildIntervalSec:       0,
			EnableConsumer:                  true,
			EnableIssueAggregator:           true,
			EnableEnricher:                  true,
			EnableClusterEnricher:           true,
			EnableClusterMetrics:            true,
			EnableFailurePrediction:         false,
			EnablePerLineCandidates:         false,
		},
		Database: &DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			User:         "logsift",
			Name:         "logsift",
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		HTTP: &HTTPConfig{
			Port: "8080",
		},
		Automations: &AutomationsConfig{
			Enabled:   false,
			RulesPath: "automations.yaml",
		},
		Producers: &ProducersConfig{
			Enabled: true,
		},
	}
}

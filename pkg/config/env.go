package config

import (
	"os"
	"strconv"
)

// applyEnvOverrides layers the well-known environment variables over the
// merged configuration. Env always wins so containerized deployments can tune
// the pipeline without shipping a config file.
func applyEnvOverrides(cfg *Config) {
	envString(&cfg.Redis.URL, "REDIS_URL")

	envString(&cfg.Chroma.URL, "CHROMA_URL")
	envString(&cfg.Chroma.Tenant, "CHROMA_TENANT")
	envString(&cfg.Chroma.Database, "CHROMA_DATABASE")
	envString(&cfg.Chroma.TemplateCollectionPrefix, "CHROMA_TEMPLATE_COLLECTION_PREFIX")
	envString(&cfg.Chroma.LogCollectionPrefix, "CHROMA_LOG_COLLECTION_PREFIX")
	envString(&cfg.Chroma.ProtoCollectionPrefix, "CHROMA_PROTO_COLLECTION_PREFIX")
	envBool(&cfg.Chroma.EmbeddingsInCollectionName, "EMBEDDINGS_IN_COLLECTION_NAME")

	envString(&cfg.Embedding.Provider, "EMBEDDING_PROVIDER")
	envString(&cfg.Embedding.Model, "EMBEDDING_MODEL")
	envString(&cfg.Embedding.BaseURL, "EMBEDDING_BASE_URL")
	envString(&cfg.Embedding.Mode, "EMBEDDING_MODE")
	cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")

	envString(&cfg.LLM.Model, "LLM_MODEL")
	envString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	envFloat(&cfg.LLM.Temperature, "LLM_TEMPERATURE")
	envFloat(&cfg.LLM.CostPer1KTokens, "LLM_COST_PER_1K_TOKENS")
	cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")

	p := cfg.Pipeline
	envFloat(&p.NearestProtoThreshold, "NEAREST_PROTO_THRESHOLD")
	envFloat(&p.OnlineClusterDistanceThreshold, "ONLINE_CLUSTER_DISTANCE_THRESHOLD")
	envFloat(&p.ClusterDistanceThreshold, "CLUSTER_DISTANCE_THRESHOLD")
	envInt(&p.ClusterMinSize, "CLUSTER_MIN_SIZE")
	envInt(&p.ClusterMinLogsForClassification, "CLUSTER_MIN_LOGS_FOR_CLASSIFICATION")
	envInt(&p.IssueInactivitySec, "ISSUE_INACTIVITY_SEC")
	envInt(&p.IssueMaxLogsForLLM, "ISSUE_MAX_LOGS_FOR_LLM")
	envInt(&p.AlertsTTLSec, "ALERTS_TTL_SEC")
	envInt(&p.MetricsAggregationIntervalSec, "METRICS_AGGREGATION_INTERVAL_SEC")
	envFloat(&p.ClusterQualityThreshold, "CLUSTER_QUALITY_THRESHOLD")
	envInt(&p.DriftDetectionWindowSec, "DRIFT_DETECTION_WINDOW_SEC")
	envInt(&p.ClusterRebuildIntervalSec, "CLUSTER_REBUILD_INTERVAL_SEC")

	envBool(&p.EnableConsumer, "ENABLE_CONSUMER")
	envBool(&p.EnableIssueAggregator, "ENABLE_ISSUE_AGGREGATOR")
	envBool(&p.EnableEnricher, "ENABLE_ENRICHER")
	envBool(&p.EnableClusterEnricher, "ENABLE_CLUSTER_ENRICHER")
	envBool(&p.EnableClusterMetrics, "ENABLE_CLUSTER_METRICS")
	envBool(&p.EnableFailurePrediction, "ENABLE_FAILURE_PREDICTION")
	envBool(&p.EnablePerLineCandidates, "ENABLE_PER_LINE_CANDIDATES")

	envString(&cfg.Database.Host, "DB_HOST")
	envInt(&cfg.Database.Port, "DB_PORT")
	envString(&cfg.Database.User, "DB_USER")
	cfg.Database.Password = os.Getenv("DB_PASSWORD")
	envString(&cfg.Database.Name, "DB_NAME")
	envString(&cfg.Database.SSLMode, "DB_SSLMODE")
	envInt(&cfg.Database.MaxOpenConns, "DB_MAX_OPEN_CONNS")
	envInt(&cfg.Database.MaxIdleConns, "DB_MAX_IDLE_CONNS")

	envString(&cfg.HTTP.Port, "HTTP_PORT")

	envBool(&cfg.Automations.Enabled, "ENABLE_AUTOMATIONS")
	envString(&cfg.Automations.RulesPath, "AUTOMATION_RULES_PATH")
	if v, ok := os.LookupEnv("AUTOMATIONS_DRY_RUN"); ok {
		b := parseBool(v)
		cfg.Automations.DryRun = &b
	}

	envBool(&cfg.Producers.Enabled, "ENABLE_PRODUCERS")
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = parseBool(v)
	}
}

func parseBool(v string) bool {
	switch v {
	case "1", "t", "T", "true", "TRUE", "True", "yes", "on":
		return true
	}
	return false
}

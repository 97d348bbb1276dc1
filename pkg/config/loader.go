package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Load config.yaml from configDir (optional) with {{.VAR}} env expansion
//  3. Merge YAML values over defaults
//  4. Apply environment variable overrides for the well-known keys
//  5. Validate the result
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := DefaultConfig()
	cfg.configDir = configDir

	if err := loadYAMLFile(configDir, cfg); err != nil {
		return nil, NewLoadError("config.yaml", err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"redis", cfg.Redis.URL,
		"chroma", cfg.Chroma.URL,
		"llm_model", cfg.LLM.Model,
		"embedding_model", cfg.Embedding.Model)

	return cfg, nil
}

// loadYAMLFile merges config.yaml from configDir into cfg. A missing file is
// not an error; the defaults plus env overrides are a complete configuration.
func loadYAMLFile(configDir string, cfg *Config) error {
	path := filepath.Join(configDir, "config.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No config.yaml found, using defaults and environment", "path", path)
			return nil
		}
		return err
	}

	data = ExpandEnv(data)

	var fromFile Config
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	// Non-zero YAML values override defaults section by section.
	if err := mergo.Merge(cfg, &fromFile, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge config.yaml: %w", err)
	}

	return nil
}

// ExpandEnv substitutes {{.VAR}} references in raw config data with
// environment variable values. Unset variables expand to the empty string.
// On template parse or execution errors the original data is returned so the
// YAML parser can produce a clearer error message.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.Index(kv, "="); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}

// validate checks the merged configuration for values that would break the
// pipeline at runtime. Errors are collected so operators see all problems at
// once.
func validate(cfg *Config) error {
	var problems []string

	if cfg.Redis.URL == "" {
		problems = append(problems, "redis.url must not be empty")
	}
	if cfg.Chroma.URL == "" {
		problems = append(problems, "chroma.url must not be empty")
	}
	p := cfg.Pipeline
	if p.NearestProtoThreshold <= 0 {
		problems = append(problems, "pipeline.nearest_proto_threshold must be > 0")
	}
	if p.OnlineClusterDistanceThreshold <= 0 {
		problems = append(problems, "pipeline.online_cluster_distance_threshold must be > 0")
	}
	if p.ClusterDistanceThreshold <= 0 {
		problems = append(problems, "pipeline.cluster_distance_threshold must be > 0")
	}
	if p.ClusterMinSize < 1 {
		problems = append(problems, "pipeline.cluster_min_size must be >= 1")
	}
	if p.ClusterMinLogsForClassification < 1 {
		problems = append(problems, "pipeline.cluster_min_logs_for_classification must be >= 1")
	}
	if p.IssueInactivitySec < 1 {
		problems = append(problems, "pipeline.issue_inactivity_sec must be >= 1")
	}
	if p.AlertsTTLSec < 1 {
		problems = append(problems, "pipeline.alerts_ttl_sec must be >= 1")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		problems = append(problems, "llm.temperature must be within [0, 2]")
	}
	if cfg.HTTP.Port == "" {
		problems = append(problems, "http.port must not be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrValidationFailed, strings.Join(problems, "\n  - "))
	}
	return nil
}

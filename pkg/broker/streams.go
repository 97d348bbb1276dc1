package broker

import "fmt"

// Stream names shared by producers and consumers. These are wire contract:
// external tooling reads the same streams.
const (
	StreamLogs               = "logs"
	StreamIssuesCandidates   = "issues_candidates"
	StreamClustersCandidates = "clusters_candidates"
	StreamAlerts             = "alerts"
	StreamMetrics            = "metrics"
)

// Consumer group names. One member per group; the member names are fixed
// because redelivery tracking is per (group, consumer) pair.
const (
	GroupLogConsumers      = "log_consumers"
	GroupIssuesAggregator  = "issues_aggregator"
	GroupIssuesEnrichers   = "issues_enrichers"
	GroupClustersEnrichers = "clusters_enrichers"
	GroupAutomations       = "automations"
	GroupPredictors        = "predictors"
)

// Key prefixes and formats for broker-side state.
const (
	KeyClusterCountFmt   = "cluster:count:%s:%s"    // os, cluster_id
	KeyAlertFmt          = "alert:%s"               // alert stream id
	KeyAlertsPersisted   = "alerts:persisted"       // set of pinned alert ids
	KeyFeedbackCorrect   = "alerts:feedback:correct"
	KeyFeedbackIncorrect = "alerts:feedback:incorrect"
	KeyCooldownFmt       = "auto:cooldown:%s:%s" // rule_id, alert key
	KeyPredictFmt        = "predict:%s:%s"       // host, metric
)

// AlertKey is the mirror-hash key for an alert stream id.
func AlertKey(id string) string {
	return fmt.Sprintf(KeyAlertFmt, id)
}

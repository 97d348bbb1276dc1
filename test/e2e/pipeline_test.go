package e2e

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsift/logsift/pkg/automations"
	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/pipeline"
	"github.com/logsift/logsift/pkg/vector"
)

const sshdLineFmt = "Jun 14 15:16:%02d combo sshd(pam_unix)[19939]: check pass; user unknown"

// Raw syslog lines go in, a classified issue alert with a live mirror hash
// comes out.
func TestLogLinesBecomeClassifiedAlert(t *testing.T) {
	env := newEnv(t)

	consumer := pipeline.NewConsumer(env.rdb, env.store, env.names, nil, env.registry, env.metrics,
		pipeline.ConsumerOptions{NearestProtoThreshold: 0.35})
	aggregator := pipeline.NewAggregator(env.rdb, env.store, env.names, env.online, env.registry, env.metrics,
		pipeline.AggregatorOptions{
			Inactivity:               200 * time.Millisecond,
			MaxLogsForLLM:            10,
			MinLogsForClassification: 100,
		})
	enricher := pipeline.NewEnricher(env.rdb, env.store, env.names, env.llm, env.tracker, env.metrics, time.Hour)
	env.start(consumer, aggregator, enricher)

	for i := 1; i <= 3; i++ {
		env.appendLog("filetail:Linux.log", fmt.Sprintf(sshdLineFmt, i))
	}

	var alert *broker.Message
	require.Eventually(t, func() bool {
		alert = env.findAlert("issue")
		return alert != nil
	}, 10*time.Second, 50*time.Millisecond, "no issue alert published")

	assert.Equal(t, "linux", alert.Values["os"])
	assert.Equal(t, "linux|sshd(pam_unix)|19939", alert.Values["issue_key"])
	assert.Equal(t, "disk", alert.Values["failure_type"])
	assert.Equal(t, "true", alert.Values["is_hardware_failure"])
	assert.Equal(t, "0.9", alert.Values["confidence"])

	n, err := env.rdb.Exists(context.Background(), broker.AlertKey(alert.ID)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "alert mirror hash missing")

	// The consumer indexed the lines into the linux log collection.
	logs, err := env.store.Collection(context.Background(), env.names.Logs("linux"))
	require.NoError(t, err)
	count, err := logs.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

// Repeating one shape of line promotes its online cluster exactly once, and
// the cluster enricher writes the model's label back onto the prototype.
func TestClusterPromotionLabelsPrototype(t *testing.T) {
	env := newEnv(t)

	aggregator := pipeline.NewAggregator(env.rdb, env.store, env.names, env.online, env.registry, env.metrics,
		pipeline.AggregatorOptions{
			Inactivity:               time.Hour,
			MaxLogsForLLM:            10,
			MinLogsForClassification: 3,
		})
	clusterEnricher := pipeline.NewClusterEnricher(env.rdb, env.store, env.names, env.llm, env.tracker, env.metrics, time.Hour)
	env.start(aggregator, clusterEnricher)

	for i := 1; i <= 5; i++ {
		env.appendLog("filetail:Linux.log", fmt.Sprintf(sshdLineFmt, i))
	}

	require.Eventually(t, func() bool {
		return env.findAlert("cluster") != nil
	}, 10*time.Second, 50*time.Millisecond, "no cluster alert published")

	assert.Len(t, env.entries(broker.StreamClustersCandidates), 1,
		"promotion must fire exactly once")

	protos, err := env.store.Collection(context.Background(), env.names.Protos("linux"))
	require.NoError(t, err)
	res, err := protos.Get(context.Background(), vector.GetOptions{})
	require.NoError(t, err)
	require.Len(t, res.IDs, 1)
	assert.Equal(t, "sda io errors", res.Metadatas[0]["label"])
	assert.Equal(t, "llm_cluster", res.Metadatas[0]["rationale"])
}

// A matching remediation rule fires once per cooldown window on the alert the
// enricher produced.
func TestAlertTriggersAutomation(t *testing.T) {
	env := newEnv(t)

	ruleStore, err := automations.NewRuleStore(filepath.Join(t.TempDir(), "rules.yaml"))
	require.NoError(t, err)
	require.NoError(t, ruleStore.Put(automations.Rule{
		ID:    "disk-remediate",
		Match: automations.Match{FailureType: "disk", MinConfidence: 0.5},
		Action: automations.Action{
			Provider: "recorder",
			Params:   map[string]any{"issue": "{{ alert.issue_key }}"},
		},
		Cooldown: "15m",
	}))
	recorder := &recordingProvider{name: "recorder"}
	engine := automations.NewEngine(env.rdb, ruleStore, []automations.Provider{recorder}, env.metrics, false)

	consumer := pipeline.NewConsumer(env.rdb, env.store, env.names, nil, env.registry, env.metrics,
		pipeline.ConsumerOptions{NearestProtoThreshold: 0.35})
	aggregator := pipeline.NewAggregator(env.rdb, env.store, env.names, env.online, env.registry, env.metrics,
		pipeline.AggregatorOptions{
			Inactivity:               200 * time.Millisecond,
			MaxLogsForLLM:            10,
			MinLogsForClassification: 100,
		})
	enricher := pipeline.NewEnricher(env.rdb, env.store, env.names, env.llm, env.tracker, env.metrics, time.Hour)
	env.start(consumer, aggregator, enricher, engine)

	for i := 1; i <= 3; i++ {
		env.appendLog("filetail:Linux.log", fmt.Sprintf(sshdLineFmt, i))
	}

	require.Eventually(t, func() bool {
		return len(recorder.triggers()) >= 1
	}, 10*time.Second, 50*time.Millisecond, "automation never fired")

	triggers := recorder.triggers()
	require.Len(t, triggers, 1)
	assert.Equal(t, "linux|sshd(pam_unix)|19939", triggers[0]["issue"])

	status := engine.Status()
	assert.Equal(t, int64(1), status.TotalTriggered)
}

// A Telegraf metric spike travels logs stream -> normalizer -> metrics
// stream -> predictor, raising a prediction alert.
func TestMetricSpikeRaisesPrediction(t *testing.T) {
	env := newEnv(t)

	consumer := pipeline.NewConsumer(env.rdb, env.store, env.names, nil, env.registry, env.metrics,
		pipeline.ConsumerOptions{NearestProtoThreshold: 0.35})
	predictor := pipeline.NewPredictor(env.rdb, env.metrics)
	env.start(consumer, predictor)

	baseline := []string{"60.0", "60.2", "59.8", "60.1", "59.9", "60.3", "59.7", "60.0", "60.2"}
	for _, v := range append(baseline, "95.0") {
		env.appendLog("telegraf:node7",
			fmt.Sprintf(`{"name":"cpu_temperature","tags":{"host":"node7"},"fields":{"value":%s}}`, v))
	}

	var alert *broker.Message
	require.Eventually(t, func() bool {
		alert = env.findAlert("prediction")
		return alert != nil
	}, 10*time.Second, 50*time.Millisecond, "no prediction alert published")

	assert.Equal(t, "node7", alert.Values["host"])
	assert.Equal(t, "system.cpu.temperature", alert.Values["metric"])
	assert.Equal(t, "high", alert.Values["severity"])

	key := fmt.Sprintf(broker.KeyPredictFmt, "node7", "system.cpu.temperature")
	n, err := env.rdb.Exists(context.Background(), key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

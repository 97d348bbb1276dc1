package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/rules"
	"github.com/logsift/logsift/pkg/vector"
)

// RebuildOptions tunes a batch prototype rebuild.
type RebuildOptions struct {
	// Threshold is the single-pass join distance (CLUSTER_DISTANCE_THRESHOLD).
	Threshold float64
	// MinSize drops clusters with fewer members.
	MinSize int
	// SampleLogs additionally mixes up to this many indexed log lines into the
	// clustered corpus. Zero rebuilds from templates only.
	SampleLogs int
	// Exemplars caps the sample documents stored per prototype.
	Exemplars int
}

// RebuildResult reports one completed rebuild.
type RebuildResult struct {
	OS          string       `json:"os"`
	NumPoints   int          `json:"num_points"`
	NumClusters int          `json:"num_clusters"`
	Metrics     BatchMetrics `json:"metrics"`
}

// Rebuilder re-seeds per-OS prototypes from the indexed corpus with the
// single-pass batch clusterer.
type Rebuilder struct {
	store   vector.Store
	names   vector.Names
	rdb     *broker.Client
	tracker *Tracker
	opts    RebuildOptions
}

// NewRebuilder builds a rebuilder. tracker may be nil.
func NewRebuilder(store vector.Store, names vector.Names, rdb *broker.Client, tracker *Tracker, opts RebuildOptions) *Rebuilder {
	if opts.Exemplars <= 0 {
		opts.Exemplars = 3
	}
	return &Rebuilder{store: store, names: names, rdb: rdb, tracker: tracker, opts: opts}
}

// RebuildOS clusters the OS corpus and replaces the prototype collection
// contents with the resulting clusters. Candidate counters for the OS are
// cleared so re-seeded clusters re-earn their classification.
func (r *Rebuilder) RebuildOS(ctx context.Context, os string) (*RebuildResult, error) {
	os = vector.NormalizeOS(os)

	docs, embeddings, err := r.loadCorpus(ctx, os)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no indexed documents for %s", os)
	}

	clusters := SinglePass(embeddings, SinglePassOptions{
		Threshold: r.opts.Threshold,
		MinSize:   r.opts.MinSize,
	})

	normalized := make([][]float64, len(embeddings))
	for i, e := range embeddings {
		normalized[i] = Normalize(e)
	}

	ids := make([]string, 0, len(clusters))
	protoDocs := make([]string, 0, len(clusters))
	protoEmbeddings := make([][]float64, 0, len(clusters))
	metadatas := make([]map[string]any, 0, len(clusters))
	memberSets := make([][]int, 0, len(clusters))
	sizes := make([]float64, 0, len(clusters))

	now := time.Now().UTC().Format(time.RFC3339)
	for i, c := range clusters {
		memberDocs := make([]string, len(c.Members))
		for j, m := range c.Members {
			memberDocs[j] = docs[m]
		}
		label, labelSource := rules.MajorityLabel(memberDocs)

		medoid := MedoidIndex(c.Members, normalized, c.Centroid)
		exemplars := memberDocs
		if len(exemplars) > r.opts.Exemplars {
			exemplars = exemplars[:r.opts.Exemplars]
		}
		exemplarsJSON, _ := json.Marshal(exemplars)

		ids = append(ids, fmt.Sprintf("cluster_%d", i))
		protoDocs = append(protoDocs, docs[medoid])
		protoEmbeddings = append(protoEmbeddings, c.Centroid)
		metadatas = append(metadatas, map[string]any{
			"os":           os,
			"label":        label,
			"label_source": labelSource,
			"rationale":    "batch",
			"size":         len(c.Members),
			"exemplars":    string(exemplarsJSON),
			"created_by":   "batch",
			"created_at":   now,
		})
		memberSets = append(memberSets, c.Members)
		sizes = append(sizes, float64(len(c.Members)))
	}

	protos, err := r.store.Collection(ctx, r.names.Protos(os))
	if err != nil {
		return nil, fmt.Errorf("open proto collection for %s: %w", os, err)
	}
	if len(ids) > 0 {
		if err := protos.Upsert(ctx, ids, protoDocs, protoEmbeddings, metadatas); err != nil {
			return nil, fmt.Errorf("upsert prototypes for %s: %w", os, err)
		}
	}

	if err := r.clearCandidateCounters(ctx, os); err != nil {
		slog.Warn("Failed to clear candidate counters after rebuild", "os", os, "error", err)
	}

	metrics := BatchMetrics{
		OS:          os,
		NumClusters: len(clusters),
		NumPoints:   len(docs),
		Silhouette:  Silhouette(memberSets, normalized),
		Cohesion:    Cohesion(memberSets, normalized),
		Separation:  Separation(memberSets, normalized),
		Sizes:       ComputeStats(sizes),
	}
	if r.tracker != nil {
		if err := r.tracker.RecordBatch(ctx, metrics); err != nil {
			slog.Warn("Failed to record batch metrics", "os", os, "error", err)
		}
	}

	slog.Info("Rebuilt prototype clusters",
		"os", os,
		"points", len(docs),
		"clusters", len(clusters),
		"silhouette", metrics.Silhouette)
	return &RebuildResult{OS: os, NumPoints: len(docs), NumClusters: len(clusters), Metrics: metrics}, nil
}

// loadCorpus returns documents and embeddings for clustering: all templates
// plus an optional sample of indexed logs.
func (r *Rebuilder) loadCorpus(ctx context.Context, os string) ([]string, [][]float64, error) {
	templates, err := r.store.Collection(ctx, r.names.Templates(os))
	if err != nil {
		return nil, nil, fmt.Errorf("open template collection for %s: %w", os, err)
	}
	res, err := templates.Get(ctx, vector.GetOptions{IncludeEmbeddings: true})
	if err != nil {
		return nil, nil, fmt.Errorf("load templates for %s: %w", os, err)
	}

	docs := append([]string(nil), res.Documents...)
	embeddings := append([][]float64(nil), res.Embeddings...)

	if r.opts.SampleLogs > 0 {
		logs, err := r.store.Collection(ctx, r.names.Logs(os))
		if err != nil {
			return nil, nil, fmt.Errorf("open log collection for %s: %w", os, err)
		}
		sample, err := logs.Get(ctx, vector.GetOptions{Limit: r.opts.SampleLogs, IncludeEmbeddings: true})
		if err != nil {
			return nil, nil, fmt.Errorf("sample logs for %s: %w", os, err)
		}
		docs = append(docs, sample.Documents...)
		embeddings = append(embeddings, sample.Embeddings...)
	}

	// Rows without stored embeddings cannot be clustered.
	keptDocs := docs[:0]
	keptEmb := embeddings[:0]
	for i := range docs {
		if i < len(embeddings) && len(embeddings[i]) > 0 {
			keptDocs = append(keptDocs, docs[i])
			keptEmb = append(keptEmb, embeddings[i])
		}
	}
	return keptDocs, keptEmb, nil
}

func (r *Rebuilder) clearCandidateCounters(ctx context.Context, os string) error {
	pattern := fmt.Sprintf(broker.KeyClusterCountFmt, os, "*")
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

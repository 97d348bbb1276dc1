package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/logsift/logsift/pkg/embedding"
	"github.com/logsift/logsift/pkg/vector"
)

// Assignment is the outcome of one online clustering decision.
type Assignment struct {
	ClusterID string
	Distance  float64
	IsNew     bool
}

// Online assigns incoming log texts to prototype clusters: reuse the nearest
// prototype within the distance threshold, otherwise mint a new provisional
// one. Prototypes live in the per-OS proto collections; newly minted ones
// start with label "unknown" until the cluster enricher classifies them.
type Online struct {
	store    vector.Store
	names    vector.Names
	embedder embedding.Provider
	tracker  *Tracker

	threshold     float64
	embeddingMode string
}

// NewOnline builds the online clusterer. tracker may be nil.
func NewOnline(store vector.Store, names vector.Names, embedder embedding.Provider, tracker *Tracker, threshold float64, embeddingMode string) *Online {
	return &Online{
		store:         store,
		names:         names,
		embedder:      embedder,
		tracker:       tracker,
		threshold:     threshold,
		embeddingMode: embeddingMode,
	}
}

// Assign returns the cluster id for text, creating a new prototype when no
// existing one is within the threshold.
func (o *Online) Assign(ctx context.Context, os, text string) (Assignment, error) {
	os = vector.NormalizeOS(os)
	protos, err := o.store.Collection(ctx, o.names.Protos(os))
	if err != nil {
		return Assignment{}, fmt.Errorf("open proto collection for %s: %w", os, err)
	}

	id, dist, found, err := o.nearest(ctx, protos, text)
	if err != nil {
		return Assignment{}, err
	}

	if found && dist <= o.threshold {
		a := Assignment{ClusterID: id, Distance: dist}
		if o.tracker != nil {
			o.tracker.RecordAssignment(ctx, os, dist, false)
		}
		return a, nil
	}

	newID := NewClusterID()
	metadata := map[string]any{
		"os":             os,
		"label":          "unknown",
		"rationale":      "online",
		"size":           1,
		"exemplars":      "[]",
		"created_by":     "online",
		"embedding_mode": o.embeddingMode,
		"created_at":     time.Now().UTC().Format(time.RFC3339),
	}
	if err := protos.Upsert(ctx, []string{newID}, []string{text}, nil, []map[string]any{metadata}); err != nil {
		return Assignment{}, fmt.Errorf("insert prototype %s: %w", newID, err)
	}

	slog.Debug("Minted new prototype cluster", "os", os, "cluster_id", newID, "nearest_distance", dist)
	if o.tracker != nil {
		o.tracker.RecordAssignment(ctx, os, dist, true)
	}
	return Assignment{ClusterID: newID, Distance: dist, IsNew: true}, nil
}

// nearest returns the 1-NN prototype for text. found is false when the
// collection is empty or the back end yields no usable distance.
func (o *Online) nearest(ctx context.Context, protos vector.Collection, text string) (id string, dist float64, found bool, err error) {
	count, err := protos.Count(ctx)
	if err != nil {
		return "", 0, false, fmt.Errorf("count prototypes: %w", err)
	}
	if count == 0 {
		return "", 0, false, nil
	}

	res, err := protos.Query(ctx, vector.QueryOptions{Texts: []string{text}, N: 1})
	if err != nil {
		if vector.IsEmptyIndexError(err) {
			return "", 0, false, nil
		}
		return "", 0, false, fmt.Errorf("query prototypes: %w", err)
	}

	id, dist, found = firstHit(res)
	if found {
		return id, dist, true, nil
	}

	// Some back ends return hits without distances; re-embed explicitly and
	// query by vector instead.
	embs, err := o.embedder.Embed(ctx, []string{text})
	if err != nil {
		return "", 0, false, fmt.Errorf("re-embed for prototype query: %w", err)
	}
	res, err = protos.Query(ctx, vector.QueryOptions{Embeddings: embs, N: 1})
	if err != nil {
		if vector.IsEmptyIndexError(err) {
			return "", 0, false, nil
		}
		return "", 0, false, fmt.Errorf("query prototypes by embedding: %w", err)
	}
	id, dist, found = firstHit(res)
	return id, dist, found, nil
}

// firstHit extracts the nearest neighbor of the first query, dropping hits
// with non-finite distances.
func firstHit(res *vector.QueryResult) (string, float64, bool) {
	if res == nil || len(res.IDs) == 0 || len(res.IDs[0]) == 0 {
		return "", 0, false
	}
	if len(res.Distances) == 0 || len(res.Distances[0]) == 0 {
		return "", 0, false
	}
	d := res.Distances[0][0]
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return "", 0, false
	}
	return res.IDs[0][0], d, true
}

// NewClusterID mints a prototype id of the form cluster_<hex12>.
func NewClusterID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "cluster_" + hex[:12]
}

// Package correlate finds cross-source structure in the indexed corpus:
// global clusters spanning OS collections (single-pass over logs or HDBSCAN
// over prototypes), a graph projection for visualization, and key-based
// grouping over structured network events.
package correlate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/logsift/logsift/pkg/cluster"
	"github.com/logsift/logsift/pkg/vector"
)

// correlationOSes is the fixed OS fan-out for global clustering.
var correlationOSes = []string{"linux", "macos", "windows", "network"}

const logFetchLimit = 2000

// SampleLog is one member log included in a cluster payload.
type SampleLog struct {
	ID       string `json:"id"`
	Document string `json:"document"`
	OS       string `json:"os"`
	Source   string `json:"source"`
	Raw      string `json:"raw"`
}

// GlobalCluster is one cross-source cluster.
type GlobalCluster struct {
	ID              string         `json:"id"`
	Size            int            `json:"size"`
	Centroid        []float64      `json:"centroid"`
	MedoidDocument  string         `json:"medoid_document"`
	SourceBreakdown map[string]int `json:"source_breakdown"`
	OSBreakdown     map[string]int `json:"os_breakdown"`
	SampleLogs      []SampleLog    `json:"sample_logs"`
}

// Result is a correlation response: the clusters plus the parameters that
// produced them.
type Result struct {
	Params   map[string]any  `json:"params"`
	Clusters []GlobalCluster `json:"clusters"`
}

// GlobalOptions tunes single-pass correlation over logs.
type GlobalOptions struct {
	LimitPerSource        int
	Threshold             float64
	MinSize               int
	IncludeLogsPerCluster int
}

// HDBSCANOptions tunes density-based correlation over prototypes.
type HDBSCANOptions struct {
	MinClusterSize        int
	MinSamples            int
	IncludeLogsPerCluster int
}

// Correlator runs cross-source clustering against the vector store.
type Correlator struct {
	store vector.Store
	names vector.Names

	defaultThreshold float64
	defaultMinSize   int
}

// New builds a correlator. defaultThreshold and defaultMinSize are the batch
// clustering defaults applied when a request does not override them.
func New(store vector.Store, names vector.Names, defaultThreshold float64, defaultMinSize int) *Correlator {
	return &Correlator{
		store:            store,
		names:            names,
		defaultThreshold: defaultThreshold,
		defaultMinSize:   defaultMinSize,
	}
}

type corpusRow struct {
	id        string
	document  string
	embedding []float64
	metadata  map[string]any
	os        string
}

// GlobalLogClusters clusters sampled logs from every OS collection with the
// single-pass algorithm, capping the sample per distinct source.
func (c *Correlator) GlobalLogClusters(ctx context.Context, opts GlobalOptions) (*Result, error) {
	opts = c.fillLogDefaults(opts)
	params := map[string]any{
		"threshold":                opts.Threshold,
		"min_size":                 opts.MinSize,
		"limit_per_source":         opts.LimitPerSource,
		"include_logs_per_cluster": opts.IncludeLogsPerCluster,
	}

	var rows []corpusRow
	for _, os := range correlationOSes {
		osRows, err := c.loadRows(ctx, c.names.Logs(os), os, logFetchLimit)
		if err != nil {
			slog.Info("Correlation skipping unreadable log collection", "os", os, "error", err)
			continue
		}

		bySource := make(map[string][]corpusRow)
		var order []string
		for _, r := range osRows {
			src, _ := r.metadata["source"].(string)
			if _, seen := bySource[src]; !seen {
				order = append(order, src)
			}
			bySource[src] = append(bySource[src], r)
		}
		for _, src := range order {
			take := bySource[src]
			if len(take) > opts.LimitPerSource {
				take = take[:opts.LimitPerSource]
			}
			rows = append(rows, take...)
		}
	}
	if len(rows) == 0 {
		return &Result{Params: params, Clusters: []GlobalCluster{}}, nil
	}

	embeddings := make([][]float64, len(rows))
	for i, r := range rows {
		embeddings[i] = r.embedding
	}
	batch := cluster.SinglePass(embeddings, cluster.SinglePassOptions{
		Threshold: opts.Threshold,
		MinSize:   opts.MinSize,
	})

	normalized := make([][]float64, len(embeddings))
	for i, e := range embeddings {
		normalized[i] = cluster.Normalize(e)
	}

	out := make([]GlobalCluster, 0, len(batch))
	for ci, bc := range batch {
		medoid := cluster.MedoidIndex(bc.Members, normalized, bc.Centroid)

		gc := GlobalCluster{
			ID:              fmt.Sprintf("gcluster_%d", ci),
			Size:            len(bc.Members),
			Centroid:        bc.Centroid,
			MedoidDocument:  rows[medoid].document,
			SourceBreakdown: make(map[string]int),
			OSBreakdown:     make(map[string]int),
			SampleLogs:      []SampleLog{},
		}
		for _, gi := range bc.Members {
			src, _ := rows[gi].metadata["source"].(string)
			gc.SourceBreakdown[src]++
			gc.OSBreakdown[rows[gi].os]++
		}
		for _, gi := range bc.Members {
			if len(gc.SampleLogs) >= opts.IncludeLogsPerCluster {
				break
			}
			gc.SampleLogs = append(gc.SampleLogs, rowSample(rows[gi]))
		}
		out = append(out, gc)
	}
	return &Result{Params: params, Clusters: out}, nil
}

// PrototypeClustersHDBSCAN clusters all prototypes across OSes with HDBSCAN
// and fills breakdowns by sampling logs assigned to the member prototypes.
func (c *Correlator) PrototypeClustersHDBSCAN(ctx context.Context, opts HDBSCANOptions) (*Result, error) {
	if opts.MinClusterSize < 2 {
		opts.MinClusterSize = 5
	}
	if opts.MinSamples < 1 {
		opts.MinSamples = opts.MinClusterSize
	}
	if opts.IncludeLogsPerCluster <= 0 {
		opts.IncludeLogsPerCluster = 20
	}
	params := map[string]any{
		"algorithm":                "hdbscan",
		"basis":                    "prototypes",
		"min_cluster_size":         opts.MinClusterSize,
		"min_samples":              opts.MinSamples,
		"include_logs_per_cluster": opts.IncludeLogsPerCluster,
	}

	var protos []corpusRow
	for _, os := range correlationOSes {
		rows, err := c.loadRows(ctx, c.names.Protos(os), os, 0)
		if err != nil {
			slog.Info("Correlation skipping unreadable proto collection", "os", os, "error", err)
			continue
		}
		protos = append(protos, rows...)
	}
	if len(protos) == 0 {
		return &Result{Params: params, Clusters: []GlobalCluster{}}, nil
	}

	normalized := make([][]float64, len(protos))
	for i, r := range protos {
		normalized[i] = cluster.Normalize(r.embedding)
	}
	labels := HDBSCAN(normalized, opts.MinClusterSize, opts.MinSamples)

	members := make(map[int][]int)
	var order []int
	for i, lab := range labels {
		if lab < 0 {
			continue
		}
		if _, seen := members[lab]; !seen {
			order = append(order, lab)
		}
		members[lab] = append(members[lab], i)
	}

	out := make([]GlobalCluster, 0, len(order))
	for _, lab := range order {
		idx := members[lab]
		vecs := make([][]float64, len(idx))
		for i, gi := range idx {
			vecs[i] = normalized[gi]
		}
		centroid := cluster.MeanCentroid(vecs)
		medoid := cluster.MedoidIndex(idx, normalized, centroid)

		gc := GlobalCluster{
			ID:              fmt.Sprintf("gcluster_%d", lab),
			Size:            len(idx),
			Centroid:        centroid,
			MedoidDocument:  protos[medoid].document,
			SourceBreakdown: make(map[string]int),
			OSBreakdown:     make(map[string]int),
			SampleLogs:      []SampleLog{},
		}
		c.fillFromAssignedLogs(ctx, &gc, protos, idx, opts.IncludeLogsPerCluster)
		out = append(out, gc)
	}
	return &Result{Params: params, Clusters: out}, nil
}

// GlobalWithFallback prefers HDBSCAN over prototypes and falls back to
// single-pass over logs when no prototype clusters form, relaxing the minimum
// size so sparse corpora still yield structure.
func (c *Correlator) GlobalWithFallback(ctx context.Context, hOpts HDBSCANOptions, gOpts GlobalOptions) (*Result, error) {
	res, err := c.PrototypeClustersHDBSCAN(ctx, hOpts)
	if err != nil {
		return nil, err
	}
	if len(res.Clusters) > 0 {
		return res, nil
	}

	if gOpts.MinSize <= 0 {
		gOpts.MinSize = max(2, c.defaultMinSize/2)
	}
	fallback, err := c.GlobalLogClusters(ctx, gOpts)
	if err != nil {
		return nil, err
	}
	fallback.Params["basis"] = "logs"
	fallback.Params["algorithm"] = "single_pass"
	return fallback, nil
}

// fillFromAssignedLogs samples logs whose cluster_id points at the member
// prototypes, round-robin with a per-prototype cap.
func (c *Correlator) fillFromAssignedLogs(ctx context.Context, gc *GlobalCluster, protos []corpusRow, idx []int, limit int) {
	perProto := limit / len(idx)
	if perProto < 1 {
		perProto = 1
	}
	for _, gi := range idx {
		if len(gc.SampleLogs) >= limit {
			return
		}
		proto := protos[gi]
		logs, err := c.store.Collection(ctx, c.names.Logs(proto.os))
		if err != nil {
			continue
		}
		res, err := logs.Get(ctx, vector.GetOptions{
			Where: map[string]any{"cluster_id": proto.id},
			Limit: perProto,
		})
		if err != nil {
			slog.Info("Correlation log sample failed", "os", proto.os, "proto", proto.id, "error", err)
			continue
		}
		for j := range res.IDs {
			if len(gc.SampleLogs) >= limit {
				return
			}
			md := metadataAt(res.Metadatas, j)
			src, _ := md["source"].(string)
			osName, _ := md["os"].(string)
			if osName == "" {
				osName = proto.os
			}
			raw, _ := md["raw"].(string)
			gc.SourceBreakdown[src]++
			gc.OSBreakdown[osName]++
			gc.SampleLogs = append(gc.SampleLogs, SampleLog{
				ID:       res.IDs[j],
				Document: documentAt(res.Documents, j),
				OS:       osName,
				Source:   src,
				Raw:      raw,
			})
		}
	}
}

func (c *Correlator) loadRows(ctx context.Context, collection, os string, limit int) ([]corpusRow, error) {
	coll, err := c.store.Collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	res, err := coll.Get(ctx, vector.GetOptions{Limit: limit, IncludeEmbeddings: true})
	if err != nil {
		return nil, err
	}

	rows := make([]corpusRow, 0, len(res.IDs))
	for i := range res.IDs {
		if i >= len(res.Embeddings) || len(res.Embeddings[i]) == 0 {
			continue
		}
		md := metadataAt(res.Metadatas, i)
		rowOS := os
		if v, ok := md["os"].(string); ok && v != "" {
			rowOS = v
		}
		rows = append(rows, corpusRow{
			id:        res.IDs[i],
			document:  documentAt(res.Documents, i),
			embedding: res.Embeddings[i],
			metadata:  md,
			os:        rowOS,
		})
	}
	return rows, nil
}

func (c *Correlator) fillLogDefaults(opts GlobalOptions) GlobalOptions {
	if opts.LimitPerSource <= 0 {
		opts.LimitPerSource = 200
	}
	if opts.Threshold <= 0 {
		opts.Threshold = c.defaultThreshold
	}
	if opts.MinSize <= 0 {
		opts.MinSize = c.defaultMinSize
	}
	if opts.IncludeLogsPerCluster <= 0 {
		opts.IncludeLogsPerCluster = 20
	}
	return opts
}

func rowSample(r corpusRow) SampleLog {
	raw, _ := r.metadata["raw"].(string)
	src, _ := r.metadata["source"].(string)
	return SampleLog{ID: r.id, Document: r.document, OS: r.os, Source: src, Raw: raw}
}

func metadataAt(metadatas []map[string]any, i int) map[string]any {
	if i < len(metadatas) && metadatas[i] != nil {
		return metadatas[i]
	}
	return map[string]any{}
}

func documentAt(documents []string, i int) string {
	if i < len(documents) {
		return documents[i]
	}
	return ""
}

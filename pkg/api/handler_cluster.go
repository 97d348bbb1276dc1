package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/logsift/logsift/pkg/cluster"
	"github.com/logsift/logsift/pkg/vector"
)

var clusterOSes = []string{"linux", "macos", "windows"}

func requestOS(c *gin.Context) []string {
	if os := vector.NormalizeOS(c.Query("os")); os != "unknown" && c.Query("os") != "" {
		return []string{os}
	}
	return clusterOSes
}

// ClusterHealth answers the latest batch metrics and online assignment
// summary per OS, with a pass/degraded verdict against the quality
// threshold.
func (s *Server) ClusterHealth(c *gin.Context) {
	if s.tracker == nil {
		unavailable(c, "cluster tracking")
		return
	}
	ctx := c.Request.Context()

	perOS := gin.H{}
	for _, os := range requestOS(c) {
		entry := gin.H{}
		if latest, err := s.tracker.LatestBatch(ctx, os); err == nil && latest != nil {
			entry["batch"] = latest
			if s.opts.QualityThreshold > 0 {
				entry["healthy"] = latest.Silhouette >= s.opts.QualityThreshold
			}
		}
		if online, err := s.tracker.OnlineSummary(ctx, os, 24); err == nil && online != nil {
			entry["online"] = online
		}
		perOS[os] = entry
	}
	c.JSON(http.StatusOK, perOS)
}

// qualityAssessment buckets a silhouette score and names a follow-up.
func qualityAssessment(silhouette float64) (string, string) {
	switch {
	case silhouette >= 0.5:
		return "good", "no action needed"
	case silhouette >= 0.3:
		return "fair", "consider a rebuild if the score keeps falling"
	case silhouette >= 0.1:
		return "poor", "rebuild clusters or lower the distance threshold"
	default:
		return "critical", "rebuild clusters; current prototypes do not separate the data"
	}
}

// ClusterQuality answers the latest batch quality per OS with an assessment
// and recommendation.
func (s *Server) ClusterQuality(c *gin.Context) {
	if s.tracker == nil {
		unavailable(c, "cluster tracking")
		return
	}
	ctx := c.Request.Context()

	perOS := gin.H{}
	for _, os := range requestOS(c) {
		latest, err := s.tracker.LatestBatch(ctx, os)
		if err != nil || latest == nil {
			perOS[os] = gin.H{"assessment": "unknown", "recommendation": "run a batch rebuild to establish a baseline"}
			continue
		}
		assessment, recommendation := qualityAssessment(latest.Silhouette)
		perOS[os] = gin.H{
			"silhouette_score": latest.Silhouette,
			"cohesion":         latest.Cohesion,
			"separation":       latest.Separation,
			"num_clusters":     latest.NumClusters,
			"num_points":       latest.NumPoints,
			"assessment":       assessment,
			"recommendation":   recommendation,
		}
	}
	c.JSON(http.StatusOK, perOS)
}

// ClusterCompute runs an on-demand single-pass quality probe over the
// current template embeddings without touching stored prototypes.
func (s *Server) ClusterCompute(c *gin.Context) {
	if s.store == nil {
		unavailable(c, "vector store")
		return
	}
	ctx := c.Request.Context()
	threshold := queryFloat(c, "threshold", 0.3)
	minSize := queryInt(c, "min_size", 2)

	perOS := gin.H{}
	for _, os := range requestOS(c) {
		collection, err := s.store.Collection(ctx, s.names.Templates(os))
		if err != nil {
			perOS[os] = gin.H{"error": err.Error()}
			continue
		}
		res, err := collection.Get(ctx, vector.GetOptions{IncludeEmbeddings: true})
		if err != nil {
			perOS[os] = gin.H{"error": err.Error()}
			continue
		}
		if len(res.Embeddings) == 0 {
			perOS[os] = gin.H{"num_points": 0, "num_clusters": 0}
			continue
		}

		clusters := cluster.SinglePass(res.Embeddings, cluster.SinglePassOptions{
			Threshold: threshold,
			MinSize:   minSize,
		})
		memberSets := make([][]int, len(clusters))
		sizes := make([]float64, len(clusters))
		for i, cl := range clusters {
			memberSets[i] = cl.Members
			sizes[i] = float64(len(cl.Members))
		}
		perOS[os] = gin.H{
			"num_points":       len(res.Embeddings),
			"num_clusters":     len(clusters),
			"silhouette_score": cluster.Silhouette(memberSets, res.Embeddings),
			"cohesion":         cluster.Cohesion(memberSets, res.Embeddings),
			"separation":       cluster.Separation(memberSets, res.Embeddings),
			"cluster_sizes":    cluster.ComputeStats(sizes),
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"params":  gin.H{"threshold": threshold, "min_size": minSize},
		"results": perOS,
	})
}

// ClusterLLMUsage summarizes chat usage over the requested window.
func (s *Server) ClusterLLMUsage(c *gin.Context) {
	if s.tracker == nil {
		unavailable(c, "cluster tracking")
		return
	}
	hours := queryInt(c, "hours", 24)
	summary, err := s.tracker.LLMSummary(c.Request.Context(), hours)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ClusterDrift reports new-cluster drift signals per OS: a spike when the
// most recent hour's rate exceeds twice the window mean, and sustained drift
// when the whole window's rate exceeds 10%.
func (s *Server) ClusterDrift(c *gin.Context) {
	if s.tracker == nil {
		unavailable(c, "cluster tracking")
		return
	}
	ctx := c.Request.Context()
	hours := queryInt(c, "hours", 6)

	perOS := gin.H{}
	for _, os := range requestOS(c) {
		window, err := s.tracker.OnlineWindow(ctx, os, hours)
		if err != nil || len(window) == 0 {
			perOS[os] = gin.H{"spike": false, "sustained": false, "hours_covered": 0}
			continue
		}

		var totalAssignments, totalNew int64
		rates := make([]float64, 0, len(window))
		for _, h := range window {
			totalAssignments += h.Assignments
			totalNew += h.NewClusters
			if h.Assignments > 0 {
				rates = append(rates, float64(h.NewClusters)/float64(h.Assignments))
			}
		}

		var overall, recent, mean float64
		if totalAssignments > 0 {
			overall = float64(totalNew) / float64(totalAssignments)
		}
		if len(rates) > 0 {
			recent = rates[len(rates)-1]
			for _, r := range rates {
				mean += r
			}
			mean /= float64(len(rates))
		}

		perOS[os] = gin.H{
			"spike":          len(rates) >= 2 && mean > 0 && recent > 2*mean,
			"sustained":      overall > 0.10,
			"recent_rate":    recent,
			"mean_rate":      mean,
			"overall_rate":   overall,
			"hours_covered":  len(window),
			"assignments":    totalAssignments,
			"new_clusters":   totalNew,
		}
	}
	c.JSON(http.StatusOK, perOS)
}

// RebuildClusters reruns batch clustering for one OS, replacing its
// prototypes.
func (s *Server) RebuildClusters(c *gin.Context) {
	if s.rebuilder == nil {
		unavailable(c, "cluster rebuilder")
		return
	}
	os := vector.NormalizeOS(c.Param("os"))
	valid := false
	for _, known := range clusterOSes {
		if os == known {
			valid = true
			break
		}
	}
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown os " + c.Param("os")})
		return
	}

	started := time.Now()
	res, err := s.rebuilder.RebuildOS(c.Request.Context(), os)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"os":          res.OS,
		"num_points":  res.NumPoints,
		"num_clusters": res.NumClusters,
		"metrics":     res.Metrics,
		"duration_ms": time.Since(started).Milliseconds(),
	})
}

package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/logsift/logsift/pkg/correlate"
)

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func queryFloat(c *gin.Context, key string, def float64) float64 {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func (s *Server) correlationOptions(c *gin.Context) (correlate.HDBSCANOptions, correlate.GlobalOptions) {
	h := correlate.HDBSCANOptions{
		MinClusterSize:        queryInt(c, "min_cluster_size", 0),
		MinSamples:            queryInt(c, "min_samples", 0),
		IncludeLogsPerCluster: queryInt(c, "include_logs", 0),
	}
	g := correlate.GlobalOptions{
		LimitPerSource:        queryInt(c, "limit_per_source", 0),
		Threshold:             queryFloat(c, "threshold", 0),
		MinSize:               queryInt(c, "min_size", 0),
		IncludeLogsPerCluster: queryInt(c, "include_logs", 0),
	}
	return h, g
}

// CorrelationGlobal answers cross-source clusters, preferring prototype
// density clustering and falling back to a relaxed single-pass over raw logs
// when no prototype clusters form.
func (s *Server) CorrelationGlobal(c *gin.Context) {
	if s.correlator == nil {
		unavailable(c, "correlation")
		return
	}
	hOpts, gOpts := s.correlationOptions(c)
	res, err := s.correlator.GlobalWithFallback(c.Request.Context(), hOpts, gOpts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// CorrelationGraph projects the correlation result onto a node/edge graph.
func (s *Server) CorrelationGraph(c *gin.Context) {
	if s.correlator == nil {
		unavailable(c, "correlation")
		return
	}
	hOpts, gOpts := s.correlationOptions(c)
	res, err := s.correlator.GlobalWithFallback(c.Request.Context(), hOpts, gOpts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, correlate.BuildGraph(res))
}

// CorrelationKeys groups recent structured logs by shared key values
// (device_ip, interface, site, ...). keys= narrows the key set.
func (s *Server) CorrelationKeys(c *gin.Context) {
	if s.correlator == nil {
		unavailable(c, "correlation")
		return
	}
	var keys []string
	if raw := c.Query("keys"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	res, err := s.correlator.KeyCorrelation(c.Request.Context(), keys, queryInt(c, "limit", 0))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

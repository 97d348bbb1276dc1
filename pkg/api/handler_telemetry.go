package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/normalize"
)

const telemetryListLimit = 500

// TelemetryMetrics answers recent normalized metric points from the metrics
// stream, optionally filtered by vendor or metric name prefix.
func (s *Server) TelemetryMetrics(c *gin.Context) {
	ctx := c.Request.Context()
	vendor := strings.ToLower(c.Query("vendor"))
	namePrefix := c.Query("name")
	limit := queryInt(c, "limit", 100)
	if limit <= 0 || limit > telemetryListLimit {
		limit = 100
	}

	msgs, err := s.rdb.RevRange(ctx, broker.StreamMetrics, telemetryListLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	points := make([]gin.H, 0, limit)
	for _, msg := range msgs {
		if len(points) >= limit {
			break
		}
		if namePrefix != "" && !strings.HasPrefix(msg.Values["name"], namePrefix) {
			continue
		}
		var resource normalize.Resource
		if raw := msg.Values["resource"]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &resource)
		}
		if vendor != "" && strings.ToLower(resource.Vendor) != vendor {
			continue
		}

		point := gin.H{
			"id":       msg.ID,
			"name":     msg.Values["name"],
			"type":     msg.Values["type"],
			"value":    msg.Values["value"],
			"resource": resource,
		}
		if unit := msg.Values["unit"]; unit != "" {
			point["unit"] = unit
		}
		if ts := msg.Values["time_unix_nano"]; ts != "" {
			point["time_unix_nano"] = ts
		}
		if attrs := msg.Values["attributes"]; attrs != "" {
			var decoded map[string]string
			if json.Unmarshal([]byte(attrs), &decoded) == nil {
				point["attributes"] = decoded
			}
		}
		points = append(points, point)
	}
	c.JSON(http.StatusOK, gin.H{"metrics": points, "count": len(points)})
}

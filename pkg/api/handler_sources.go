package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/sources"
)

// ListSources answers every configured data source.
func (s *Server) ListSources(c *gin.Context) {
	if s.sources == nil {
		unavailable(c, "source store")
		return
	}
	list, err := s.sources.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": list, "count": len(list)})
}

// CreateSource creates a data source and triggers a producer reconcile.
// Creating a telegraf source mints one-time push credentials; only their
// hash is stored.
func (s *Server) CreateSource(c *gin.Context) {
	if s.sources == nil {
		unavailable(c, "source store")
		return
	}
	var in sources.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var creds *sources.TelegrafCredentials
	if in.Type == "telegraf" {
		minted, err := sources.NewTelegrafCredentials()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		creds = &minted
		if in.Config == nil {
			in.Config = map[string]any{}
		}
		in.Config["agent_id"] = minted.AgentID
		in.Config["token_sha256"] = sources.HashToken(minted.Token)
	}

	src, err := s.sources.Create(c.Request.Context(), in)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.reconcileProducers(c)

	if creds != nil {
		c.JSON(http.StatusCreated, gin.H{
			"source":            src,
			"one_time_agent_id": creds.AgentID,
			"one_time_token":    creds.Token,
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"source": src})
}

// UpdateSource patches a data source and triggers a producer reconcile.
func (s *Server) UpdateSource(c *gin.Context) {
	if s.sources == nil {
		unavailable(c, "source store")
		return
	}
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
		return
	}
	var in sources.UpdateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src, err := s.sources.Update(c.Request.Context(), id, in)
	if err != nil {
		if err == sources.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "data source not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.reconcileProducers(c)
	c.JSON(http.StatusOK, gin.H{"source": src})
}

// DeleteSource removes a data source and triggers a producer reconcile.
func (s *Server) DeleteSource(c *gin.Context) {
	if s.sources == nil {
		unavailable(c, "source store")
		return
	}
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
		return
	}
	if err := s.sources.Delete(c.Request.Context(), id); err != nil {
		if err == sources.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "data source not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.reconcileProducers(c)
	c.Status(http.StatusNoContent)
}

func (s *Server) reconcileProducers(c *gin.Context) {
	if s.manager == nil {
		return
	}
	if err := s.manager.Reconcile(c.Request.Context()); err != nil {
		// The periodic reconcile will catch up; the CRUD result stands.
		c.Header("X-Reconcile-Deferred", "true")
	}
}

type telegrafMetric struct {
	Name      string         `json:"name"`
	Tags      map[string]any `json:"tags"`
	Fields    map[string]any `json:"fields"`
	Timestamp float64        `json:"timestamp"`
}

type telegrafBatch struct {
	Metrics []telegrafMetric `json:"metrics"`
}

// IngestTelegraf accepts a Telegraf JSON batch, authenticated by the agent
// id and token minted at source creation, and feeds each metric into the
// logs stream for the consumer's normalizer branch.
func (s *Server) IngestTelegraf(c *gin.Context) {
	if s.sources == nil {
		unavailable(c, "source store")
		return
	}
	ctx := c.Request.Context()

	agentID := c.GetHeader("X-Agent-Id")
	token := c.GetHeader("X-Agent-Token")
	if agentID == "" || token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing agent credentials"})
		return
	}

	enabled, err := s.sources.ListEnabled(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var src *sources.DataSource
	for i := range enabled {
		if sources.VerifyTelegraf(enabled[i], agentID, token) {
			src = &enabled[i]
			break
		}
	}
	if src == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid agent credentials"})
		return
	}

	var batch telegrafBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accepted := 0
	for _, m := range batch.Metrics {
		if m.Name == "" {
			continue
		}
		line, err := json.Marshal(m)
		if err != nil {
			continue
		}
		host := agentID
		if h, ok := m.Tags["host"].(string); ok && h != "" {
			host = h
		}
		_, err = s.rdb.Append(ctx, broker.StreamLogs, map[string]any{
			"source":    "telegraf:" + host,
			"line":      string(line),
			"source_id": strconv.Itoa(src.ID),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		accepted++
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/logsift/logsift/pkg/broker"
)

const alertListLimit = 200

// ListAlerts returns recent alerts: stream entries whose mirror hash is
// still live, plus every persisted alert. Expired, unpersisted alerts drop
// out of the listing even though the stream retains them.
func (s *Server) ListAlerts(c *gin.Context) {
	ctx := c.Request.Context()

	msgs, err := s.rdb.RevRange(ctx, broker.StreamAlerts, alertListLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	persisted, err := s.rdb.SMembers(ctx, broker.KeyAlertsPersisted).Result()
	if err != nil && err != redis.Nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	persistedSet := make(map[string]bool, len(persisted))
	for _, id := range persisted {
		persistedSet[id] = true
	}

	alerts := make([]gin.H, 0, len(msgs))
	for _, msg := range msgs {
		live, err := s.rdb.Exists(ctx, broker.AlertKey(msg.ID)).Result()
		if err != nil {
			continue
		}
		if live == 0 && !persistedSet[msg.ID] {
			continue
		}
		alert := gin.H{"id": msg.ID, "persisted": persistedSet[msg.ID]}
		for k, v := range msg.Values {
			alert[k] = v
		}
		alerts = append(alerts, alert)
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// PersistAlert pins an alert: its mirror hash loses its TTL and the id joins
// the persisted set, keeping it visible past the alert TTL.
func (s *Server) PersistAlert(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	exists, err := s.rdb.Exists(ctx, broker.AlertKey(id)).Result()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if exists == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, broker.KeyAlertsPersisted, id)
	pipe.Persist(ctx, broker.AlertKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "persisted": true})
}

type feedbackRequest struct {
	Correct *bool `json:"correct" binding:"required"`
}

// AlertFeedback records operator feedback on a classification. Unknown
// alerts answer 404.
func (s *Server) AlertFeedback(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	exists, err := s.rdb.Exists(ctx, broker.AlertKey(id)).Result()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if exists == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}

	key := broker.KeyFeedbackIncorrect
	if *req.Correct {
		key = broker.KeyFeedbackCorrect
	}
	if err := s.rdb.SAdd(ctx, key, id).Err(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "correct": *req.Correct})
}

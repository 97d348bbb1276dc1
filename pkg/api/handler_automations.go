package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/logsift/logsift/pkg/automations"
)

// AutomationsStatus answers the engine's runtime snapshot.
func (s *Server) AutomationsStatus(c *gin.Context) {
	if s.engine == nil {
		unavailable(c, "automation engine")
		return
	}
	c.JSON(http.StatusOK, s.engine.Status())
}

type automationsToggleRequest struct {
	Enabled *bool `json:"enabled"`
	DryRun  *bool `json:"dry_run"`
}

// AutomationsToggle flips engine dispatch and dry-run mode.
func (s *Server) AutomationsToggle(c *gin.Context) {
	if s.engine == nil {
		unavailable(c, "automation engine")
		return
	}
	var req automationsToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Enabled == nil && req.DryRun == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to toggle"})
		return
	}
	if req.Enabled != nil {
		s.engine.SetEnabled(*req.Enabled)
	}
	if req.DryRun != nil {
		s.engine.SetDryRun(*req.DryRun)
	}
	c.JSON(http.StatusOK, s.engine.Status())
}

// ListAutomationRules answers every remediation rule.
func (s *Server) ListAutomationRules(c *gin.Context) {
	if s.rules == nil {
		unavailable(c, "automation rules")
		return
	}
	rules := s.rules.List()
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

// PutAutomationRule creates or replaces a rule. The path id wins over any id
// in the body.
func (s *Server) PutAutomationRule(c *gin.Context) {
	if s.rules == nil {
		unavailable(c, "automation rules")
		return
	}
	var rule automations.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule.ID = c.Param("id")
	if err := s.rules.Put(rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// DeleteAutomationRule removes a rule.
func (s *Server) DeleteAutomationRule(c *gin.Context) {
	if s.rules == nil {
		unavailable(c, "automation rules")
		return
	}
	if err := s.rules.Delete(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

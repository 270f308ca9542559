package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
)

// GetTenantUsage returns the current-period usage report. With ?agent= it
// returns the single agent record instead, or null when the agent has no
// counter in the period.
func (s *Server) GetTenantUsage(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	if tenantID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if raw := strings.TrimSpace(c.Query("agent")); raw != "" {
		agent, err := usagedomain.ParseAgent(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		usage, err := s.stats.GetUsageForAgent(c.Request.Context(), tenantID, agent)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		// No counter yet for the period renders as null.
		c.JSON(http.StatusOK, usage)
		return
	}

	report, err := s.stats.GetUsageStats(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

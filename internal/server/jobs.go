package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/agentmeter/internal/observability/logger"
	"go.uber.org/zap"
)

func (s *Server) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.jobs.JobNames()})
}

// RunJob runs a scheduled job synchronously. The run is detached from the
// request so a dropped client does not cut the batch short.
func (s *Server) RunJob(c *gin.Context) {
	name := strings.TrimSpace(c.Param("job"))
	if name == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), s.jobLimit)
	defer cancel()

	result, err := s.jobs.Trigger(ctx, name)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	obslogger.WithContext(c.Request.Context(), s.log).Info("job triggered over http", zap.String("job", name))
	c.JSON(http.StatusOK, gin.H{"job": name, "result": result})
}

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) BillingSyncStatus(c *gin.Context) {
	status, err := s.gate.Status(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

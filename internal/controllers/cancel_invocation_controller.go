package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/contentpipe/internal/middleware"
	"github.com/osvaldoandrade/contentpipe/internal/services"
	"github.com/osvaldoandrade/contentpipe/pkg/persistence"

	"github.com/gin-gonic/gin"
)

type cancelInvocationController struct{ svc services.GatewayService }

func NewCancelInvocationController(svc services.GatewayService) *cancelInvocationController {
	return &cancelInvocationController{svc}
}

func (h *cancelInvocationController) Handle(c *gin.Context) {
	id := c.Param("id")
	canceled, err := h.svc.Cancel(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "invocation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if canceled {
		caller, _ := c.Get(middleware.CallerKey)
		middleware.GetLogger(c).Info("invocation canceled", "id", id, "caller", caller)
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "canceled": canceled})
}

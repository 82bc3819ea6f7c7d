package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/contentpipe/internal/services"

	"github.com/gin-gonic/gin"
)

type listWorkersController struct{ svc services.GatewayService }

func NewListWorkersController(svc services.GatewayService) *listWorkersController {
	return &listWorkersController{svc}
}

func (h *listWorkersController) Handle(c *gin.Context) {
	workers := h.svc.Running()
	c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/contentpipe/internal/services"

	"github.com/gin-gonic/gin"
)

type listToolsController struct{ svc services.GatewayService }

func NewListToolsController(svc services.GatewayService) *listToolsController {
	return &listToolsController{svc}
}

func (h *listToolsController) Handle(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": h.svc.Tools()})
}

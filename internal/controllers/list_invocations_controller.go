package controllers

import (
	"net/http"
	"strconv"

	"github.com/osvaldoandrade/contentpipe/internal/services"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"

	"github.com/gin-gonic/gin"
)

const maxListLimit = 500

type listInvocationsController struct{ svc services.GatewayService }

func NewListInvocationsController(svc services.GatewayService) *listInvocationsController {
	return &listInvocationsController{svc}
}

func (h *listInvocationsController) Handle(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	stage := domain.Stage(c.Query("stage"))
	recs, err := h.svc.List(c.Request.Context(), stage, limit)
	if err != nil {
		c.JSON(statusFor(domain.KindOf(err)), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invocations": recs, "count": len(recs)})
}

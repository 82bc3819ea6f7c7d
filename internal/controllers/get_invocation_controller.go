package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/contentpipe/internal/services"
	"github.com/osvaldoandrade/contentpipe/pkg/persistence"

	"github.com/gin-gonic/gin"
)

type getInvocationController struct{ svc services.GatewayService }

func NewGetInvocationController(svc services.GatewayService) *getInvocationController {
	return &getInvocationController{svc}
}

func (h *getInvocationController) Handle(c *gin.Context) {
	rec, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "invocation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

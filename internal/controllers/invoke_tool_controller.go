package controllers

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/osvaldoandrade/contentpipe/internal/middleware"
	"github.com/osvaldoandrade/contentpipe/internal/services"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

type invokeToolController struct{ svc services.GatewayService }

var registerIDRule sync.Once

func NewInvokeToolController(svc services.GatewayService) *invokeToolController {
	registerIDRule.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("invocation_id", func(fl validator.FieldLevel) bool {
				return domain.ValidInvocationID(fl.Field().String())
			})
		}
	})
	return &invokeToolController{svc}
}

type invokeReq struct {
	InvocationID   string            `json:"invocationId,omitempty" binding:"omitempty,invocation_id"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty" binding:"gte=0"`
	Params         domain.ToolParams `json:"params"`
}

func (h *invokeToolController) Handle(c *gin.Context) {
	var req invokeReq
	// An empty body is a call with no parameters; the stage decides.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body", "detail": err.Error()})
		return
	}
	stage := domain.Stage(c.Param("name"))
	res, err := h.svc.Invoke(c.Request.Context(), domain.InvocationRequest{
		ID:             req.InvocationID,
		Stage:          stage,
		Params:         req.Params,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		middleware.GetLogger(c).Debug("invocation failed", "stage", stage, "id", res.ID, "kind", domain.KindOf(err))
	}
	c.JSON(resultStatus(res, toolKnown(h.svc, stage)), res)
}

func toolKnown(svc services.GatewayService, stage domain.Stage) bool {
	for _, t := range svc.Tools() {
		if t.Name == stage {
			return true
		}
	}
	return false
}

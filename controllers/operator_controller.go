package controllers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/yashrajoria/tourism-payments/errors"
	"github.com/yashrajoria/tourism-payments/lifecycle"
	"github.com/yashrajoria/tourism-payments/middleware"
	"github.com/yashrajoria/tourism-payments/services"
)

type OperatorController struct {
	Operator *services.OperatorService
}

func NewOperatorController(operator *services.OperatorService) *OperatorController {
	return &OperatorController{Operator: operator}
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		apperrors.Respond(c, apperrors.New(http.StatusBadRequest, "invalid id", err))
		return uuid.Nil, false
	}
	return id, true
}

// ListFailedEvents handles GET /admin/webhook-events/failed?parked=true&limit=N.
func (oc *OperatorController) ListFailedEvents(c *gin.Context) {
	parked, _ := strconv.ParseBool(c.DefaultQuery("parked", "true"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	events, err := oc.Operator.FailedEvents(c.Request.Context(), parked, limit)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (oc *OperatorController) ReplayEvent(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ev, err := oc.Operator.Replay(c.Request.Context(), id, middleware.GetActor(c))
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ev)
}

func (oc *OperatorController) GetOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	order, err := oc.Operator.Order(c.Request.Context(), id)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (oc *OperatorController) GetAuditTrail(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	entries, err := oc.Operator.AuditTrail(c.Request.Context(), id)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id, "entries": entries})
}

type actionRequest struct {
	Reason string `json:"reason" binding:"max=255"`
	Amount int64  `json:"amount" binding:"min=0"`
}

// Act returns a handler applying kind to the order in the path. The body is
// optional: cancel reads reason, refund reads amount.
func (oc *OperatorController) Act(kind lifecycle.CommandKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		var req actionRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			apperrors.Respond(c, apperrors.New(http.StatusBadRequest, err.Error(), err))
			return
		}

		order, err := oc.Operator.Act(c.Request.Context(), id, middleware.GetActor(c), lifecycle.Command{
			Kind:   kind,
			Reason: req.Reason,
			Amount: req.Amount,
		})
		if err != nil {
			_ = c.Error(err)
			apperrors.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

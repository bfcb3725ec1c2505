package controllers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/yashrajoria/tourism-payments/errors"
	"github.com/yashrajoria/tourism-payments/services"
)

// MaxWebhookBody caps how much of a delivery is read.
const MaxWebhookBody = 1 << 20

type WebhookController struct {
	Intake *services.IntakeService
}

func NewWebhookController(intake *services.IntakeService) *WebhookController {
	return &WebhookController{Intake: intake}
}

// Receive handles POST /webhooks/:provider. The gateway gets its ack as soon
// as the event is durable; processing happens later.
func (wc *WebhookController) Receive(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apperrors.Respond(c, apperrors.New(http.StatusRequestEntityTooLarge, "payload too large", err))
			return
		}
		apperrors.Respond(c, apperrors.New(http.StatusBadRequest, "could not read body", err))
		return
	}

	res, err := wc.Intake.Receive(c.Request.Context(), c.Param("provider"), payload, c.Request.Header)
	if err != nil {
		_ = c.Error(err)
		apperrors.Respond(c, err)
		return
	}

	body := gin.H{"status": "received"}
	if res.Duplicate {
		body["duplicate"] = true
	} else {
		body["event_id"] = res.EventID
	}
	c.JSON(http.StatusAccepted, body)
}

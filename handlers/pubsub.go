package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/sirupsen/logrus"
)

// pubsubJobs consumes push deliveries from the job topic. Malformed messages are acked
// (204) so they are not redelivered forever; processing errors return 500 to get a retry.
func (h *Handler) pubsubJobs(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		config.LogError(h.Logger, "handlers", "pubsubJobs", "io.ReadAll", nil, err)
		c.Status(http.StatusNoContent)
		return
	}

	// byte slice unmarshalling handles base64 decoding.
	var env config.PubSubPushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		config.LogError(h.Logger, "handlers", "pubsubJobs", "Unmarshal body", string(body), err)
		c.Status(http.StatusNoContent)
		return
	}
	msg, err := config.DecodeJobMessage(env)
	if err != nil {
		config.LogError(h.Logger, "handlers", "pubsubJobs", "DecodeJobMessage", env.Message.MessageId, err)
		c.Status(http.StatusNoContent)
		return
	}
	if msg.CorrelationId == "" {
		msg.CorrelationId = env.Message.MessageId
	}

	fields := logrus.Fields{
		"job_id":         msg.JobId,
		"document_id":    msg.DocumentId,
		"attempt":        msg.Attempt,
		"correlation_id": msg.CorrelationId,
		"message_id":     env.Message.MessageId,
	}
	if err := h.Engine.HandleJobMessage(c.Request.Context(), msg); err != nil {
		h.Logger.WithFields(fields).WithError(err).Error("job message failed, requesting redelivery")
		c.Status(http.StatusInternalServerError)
		return
	}
	h.Logger.WithFields(fields).Debug("job message handled")
	c.Status(http.StatusNoContent)
}

package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ndvalle/mostrador/internal/queue"
	"github.com/ndvalle/mostrador/internal/transport"
)

// twimlEmpty acknowledges a Twilio webhook without a synchronous reply.
const twimlEmpty = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// handleWebhook authenticates, parses and enqueues one provider webhook.
// The provider is acknowledged as soon as the job is queued; processing
// happens on the queue's own context.
func (s *Server) handleWebhook(c *gin.Context) {
	provider := transport.Provider(c.Param("provider"))
	adapter, ok := s.adapters.Get(provider)
	if !ok {
		fail(c, http.StatusNotFound, "unknown provider")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		fail(c, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	if err := adapter.ValidateSignature(c.Request, body); err != nil {
		s.log.Warn().Str("provider", string(provider)).Str("remote", c.ClientIP()).Msg("webhook rejected: invalid signature")
		fail(c, http.StatusUnauthorized, "invalid signature")
		return
	}

	msg, err := adapter.Parse(c.Request.Context(), c.Request, body)
	if err != nil {
		s.log.Warn().Err(err).Str("provider", string(provider)).Msg("webhook rejected: unparseable")
		fail(c, http.StatusBadRequest, "invalid payload")
		return
	}
	if msg == nil {
		s.ack(c, provider, gin.H{"status": "ignored"})
		return
	}

	job := queue.NewJob(*msg)
	if err := s.queue.Enqueue(c.Request.Context(), job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		s.log.Error().Err(err).Str("provider", string(provider)).Str("phone", msg.Phone).Msg("enqueue failed")
		fail(c, status, "queue unavailable")
		return
	}
	s.log.Debug().Str("job", job.ID).Str("provider", string(provider)).Str("phone", msg.Phone).Msg("webhook queued")
	s.ack(c, provider, gin.H{"status": "queued", "job_id": job.ID})
}

func (s *Server) ack(c *gin.Context, provider transport.Provider, body gin.H) {
	if provider == transport.Twilio {
		c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(twimlEmpty))
		return
	}
	c.JSON(http.StatusOK, body)
}

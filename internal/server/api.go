package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ndvalle/mostrador/internal/conversation"
	"github.com/ndvalle/mostrador/internal/settings"
)

func (s *Server) handleListConversations(c *gin.Context) {
	var f conversation.ListFilters
	f.Status = c.Query("status")
	if v := c.Query("paused"); v != "" {
		paused, err := strconv.ParseBool(v)
		if err != nil {
			fail(c, http.StatusBadRequest, "paused must be true or false")
			return
		}
		f.Paused = &paused
	}
	var ok bool
	if f.Limit, ok = intQuery(c, "limit"); !ok {
		return
	}
	if f.Offset, ok = intQuery(c, "offset"); !ok {
		return
	}

	convs, err := s.convs.List(c.Request.Context(), f)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs, "count": len(convs)})
}

func (s *Server) handleGetConversation(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	conv, err := s.convs.Get(c.Request.Context(), id)
	if err != nil {
		s.lookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleListMessages(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit")
	if !ok {
		return
	}
	offset, ok := intQuery(c, "offset")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.convs.Get(ctx, id); err != nil {
		s.lookupError(c, err)
		return
	}
	msgs, err := s.convs.Messages(ctx, id, limit, offset)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

type sendMessageReq struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		fail(c, http.StatusBadRequest, "text is required")
		return
	}
	operator := operatorFrom(c)
	msg, err := s.proc.SendHuman(c.Request.Context(), id, req.Text, operator, s.adapters)
	if err != nil {
		s.lookupError(c, err)
		return
	}
	s.log.Info().Uint("conversation", id).Str("operator", operator).Str("status", msg.DeliveryStatus).Msg("operator message sent")
	c.JSON(http.StatusCreated, msg)
}

type pauseReq struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req pauseReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			fail(c, http.StatusBadRequest, "invalid body")
			return
		}
	}
	if err := s.convs.Pause(c.Request.Context(), id, operatorFrom(c), req.Reason); err != nil {
		s.lookupError(c, err)
		return
	}
	s.respondConversation(c, id)
}

func (s *Server) handleResume(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.convs.Resume(c.Request.Context(), id); err != nil {
		s.lookupError(c, err)
		return
	}
	s.respondConversation(c, id)
}

func (s *Server) respondConversation(c *gin.Context, id uint) {
	conv, err := s.convs.Get(c.Request.Context(), id)
	if err != nil {
		s.lookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleGetSetting(c *gin.Context) {
	key := settings.Key(c.Param("key"))
	if !settings.Known(key) {
		fail(c, http.StatusNotFound, "unknown settings key")
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", s.settings.Get(c.Request.Context(), key))
}

func (s *Server) handlePutSetting(c *gin.Context) {
	key := settings.Key(c.Param("key"))
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		fail(c, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if !json.Valid(raw) {
		fail(c, http.StatusBadRequest, "body must be JSON")
		return
	}
	err = s.settings.Set(c.Request.Context(), key, raw, operatorFrom(c))
	switch {
	case errors.Is(err, settings.ErrUnknownKey):
		fail(c, http.StatusNotFound, "unknown settings key")
	case errors.Is(err, settings.ErrInvalidValue):
		fail(c, http.StatusBadRequest, err.Error())
	case err != nil:
		s.internalError(c, err)
	default:
		c.Data(http.StatusOK, "application/json; charset=utf-8", s.settings.Get(c.Request.Context(), key))
	}
}

func (s *Server) handleInvalidate(c *gin.Context) {
	ctx := c.Request.Context()
	if k := c.Query("key"); k != "" {
		key := settings.Key(k)
		if !settings.Known(key) {
			fail(c, http.StatusNotFound, "unknown settings key")
			return
		}
		if err := s.settings.Invalidate(ctx, key); err != nil {
			s.internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"invalidated": []settings.Key{key}})
		return
	}
	if err := s.settings.InvalidateAll(ctx); err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": settings.AllKeys})
}

func (s *Server) handleSettingsHealth(c *gin.Context) {
	report := s.settings.Health(c.Request.Context())
	status := http.StatusOK
	if report.Status == settings.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleListInstances(c *gin.Context) {
	if s.instances == nil {
		c.JSON(http.StatusOK, gin.H{"instances": []any{}, "count": 0})
		return
	}
	list, err := s.instances.List(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": list, "count": len(list)})
}

// handleHealth reports settings health plus the reachability of every
// checked upstream. Any failing upstream makes the service degraded.
func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	report := s.settings.Health(ctx)
	overall := report.Status

	upstreams := make(map[string]string, len(s.checkers))
	for name, hc := range s.checkers {
		if err := hc.Health(ctx); err != nil {
			upstreams[name] = err.Error()
			if overall == settings.Healthy {
				overall = settings.Degraded
			}
			continue
		}
		upstreams[name] = "ok"
	}

	status := http.StatusOK
	if overall == settings.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":    overall,
		"settings":  report,
		"upstreams": upstreams,
	})
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return uint(id), true
}

func intQuery(c *gin.Context, name string) (int, bool) {
	v := c.Query(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		fail(c, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func (s *Server) lookupError(c *gin.Context, err error) {
	if errors.Is(err, conversation.ErrNotFound) {
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	if errors.Is(err, conversation.ErrClosed) {
		fail(c, http.StatusConflict, "conversation is closed")
		return
	}
	s.internalError(c, err)
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.log.Error().Err(err).Str("path", c.FullPath()).Msg("admin request failed")
	fail(c, http.StatusInternalServerError, "internal error")
}

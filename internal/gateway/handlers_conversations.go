package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/xiehust/owork/internal/common/errors"
	"github.com/xiehust/owork/internal/supervisor"
)

// startConversation runs one turn and streams its events as SSE. The
// turn keeps running if the client disconnects; the transcript is
// persisted regardless.
func (s *Server) startConversation(c *gin.Context) {
	var req supervisor.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.BadRequest("invalid payload: %v", err))
		return
	}
	stream, err := s.supervisor.Converse(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.streamSSE(c, stream)
}

type answerRequest struct {
	Answers map[string]string `json:"answers" binding:"required"`
}

// answerSession resumes a session waiting on an AskUserQuestion prompt.
func (s *Server) answerSession(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.BadRequest("invalid payload: %v", err))
		return
	}
	stream, err := s.supervisor.Answer(c.Request.Context(), c.Param("id"), req.Answers)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.streamSSE(c, stream)
}

func (s *Server) streamSSE(c *gin.Context, stream <-chan supervisor.StreamEvent) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		s.respondError(c, apperrors.InternalError("streaming is not supported"))
		return
	}

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			// Drain in the background so the turn is never blocked on a
			// departed client.
			go func() {
				for range stream {
				}
			}()
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				s.logger.Warn("Failed to encode stream event", zap.Error(err))
				continue
			}
			if _, err := c.Writer.WriteString("event: " + ev.Type + "\ndata: " + string(data) + "\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xiehust/owork/internal/agent"
	"github.com/xiehust/owork/internal/events/bus"
	"github.com/xiehust/owork/internal/hooks"
	"github.com/xiehust/owork/internal/storage"
)

// runTurn owns one turn from process start to transcript persistence. It
// fuses two sources into the outbound stream: the agent's event channel
// and permission requests arriving through the broker queue.
func (s *Supervisor) runTurn(ctx context.Context, turn *liveTurn, ag *storage.Agent, req TurnRequest, opts agent.Options, sctx *hooks.SessionContext, out chan<- StreamEvent) {
	defer close(out)
	defer turn.cancel()

	// Delivery is lossless: a slow consumer backpressures the turn rather
	// than losing events, and the terminal result always reaches the
	// stream. Only turn cancellation releases a blocked emit.
	emit := func(ev StreamEvent) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
		if sid := sctx.SessionID(); sid != "" {
			busEvent := bus.NewEvent(ev.Type, "supervisor", ev.Data)
			if err := s.bus.Publish(ctx, bus.SessionSubject(sid), busEvent); err != nil {
				s.logger.Debug("Bus publish failed", zap.Error(err))
			}
		}
	}

	chain := s.buildChain(ctx, ag, sctx, opts.Cwd)
	opts.Gate = s.makeGate(chain, sctx, turn, emit)

	handle, err := s.runtime.Start(ctx, opts)
	if err != nil {
		s.logger.Error("Failed to start agent turn",
			zap.String("agent_id", ag.ID), zap.Error(err))
		emit(StreamEvent{Type: EventError, Data: map[string]interface{}{"error": err.Error()}})
		return
	}
	turn.setHandle(handle)

	// Registered under the session ID once known; resumed turns are
	// registered by Converse before this goroutine starts.
	registeredID := req.SessionID
	defer func() {
		if registeredID != "" {
			s.unregister(registeredID, turn)
		}
		_ = handle.Wait()
	}()

	forwarderDone := make(chan struct{})
	go s.forwardPermissions(ctx, sctx, emit, forwarderDone)
	defer close(forwarderDone)

	promptPersisted := false
	persistPrompt := func(sessionID string) {
		if promptPersisted || sessionID == "" {
			return
		}
		promptPersisted = true
		msg := &storage.Message{
			SessionID: sessionID,
			Role:      storage.RoleUser,
			Content:   []storage.ContentBlock{{Type: storage.BlockText, Text: req.Prompt}},
		}
		if err := s.store.PutMessage(ctx, msg, s.cfg.Messages.TTL()); err != nil {
			s.logger.Error("Failed to persist user message", zap.Error(err))
		}
	}
	if req.SessionID != "" {
		persistPrompt(req.SessionID)
	}

	for ev := range handle.Events() {
		if ev.Err != nil {
			emit(StreamEvent{Type: EventError, Data: map[string]interface{}{"error": ev.Err.Error()}})
			continue
		}
		switch ev.Type {
		case agent.EventSystem:
			if ev.Subtype != agent.SubtypeInit || ev.SessionID == "" {
				continue
			}
			sctx.SetSessionID(ev.SessionID)
			if registeredID == "" {
				registeredID = ev.SessionID
				s.register(registeredID, turn)
				if err := s.store.PutSession(ctx, &storage.Session{
					ID:      ev.SessionID,
					AgentID: ag.ID,
					Title:   sessionTitle(req),
					WorkDir: opts.Cwd,
				}); err != nil {
					s.logger.Error("Failed to persist session", zap.Error(err))
				}
				emit(StreamEvent{Type: EventSessionStart, Data: map[string]interface{}{
					"session_id": ev.SessionID,
					"agent_id":   ag.ID,
				}})
			} else if err := s.store.TouchSession(ctx, registeredID); err != nil {
				s.logger.Warn("Failed to touch session", zap.Error(err))
			}
			persistPrompt(ev.SessionID)

		case agent.EventAssistant:
			blocks := convertBlocks(ev.ContentBlocks())
			if len(blocks) > 0 {
				s.persistMessage(ctx, sctx.SessionID(), storage.RoleAssistant, blocks, opts.Model)
			}
			emit(StreamEvent{Type: EventAssistant, Data: map[string]interface{}{
				"session_id": sctx.SessionID(),
				"message":    ev.Message(),
			}})

		case agent.EventUser:
			// Tool results are echoed back as user messages.
			blocks := convertBlocks(ev.ContentBlocks())
			if len(blocks) > 0 {
				s.persistMessage(ctx, sctx.SessionID(), storage.RoleUser, blocks, "")
			}
			emit(StreamEvent{Type: EventToolResult, Data: map[string]interface{}{
				"session_id": sctx.SessionID(),
				"message":    ev.Message(),
			}})

		case agent.EventResult:
			data := map[string]interface{}{
				"session_id": sctx.SessionID(),
				"subtype":    ev.Subtype,
			}
			for _, key := range []string{"duration_ms", "total_cost_usd", "num_turns", "is_error"} {
				if v, ok := ev.Raw[key]; ok {
					data[key] = v
				}
			}
			if sid := sctx.SessionID(); sid != "" {
				if err := s.store.TouchSession(ctx, sid); err != nil {
					s.logger.Warn("Failed to touch session", zap.Error(err))
				}
			}
			emit(StreamEvent{Type: EventResult, Data: data})
		}
	}
}

// makeGate wraps the hook chain as the runtime's permission callback.
// AskUserQuestion never reaches the chain: the question is forwarded to
// the user and the turn ends so the answer can resume it.
func (s *Supervisor) makeGate(chain *hooks.Chain, sctx *hooks.SessionContext, turn *liveTurn, emit func(StreamEvent)) agent.ToolGate {
	return func(ctx context.Context, toolName string, input map[string]interface{}) agent.ToolDecision {
		if toolName == "AskUserQuestion" {
			sid := sctx.SessionID()
			s.persistMessage(ctx, sid, storage.RoleAssistant, []storage.ContentBlock{{
				Type:     storage.BlockToolUse,
				ToolName: toolName,
				Input:    input,
			}}, "")
			emit(StreamEvent{Type: EventAskUserQuestion, Data: map[string]interface{}{
				"session_id": sid,
				"questions":  input["questions"],
			}})
			go func() {
				ictx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				turn.interrupt(ictx)
			}()
			return agent.ToolDecision{Allow: false, Reason: "Question forwarded to the user; the turn ends here and resumes with their answer"}
		}

		outcome := chain.Evaluate(ctx, &hooks.ToolCall{ToolName: toolName, Input: input})
		if !outcome.Allowed() {
			return agent.ToolDecision{Allow: false, Reason: outcome.Reason}
		}
		return agent.ToolDecision{Allow: true, UpdatedInput: outcome.UpdatedInput}
	}
}

// forwardPermissions drains the broker queue, emitting requests belonging
// to this turn's session and putting back everything else.
func (s *Supervisor) forwardPermissions(ctx context.Context, sctx *hooks.SessionContext, emit func(StreamEvent), done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case requestID, ok := <-s.broker.QueueChan():
			if !ok {
				return
			}
			req, err := s.store.GetPermissionRequest(ctx, requestID)
			if err != nil {
				s.logger.Warn("Dequeued unknown permission request",
					zap.String("request_id", requestID), zap.Error(err))
				continue
			}
			if req.SessionID != sctx.SessionID() {
				s.broker.Requeue(requestID)
				// Another turn's request; back off so its forwarder can
				// pick it up instead of ping-ponging.
				time.Sleep(20 * time.Millisecond)
				continue
			}
			emit(StreamEvent{Type: EventPermissionAsk, Data: map[string]interface{}{
				"request_id": req.ID,
				"session_id": req.SessionID,
				"tool_name":  req.ToolName,
				"tool_input": req.ToolInput,
				"reason":     req.Reason,
			}})
		}
	}
}

func (s *Supervisor) persistMessage(ctx context.Context, sessionID, role string, blocks []storage.ContentBlock, model string) {
	if sessionID == "" {
		s.logger.Warn("Dropping message for unidentified session",
			zap.String("role", role))
		return
	}
	msg := &storage.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   blocks,
		Model:     model,
	}
	if err := s.store.PutMessage(ctx, msg, s.cfg.Messages.TTL()); err != nil {
		s.logger.Error("Failed to persist message",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// convertBlocks maps raw content blocks into storable form. Unknown block
// types are kept with their type tag only.
func convertBlocks(raw []interface{}) []storage.ContentBlock {
	blocks := make([]storage.ContentBlock, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		typ, _ := m["type"].(string)
		block := storage.ContentBlock{Type: typ}
		switch typ {
		case storage.BlockText:
			block.Text, _ = m["text"].(string)
		case storage.BlockToolUse:
			block.ToolUseID, _ = m["id"].(string)
			block.ToolName, _ = m["name"].(string)
			block.Input, _ = m["input"].(map[string]interface{})
		case storage.BlockToolResult:
			block.ToolUseID, _ = m["tool_use_id"].(string)
			block.Content = m["content"]
			if isErr, ok := m["is_error"].(bool); ok {
				block.IsError = isErr
			}
		case storage.BlockImage, storage.BlockDocument:
			block.Source, _ = m["source"].(map[string]interface{})
		}
		blocks = append(blocks, block)
	}
	return blocks
}

func sessionTitle(req TurnRequest) string {
	if req.Title != "" {
		return req.Title
	}
	runes := []rune(req.Prompt)
	if len(runes) > 80 {
		runes = runes[:80]
	}
	return string(runes)
}

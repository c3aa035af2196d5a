// Package broker mediates permission requests between tool hooks and the
// API surface. A hook blocks on Wait while a human (or policy) resolves
// the request through Resolve; unresolved requests expire into denials.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/xiehust/owork/internal/common/errors"
	"github.com/xiehust/owork/internal/common/logger"
	"github.com/xiehust/owork/internal/events/bus"
	"github.com/xiehust/owork/internal/policy"
	"github.com/xiehust/owork/internal/storage"
)

// Decision is the terminal state of a permission request.
type Decision struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"` // approved, denied, expired
	Feedback  string `json:"feedback,omitempty"`
}

// Approved reports whether the decision allows the tool call.
func (d Decision) Approved() bool {
	return d.Status == storage.PermissionApproved
}

type pendingRequest struct {
	sessionID string
	decision  chan Decision // buffered, capacity 1
}

// PermissionBroker tracks in-flight permission requests. Requests are
// persisted so the API can list them, while the in-memory channel is the
// rendezvous between the waiting hook and the resolver.
type PermissionBroker struct {
	store  *storage.Store
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest

	// queue carries request IDs to the supervisor event fusion so that
	// permission prompts interleave with model output in arrival order.
	queue chan string

	// approvals remembers per-session-key command hashes the user already
	// approved, so identical commands skip the prompt on later turns.
	approvalsMu sync.Mutex
	approvals   map[string]map[string]bool
}

// NewPermissionBroker creates a broker publishing to eventBus.
func NewPermissionBroker(store *storage.Store, eventBus bus.EventBus, log *logger.Logger) *PermissionBroker {
	return &PermissionBroker{
		store:     store,
		bus:       eventBus,
		logger:    log,
		pending:   make(map[string]*pendingRequest),
		queue:     make(chan string, 64),
		approvals: make(map[string]map[string]bool),
	}
}

// OpenRequest persists a pending permission request, publishes it on the
// event bus, and enqueues it for the session's event stream.
func (b *PermissionBroker) OpenRequest(ctx context.Context, sessionID, sessionKey, toolName string, toolInput map[string]interface{}, reason string) (*storage.PermissionRequest, error) {
	req := &storage.PermissionRequest{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		SessionKey: sessionKey,
		ToolName:   toolName,
		ToolInput:  toolInput,
		Reason:     reason,
		Status:     storage.PermissionPending,
	}
	if err := b.store.PutPermissionRequest(ctx, req); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.pending[req.ID] = &pendingRequest{
		sessionID: sessionID,
		decision:  make(chan Decision, 1),
	}
	b.mu.Unlock()

	event := bus.NewEvent("permission.requested", "broker", map[string]interface{}{
		"request_id": req.ID,
		"session_id": sessionID,
		"tool_name":  toolName,
		"tool_input": toolInput,
		"reason":     reason,
	})
	if err := b.bus.Publish(ctx, bus.SubjectPermissionRequested, event); err != nil {
		b.logger.Warn("Failed to publish permission request", zap.Error(err))
	}

	select {
	case b.queue <- req.ID:
	default:
		b.logger.Warn("Permission queue full, request visible via API only",
			zap.String("request_id", req.ID))
	}

	b.logger.Info("Permission requested",
		zap.String("request_id", req.ID),
		zap.String("session_id", sessionID),
		zap.String("tool", toolName))
	return req, nil
}

// Wait blocks until the request is resolved, the timeout elapses, or ctx
// is cancelled. Timeout and cancellation both finalize the request as
// expired; the caller always receives a usable decision.
func (b *PermissionBroker) Wait(ctx context.Context, requestID string, timeout time.Duration) Decision {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		// Already resolved and collected, or never opened here. Read the
		// persisted state so restarts do not hang hooks.
		if req, err := b.store.GetPermissionRequest(ctx, requestID); err == nil && req.Status != storage.PermissionPending {
			return Decision{RequestID: requestID, Status: req.Status, Feedback: req.UserFeedback}
		}
		return Decision{RequestID: requestID, Status: storage.PermissionExpired}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-p.decision:
		b.remove(requestID)
		return d
	case <-timer.C:
		return b.finalizeExpired(requestID)
	case <-ctx.Done():
		return b.finalizeExpired(requestID)
	}
}

// Resolve records a decision for a pending request. Resolving a request
// twice, or after expiry, fails with a state error; the first decision
// wins.
func (b *PermissionBroker) Resolve(ctx context.Context, requestID, status, feedback string) error {
	if status != storage.PermissionApproved && status != storage.PermissionDenied {
		return apperrors.BadRequest("invalid permission status: %s", status)
	}

	updated, err := b.store.UpdatePermissionStatus(ctx, requestID, status, feedback)
	if err != nil {
		return err
	}
	if !updated {
		return apperrors.StateError("permission request %s is not pending", requestID).
			WithAction("The request was already resolved or has expired")
	}

	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if ok {
		// Buffered channel: never blocks even if the waiter already left.
		select {
		case p.decision <- Decision{RequestID: requestID, Status: status, Feedback: feedback}:
		default:
		}
	}

	b.logger.Info("Permission resolved",
		zap.String("request_id", requestID),
		zap.String("status", status))
	return nil
}

// finalizeExpired marks a request expired in storage, unless a concurrent
// Resolve won the race, in which case the resolved decision is returned.
func (b *PermissionBroker) finalizeExpired(requestID string) Decision {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updated, err := b.store.UpdatePermissionStatus(ctx, requestID, storage.PermissionExpired, "")
	if err != nil {
		b.logger.Warn("Failed to expire permission request",
			zap.String("request_id", requestID), zap.Error(err))
	}

	b.mu.Lock()
	p, ok := b.pending[requestID]
	delete(b.pending, requestID)
	b.mu.Unlock()

	if !updated && ok {
		// Lost the race to a resolver; their decision is in the channel.
		select {
		case d := <-p.decision:
			return d
		default:
		}
	}
	return Decision{RequestID: requestID, Status: storage.PermissionExpired}
}

func (b *PermissionBroker) remove(requestID string) {
	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()
}

// ExpireSession denies every pending request of a session, waking any
// blocked hooks. Used when a conversation is interrupted.
func (b *PermissionBroker) ExpireSession(ctx context.Context, sessionID string) int {
	reqs, err := b.store.ListPendingPermissions(ctx, sessionID)
	if err != nil {
		b.logger.Warn("Failed to list pending permissions",
			zap.String("session_id", sessionID), zap.Error(err))
		return 0
	}

	expired := 0
	for _, req := range reqs {
		if _, err := b.store.UpdatePermissionStatus(ctx, req.ID, storage.PermissionExpired, "session interrupted"); err != nil {
			continue
		}
		expired++
		b.mu.Lock()
		p, ok := b.pending[req.ID]
		b.mu.Unlock()
		if ok {
			select {
			case p.decision <- Decision{RequestID: req.ID, Status: storage.PermissionExpired, Feedback: "session interrupted"}:
			default:
			}
		}
	}
	if expired > 0 {
		b.logger.Info("Expired pending permissions on interrupt",
			zap.String("session_id", sessionID), zap.Int("count", expired))
	}
	return expired
}

// Dequeue returns the next enqueued permission request ID, or "" when the
// queue is empty.
func (b *PermissionBroker) Dequeue() (string, bool) {
	select {
	case id := <-b.queue:
		return id, true
	default:
		return "", false
	}
}

// QueueChan exposes the request queue for select-based consumption.
func (b *PermissionBroker) QueueChan() <-chan string {
	return b.queue
}

// Requeue puts a request ID back at the front of processing. Used by a
// consumer that dequeued a request belonging to another session.
func (b *PermissionBroker) Requeue(requestID string) {
	select {
	case b.queue <- requestID:
	default:
		b.logger.Warn("Permission queue full on requeue",
			zap.String("request_id", requestID))
	}
}

// RememberApproval records that sessionKey approved this exact command, so
// repeats within the conversation skip the prompt.
func (b *PermissionBroker) RememberApproval(sessionKey, command string) {
	hash := policy.ApprovalHash(command)
	b.approvalsMu.Lock()
	defer b.approvalsMu.Unlock()
	if b.approvals[sessionKey] == nil {
		b.approvals[sessionKey] = make(map[string]bool)
	}
	b.approvals[sessionKey][hash] = true
}

// IsApproved reports whether sessionKey previously approved this command.
func (b *PermissionBroker) IsApproved(sessionKey, command string) bool {
	hash := policy.ApprovalHash(command)
	b.approvalsMu.Lock()
	defer b.approvalsMu.Unlock()
	return b.approvals[sessionKey][hash]
}

// ForgetSession drops remembered approvals for a session key.
func (b *PermissionBroker) ForgetSession(sessionKey string) {
	b.approvalsMu.Lock()
	defer b.approvalsMu.Unlock()
	delete(b.approvals, sessionKey)
}

// StartSweeper expires stale pending requests in the background until ctx
// is cancelled. Requests older than maxAge that still sit pending (for
// example after a crash) are finalized as expired.
func (b *PermissionBroker) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sweep(ctx, maxAge)
			}
		}
	}()
}

func (b *PermissionBroker) sweep(ctx context.Context, maxAge time.Duration) {
	reqs, err := b.store.ListPendingPermissions(ctx, "")
	if err != nil {
		b.logger.Warn("Permission sweep failed", zap.Error(err))
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, req := range reqs {
		if req.CreatedAt.After(cutoff) {
			continue
		}
		if _, err := b.store.UpdatePermissionStatus(ctx, req.ID, storage.PermissionExpired, ""); err != nil {
			continue
		}
		b.mu.Lock()
		p, ok := b.pending[req.ID]
		b.mu.Unlock()
		if ok {
			select {
			case p.decision <- Decision{RequestID: req.ID, Status: storage.PermissionExpired}:
			default:
			}
		}
		b.logger.Debug("Expired stale permission request",
			zap.String("request_id", req.ID))
	}
}

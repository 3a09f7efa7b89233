package assistant

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/vpescete/odoo-claude-code/internal/audit"
)

// ErrUnknownRequest is returned when a permission decision names a request
// id with no pending record, usually because it already resolved.
var ErrUnknownRequest = errors.New("unknown permission request")

// Decision is a caller's answer to a pending permission request.
type Decision struct {
	Allow bool
	// UpdatedInput replaces the tool's arguments when allowing. Nil keeps
	// the original input.
	UpdatedInput json.RawMessage
	// Message explains a denial to the model.
	Message string
}

type pendingPermission struct {
	requestID string
	toolName  string
	toolUseID string
	input     json.RawMessage
	timer     *time.Timer
	resolved  bool
}

// permissionBroker tracks in-flight can_use_tool requests for one session.
// Every request resolves exactly once, from whichever of explicit decision,
// wall-clock timeout, or session teardown gets there first.
type permissionBroker struct {
	mu      sync.Mutex
	pending map[string]*pendingPermission

	key             string
	timeout         time.Duration
	timeoutBehavior string
	auditLog        *audit.Logger
	respond         func(controlResponse)
}

func newPermissionBroker(key string, timeout time.Duration, timeoutBehavior string, auditLog *audit.Logger, respond func(controlResponse)) *permissionBroker {
	return &permissionBroker{
		pending:         make(map[string]*pendingPermission),
		key:             key,
		timeout:         timeout,
		timeoutBehavior: timeoutBehavior,
		auditLog:        auditLog,
		respond:         respond,
	}
}

// add registers a pending request and arms its timeout.
func (b *permissionBroker) add(requestID string, req controlRequestBody) {
	p := &pendingPermission{
		requestID: requestID,
		toolName:  req.ToolName,
		toolUseID: req.ToolUseID,
		input:     req.Input,
	}

	b.mu.Lock()
	b.pending[requestID] = p
	p.timer = time.AfterFunc(b.timeout, func() {
		d := Decision{Allow: b.timeoutBehavior == "allow", Message: "permission request timed out"}
		_ = b.resolve(requestID, d, "timeout")
	})
	b.mu.Unlock()

	b.auditLog.Log(audit.Event{
		Key:       b.key,
		Kind:      "permission.requested",
		RequestID: requestID,
		Meta:      map[string]any{"tool": req.ToolName},
	})
}

// resolve settles a pending request. The first resolution wins; later
// attempts report ErrUnknownRequest.
func (b *permissionBroker) resolve(requestID string, d Decision, origin string) error {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if !ok || p.resolved {
		b.mu.Unlock()
		return ErrUnknownRequest
	}
	p.resolved = true
	p.timer.Stop()
	delete(b.pending, requestID)
	b.mu.Unlock()

	if d.Allow {
		input := d.UpdatedInput
		if input == nil {
			input = p.input
		}
		b.respond(allowResponse(requestID, input))
	} else {
		msg := d.Message
		if msg == "" {
			msg = "denied by user"
		}
		b.respond(denyResponse(requestID, msg))
	}

	b.auditLog.Log(audit.Event{
		Key:       b.key,
		Kind:      "permission.resolved",
		RequestID: requestID,
		Meta: map[string]any{
			"tool":   p.toolName,
			"allow":  d.Allow,
			"origin": origin,
		},
	})
	return nil
}

// closeAll denies every pending request. Used during session teardown so no
// timer fires against a dead process.
func (b *permissionBroker) closeAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		_ = b.resolve(id, Decision{Allow: false, Message: "session stopped"}, "shutdown")
	}
}

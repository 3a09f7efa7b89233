// Package assistant supervises per-instance AI coding sessions. Each
// instance key holds at most one live backend process; prompts flow through
// a pull queue onto the backend's stdin, and the backend's stream-json
// output is fanned out to observers as broadcast events.
package assistant

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vpescete/odoo-claude-code/internal/audit"
	"github.com/vpescete/odoo-claude-code/internal/broadcast"
	"github.com/vpescete/odoo-claude-code/internal/credential"
	"github.com/vpescete/odoo-claude-code/internal/event"
	"github.com/vpescete/odoo-claude-code/internal/history"
	"github.com/vpescete/odoo-claude-code/internal/instance"
	"github.com/vpescete/odoo-claude-code/internal/supervise"
)

// ErrNoSession is returned by operations that require a live session.
var ErrNoSession = errors.New("no active assistant session")

// Options carries the supervisor's tunables, resolved from configuration.
type Options struct {
	BackendPath               string
	DefaultModel              string
	PermissionTimeout         time.Duration
	PermissionTimeoutBehavior string
	StopBound                 time.Duration
}

// StartOptions selects how a new session is spawned. Zero values fall back
// to configured defaults.
type StartOptions struct {
	Model          string
	PermissionMode string
	// ResumeID continues a previous backend conversation.
	ResumeID string
}

// Status describes a live session for API consumers.
type Status struct {
	Model           string `json:"model"`
	PermissionMode  string `json:"permission_mode"`
	RemoteSessionID string `json:"remote_session_id,omitempty"`
}

type Supervisor struct {
	instances instance.Store
	hub       *broadcast.Hub
	hist      history.Store
	creds     *credential.Store
	auditLog  *audit.Logger
	logger    *slog.Logger
	opts      Options

	ops *supervise.KeyMutex

	mu       sync.Mutex
	sessions map[string]*session
}

func NewSupervisor(instances instance.Store, hub *broadcast.Hub, hist history.Store, creds *credential.Store, auditLog *audit.Logger, opts Options, logger *slog.Logger) *Supervisor {
	if opts.StopBound <= 0 {
		opts.StopBound = 5 * time.Second
	}
	if opts.PermissionTimeout <= 0 {
		opts.PermissionTimeout = time.Minute
	}
	if opts.PermissionTimeoutBehavior == "" {
		opts.PermissionTimeoutBehavior = "allow"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		instances: instances,
		hub:       hub,
		hist:      hist,
		creds:     creds,
		auditLog:  auditLog,
		logger:    logger,
		opts:      opts,
		ops:       supervise.NewKeyMutex(),
		sessions:  make(map[string]*session),
	}
}

// StartSession spawns a backend session for the instance. An existing
// session on the same key is stopped first.
func (sv *Supervisor) StartSession(key string, opts StartOptions) error {
	unlock := sv.ops.Lock(key)
	defer unlock()

	sv.stopLocked(key)

	inst, err := sv.instances.Get(key)
	if err != nil {
		return err
	}
	backend, err := credential.ResolveBackend(sv.opts.BackendPath)
	if err != nil {
		return err
	}

	model := opts.Model
	if model == "" {
		model = sv.opts.DefaultModel
	}

	cfg := sessionConfig{
		key:            key,
		backendPath:    backend,
		workDir:        inst.WorkDir,
		model:          model,
		permissionMode: opts.PermissionMode,
		resumeID:       opts.ResumeID,
	}
	if sv.creds != nil {
		cfg.apiKey = sv.creds.APIKey()
	}

	sess, err := startBackend(cfg, sv.hub, sv.hist, func(s *session) *permissionBroker {
		return newPermissionBroker(key, sv.opts.PermissionTimeout, sv.opts.PermissionTimeoutBehavior, sv.auditLog, func(r controlResponse) {
			if err := s.writeFrame(r); err != nil {
				sv.logger.Warn("permission response write failed", "key", key, "error", err)
			}
		})
	}, sv.logger)
	if err != nil {
		return fmt.Errorf("starting assistant session for %s: %w", key, err)
	}

	sess.onExit = func(waitErr error, cancelled bool) {
		sv.mu.Lock()
		removed := sv.sessions[key] == sess
		if removed {
			delete(sv.sessions, key)
		}
		sv.mu.Unlock()
		if !removed {
			// A bound-exceeded stop already cleared the record and told
			// observers.
			return
		}

		if !cancelled && waitErr != nil {
			sv.hub.Publish(event.New(event.KindSessionError, key, event.SessionErrorPayload{
				Message: fmt.Sprintf("assistant backend exited: %v", waitErr),
			}))
		}
		sv.hub.Publish(event.New(event.KindSessionStopped, key, nil))
	}

	sv.mu.Lock()
	sv.sessions[key] = sess
	sv.mu.Unlock()

	sess.run()

	sv.hub.Publish(event.New(event.KindSessionStarted, key, event.SessionStartedPayload{
		Model:          model,
		PermissionMode: opts.PermissionMode,
		ResumeID:       opts.ResumeID,
	}))
	sv.auditLog.Log(audit.Event{
		Key:  key,
		Kind: "assistant.started",
		Meta: map[string]any{"model": model, "resume": opts.ResumeID != ""},
	})
	sv.logger.Info("assistant session started", "key", key, "model", model)
	return nil
}

// SendMessage enqueues a prompt for the session's write loop. The first
// prompt of a session also becomes its history preview.
func (sv *Supervisor) SendMessage(key, text, parentToolUseID string) error {
	sess := sv.lookup(key)
	if sess == nil {
		return fmt.Errorf("%w for %s", ErrNoSession, key)
	}
	if err := sess.queue.push(turn{Text: text, ParentToolUseID: parentToolUseID}); err != nil {
		return err
	}
	if remoteID, preview := sess.notePrompt(text); preview != "" && sv.hist != nil {
		if err := sv.hist.UpdatePreview(key, remoteID, preview); err != nil {
			sv.logger.Warn("recording session preview failed", "key", key, "error", err)
		}
	}
	return nil
}

// Interrupt asks the backend to abandon the current turn. The backend may
// reject the request when no turn is running; that rejection is not an error.
func (sv *Supervisor) Interrupt(key string) error {
	sess := sv.lookup(key)
	if sess == nil {
		return fmt.Errorf("%w for %s", ErrNoSession, key)
	}
	if err := sess.sendControl(map[string]any{"subtype": "interrupt"}); err != nil {
		sv.logger.Warn("interrupt write failed", "key", key, "error", err)
	}
	return nil
}

// SetModel switches the session's model for subsequent turns.
func (sv *Supervisor) SetModel(key, model string) error {
	sess := sv.lookup(key)
	if sess == nil {
		return fmt.Errorf("%w for %s", ErrNoSession, key)
	}
	if err := sess.sendControl(map[string]any{"subtype": "set_model", "model": model}); err != nil {
		return err
	}
	sess.setModel(model)
	sv.auditLog.Log(audit.Event{Key: key, Kind: "assistant.model_changed", Meta: map[string]any{"model": model}})
	return nil
}

// SetPermissionMode switches how the backend gates tool use.
func (sv *Supervisor) SetPermissionMode(key, mode string) error {
	sess := sv.lookup(key)
	if sess == nil {
		return fmt.Errorf("%w for %s", ErrNoSession, key)
	}
	if err := sess.sendControl(map[string]any{"subtype": "set_permission_mode", "mode": mode}); err != nil {
		return err
	}
	sess.setPermissionMode(mode)
	sv.auditLog.Log(audit.Event{Key: key, Kind: "assistant.permission_mode_changed", Meta: map[string]any{"mode": mode}})
	return nil
}

// ResolvePermission settles a pending tool permission request with an
// explicit decision.
func (sv *Supervisor) ResolvePermission(key, requestID string, d Decision) error {
	sess := sv.lookup(key)
	if sess == nil {
		return fmt.Errorf("%w for %s", ErrNoSession, key)
	}
	return sess.perms.resolve(requestID, d, "user")
}

// StopSession tears down the session for the key. Stopping an absent
// session is a no-op.
func (sv *Supervisor) StopSession(key string) {
	unlock := sv.ops.Lock(key)
	defer unlock()
	sv.stopLocked(key)
}

func (sv *Supervisor) stopLocked(key string) {
	sess := sv.lookup(key)
	if sess == nil {
		return
	}
	sv.auditLog.Log(audit.Event{Key: key, Kind: "assistant.stopped"})
	sess.stop(sv.opts.StopBound)

	// A wedged backend can outlive the bound; the record must still clear
	// so a replacement session can start.
	sv.mu.Lock()
	if sv.sessions[key] == sess {
		delete(sv.sessions, key)
		sv.mu.Unlock()
		sv.hub.Publish(event.New(event.KindSessionStopped, key, nil))
		return
	}
	sv.mu.Unlock()
}

// IsActive reports whether the key has a live session.
func (sv *Supervisor) IsActive(key string) bool {
	return sv.lookup(key) != nil
}

// SessionStatus returns the live session's details.
func (sv *Supervisor) SessionStatus(key string) (Status, bool) {
	sess := sv.lookup(key)
	if sess == nil {
		return Status{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Status{
		Model:           sess.model,
		PermissionMode:  sess.permissionMode,
		RemoteSessionID: sess.remoteSessionID,
	}, true
}

// StopAll tears down every live session, used at daemon shutdown.
func (sv *Supervisor) StopAll() {
	sv.mu.Lock()
	keys := make([]string, 0, len(sv.sessions))
	for key := range sv.sessions {
		keys = append(keys, key)
	}
	sv.mu.Unlock()

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			sv.StopSession(key)
		}(key)
	}
	wg.Wait()
}

func (sv *Supervisor) lookup(key string) *session {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.sessions[key]
}

// Package shell supervises one interactive odoo shell PTY session per
// instance. Bytes are relayed verbatim in both directions; the consumer is
// a terminal emulator, not a log viewer.
package shell

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/vpescete/odoo-claude-code/internal/broadcast"
	"github.com/vpescete/odoo-claude-code/internal/event"
	"github.com/vpescete/odoo-claude-code/internal/instance"
	"github.com/vpescete/odoo-claude-code/internal/supervise"
)

var ErrNoSession = errors.New("no shell session for instance")

type Supervisor struct {
	instances instance.Store
	hub       *broadcast.Hub

	stopGrace time.Duration
	stopBound time.Duration

	ops *supervise.KeyMutex

	mu       sync.Mutex
	sessions map[string]*session
}

func NewSupervisor(instances instance.Store, hub *broadcast.Hub, stopGrace, stopBound time.Duration) *Supervisor {
	if stopGrace <= 0 {
		stopGrace = 3 * time.Second
	}
	if stopBound <= stopGrace {
		stopBound = stopGrace + 3*time.Second
	}
	return &Supervisor{
		instances: instances,
		hub:       hub,
		stopGrace: stopGrace,
		stopBound: stopBound,
		ops:       supervise.NewKeyMutex(),
		sessions:  make(map[string]*session),
	}
}

// Start opens a shell session for key, replacing any existing one. The
// replaced session is fully stopped before the new one spawns.
func (s *Supervisor) Start(key string, cols, rows uint16) error {
	unlock := s.ops.Lock(key)
	defer unlock()

	s.stopLocked(key)

	inst, err := s.instances.Get(key)
	if err != nil {
		return err
	}
	if err := instance.ValidateArtifacts(inst); err != nil {
		return err
	}

	sess, err := startSession(inst, cols, rows)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[key] = sess
	s.mu.Unlock()
	slog.Info("shell session started", "key", key, "pid", sess.cmd.Process.Pid)

	go sess.readLoop(
		func(seq uint64, chunk []byte) {
			s.hub.Publish(event.New(event.KindShellOutput, key, event.ShellOutputPayload{
				DataB64: base64.StdEncoding.EncodeToString(chunk),
				Seq:     seq,
			}))
		},
		func(code *int, reason string) {
			// Unsolicited exit and explicit stop converge here; removal is
			// idempotent because the map entry is compared by identity.
			s.mu.Lock()
			if s.sessions[key] == sess {
				delete(s.sessions, key)
			}
			s.mu.Unlock()
			s.hub.Publish(event.New(event.KindShellExit, key, event.ShellExitPayload{
				ExitCode: code,
				Reason:   reason,
			}))
			slog.Info("shell session exited", "key", key, "reason", reason)
		},
	)
	return nil
}

// Write forwards raw bytes to the session's PTY input.
func (s *Supervisor) Write(key string, data []byte) error {
	sess := s.lookup(key)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, key)
	}
	return sess.write(data)
}

// Resize forwards a terminal resize to the PTY.
func (s *Supervisor) Resize(key string, cols, rows uint16) error {
	sess := s.lookup(key)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, key)
	}
	return sess.resize(cols, rows)
}

// Stop terminates the session for key. A key with no session is a no-op.
func (s *Supervisor) Stop(key string) error {
	unlock := s.ops.Lock(key)
	defer unlock()
	s.stopLocked(key)
	return nil
}

func (s *Supervisor) stopLocked(key string) {
	s.mu.Lock()
	sess := s.sessions[key]
	s.mu.Unlock()
	if sess == nil {
		return
	}

	sess.signal(syscall.SIGTERM)
	grace := time.NewTimer(s.stopGrace)
	defer grace.Stop()
	select {
	case <-sess.done:
		return
	case <-grace.C:
	}

	sess.kill()
	bound := time.NewTimer(s.stopBound - s.stopGrace)
	defer bound.Stop()
	select {
	case <-sess.done:
	case <-bound.C:
		slog.Error("shell stop exceeded safety bound", "key", key)
		s.mu.Lock()
		if s.sessions[key] == sess {
			delete(s.sessions, key)
		}
		s.mu.Unlock()
	}
}

func (s *Supervisor) IsActive(key string) bool {
	return s.lookup(key) != nil
}

// StopAll stops every live session, swallowing per-key failures.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.sessions))
	for key := range s.sessions {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_ = s.Stop(key)
		}(key)
	}
	wg.Wait()
}

func (s *Supervisor) lookup(key string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[key]
}

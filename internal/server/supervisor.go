// Package server supervises the long-running Odoo server process of each
// instance: at most one live process per key, readiness detection from the
// log stream, and an escalating graceful/forceful/bounded stop.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/vpescete/odoo-claude-code/internal/audit"
	"github.com/vpescete/odoo-claude-code/internal/broadcast"
	"github.com/vpescete/odoo-claude-code/internal/event"
	"github.com/vpescete/odoo-claude-code/internal/instance"
	"github.com/vpescete/odoo-claude-code/internal/notify"
	"github.com/vpescete/odoo-claude-code/internal/supervise"
)

var ErrAlreadyRunning = errors.New("server already running for instance")

type Supervisor struct {
	instances instance.Store
	hub       *broadcast.Hub
	notifier  notify.Notifier
	auditLog  *audit.Logger

	stopGrace time.Duration
	stopBound time.Duration

	// ops serializes start/stop/restart per key so a start issued while a
	// stop is in flight waits for the teardown instead of racing it.
	ops *supervise.KeyMutex

	mu        sync.Mutex
	processes map[string]*process
}

type process struct {
	key      string
	instName string
	cmd      *exec.Cmd
	recent   *lineRing

	readyOnce  sync.Once
	settleOnce sync.Once

	stopMu        sync.Mutex
	stopRequested bool

	exited chan struct{}
}

func (p *process) markStopRequested() {
	p.stopMu.Lock()
	p.stopRequested = true
	p.stopMu.Unlock()
}

func (p *process) wasStopRequested() bool {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	return p.stopRequested
}

func NewSupervisor(instances instance.Store, hub *broadcast.Hub, notifier notify.Notifier, auditLog *audit.Logger, stopGrace, stopBound time.Duration) *Supervisor {
	if stopGrace <= 0 {
		stopGrace = 10 * time.Second
	}
	if stopBound <= stopGrace {
		stopBound = stopGrace + 5*time.Second
	}
	return &Supervisor{
		instances: instances,
		hub:       hub,
		notifier:  notifier,
		auditLog:  auditLog,
		stopGrace: stopGrace,
		stopBound: stopBound,
		ops:       supervise.NewKeyMutex(),
		processes: make(map[string]*process),
	}
}

// Start launches the server for key. Precondition failures (missing
// artifact, occupied port, already running) are returned synchronously and
// never reach the starting state.
func (s *Supervisor) Start(key string) error {
	unlock := s.ops.Lock(key)
	defer unlock()
	return s.startLocked(key)
}

func (s *Supervisor) startLocked(key string) error {
	s.mu.Lock()
	_, active := s.processes[key]
	s.mu.Unlock()
	if active {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}

	inst, err := s.instances.Get(key)
	if err != nil {
		return err
	}
	if err := instance.ValidateArtifacts(inst); err != nil {
		return err
	}
	if err := probePorts(inst.HTTPPort, inst.GeventPort); err != nil {
		return err
	}

	s.publishStatus(key, event.StatusStarting, "")

	cmd := exec.Command(inst.PythonPath, inst.ServerPath, "-c", inst.ConfigPath)
	if inst.WorkDir != "" {
		cmd.Dir = inst.WorkDir
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.publishStatus(key, event.StatusError, err.Error())
		return fmt.Errorf("capture stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.publishStatus(key, event.StatusError, err.Error())
		return fmt.Errorf("capture stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		// Spawn-level failure maps straight to error, never to running.
		s.publishStatus(key, event.StatusError, err.Error())
		return fmt.Errorf("spawn server for %s: %w", key, err)
	}

	p := &process{
		key:      key,
		instName: inst.Name,
		cmd:      cmd,
		recent:   newLineRing(200),
		exited:   make(chan struct{}),
	}
	s.mu.Lock()
	s.processes[key] = p
	s.mu.Unlock()

	s.auditLog.Log(audit.Event{Key: key, Kind: "server_start", Meta: map[string]any{"pid": cmd.Process.Pid}})
	slog.Info("server process started", "key", key, "pid", cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go s.readOutput(p, stdout, &readers)
	go s.readOutput(p, stderr, &readers)
	go s.waitExit(p, &readers)
	return nil
}

func (s *Supervisor) readOutput(p *process, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.recent.Push(line)
		s.hub.Publish(event.New(event.KindProcessLogLine, p.key, event.ProcessLogPayload{
			Level: classifyLine(line),
			Line:  line,
		}))
		if isReadyMarker(line) {
			// Only the first marker flips the flag; later workers logging
			// the same banner are ignored.
			p.readyOnce.Do(func() {
				s.publishStatus(p.key, event.StatusRunning, "")
				if !s.hub.AnyFocused() {
					name := p.instName
					if name == "" {
						name = p.key
					}
					s.notifier.Notify("Odoo running", fmt.Sprintf("Instance %s is ready", name))
				}
			})
		}
	}
}

func (s *Supervisor) waitExit(p *process, readers *sync.WaitGroup) {
	readers.Wait()
	err := p.cmd.Wait()

	// Settle before releasing exit waiters: a stop waiter resumes only
	// after the registry entry is gone, so a restart that follows the stop
	// never sees the stale record.
	if err == nil || p.wasStopRequested() {
		s.settle(p, event.StatusStopped, "")
		close(p.exited)
		return
	}

	lastLine := p.recent.Last()
	s.settle(p, event.StatusError, err.Error())
	close(p.exited)
	if lastLine != "" {
		// Surface the line the process died on at ERROR level so the log
		// viewer shows the cause without scrolling.
		s.hub.Publish(event.New(event.KindProcessLogLine, p.key, event.ProcessLogPayload{
			Level: event.LevelError,
			Line:  lastLine,
		}))
	}
	name := p.instName
	if name == "" {
		name = p.key
	}
	s.notifier.Notify("Odoo crashed", fmt.Sprintf("Instance %s exited unexpectedly", name))
	slog.Warn("server process exited with error", "key", p.key, "err", err, "last_line", lastLine)
}

// settle emits the terminal status and removes the registry entry exactly
// once, whichever teardown path gets here first.
func (s *Supervisor) settle(p *process, status event.ProcessStatus, message string) {
	p.settleOnce.Do(func() {
		s.mu.Lock()
		if s.processes[p.key] == p {
			delete(s.processes, p.key)
		}
		s.mu.Unlock()
		s.publishStatus(p.key, status, message)
	})
}

// Stop requests graceful termination and escalates: SIGTERM, then SIGKILL
// after the grace period, then an outer safety bound so the caller is never
// left hanging. Stopping an inactive key is a no-op.
func (s *Supervisor) Stop(key string) error {
	unlock := s.ops.Lock(key)
	defer unlock()
	return s.stopLocked(key)
}

func (s *Supervisor) stopLocked(key string) error {
	s.mu.Lock()
	p := s.processes[key]
	s.mu.Unlock()
	if p == nil {
		return nil
	}

	p.markStopRequested()
	s.publishStatus(key, event.StatusStopping, "")
	s.auditLog.Log(audit.Event{Key: key, Kind: "server_stop"})
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	grace := time.NewTimer(s.stopGrace)
	defer grace.Stop()
	select {
	case <-p.exited:
		return nil
	case <-grace.C:
	}

	slog.Warn("server did not exit within grace period, killing", "key", key)
	_ = p.cmd.Process.Kill()

	bound := time.NewTimer(s.stopBound - s.stopGrace)
	defer bound.Stop()
	select {
	case <-p.exited:
	case <-bound.C:
		// The process is unkillable (likely stuck in the kernel); give up
		// on observing the exit and settle so the caller resolves.
		slog.Error("server stop exceeded safety bound", "key", key)
		s.settle(p, event.StatusStopped, "stop timed out")
	}
	return nil
}

// Restart stops the current process if any, then starts a fresh one.
func (s *Supervisor) Restart(key string) error {
	unlock := s.ops.Lock(key)
	defer unlock()
	if err := s.stopLocked(key); err != nil {
		return err
	}
	return s.startLocked(key)
}

func (s *Supervisor) IsActive(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processes[key]
	return ok
}

// RecentLog returns up to n recent output lines for a running instance.
func (s *Supervisor) RecentLog(key string, n int) []string {
	s.mu.Lock()
	p := s.processes[key]
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.recent.Tail(n)
}

// StopAll stops every live process, swallowing per-key failures. Used at
// daemon shutdown where nothing can act on an individual stop error.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.processes))
	for key := range s.processes {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if err := s.Stop(key); err != nil {
				slog.Warn("stop during shutdown failed", "key", key, "err", err)
			}
		}(key)
	}
	wg.Wait()
}

func (s *Supervisor) publishStatus(key string, status event.ProcessStatus, message string) {
	s.hub.Publish(event.New(event.KindProcessStatusChanged, key, event.ProcessStatusPayload{
		Status:  status,
		Message: message,
	}))
}

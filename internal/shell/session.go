package shell

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/vpescete/odoo-claude-code/internal/instance"
)

// Only a minimal, well-known slice of the host environment reaches the
// shell; everything else stays on the daemon side.
var hostEnvAllowList = []string{
	"PATH", "HOME", "USER", "SHELL", "TERM",
	"LANG", "LC_ALL", "LC_CTYPE",
	"TMPDIR", "XDG_RUNTIME_DIR", "XDG_CONFIG_HOME", "XDG_DATA_HOME",
}

func minimalHostEnv() []string {
	var env []string
	for _, key := range hostEnvAllowList {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return env
}

// session is one interactive odoo shell attached to a pseudo-terminal.
type session struct {
	key string

	mu   sync.RWMutex
	cmd  *exec.Cmd
	ptmx *os.File
	seq  uint64

	closeOnce sync.Once
	done      chan struct{}
}

func startSession(inst instance.Instance, cols, rows uint16) (*session, error) {
	args := []string{inst.ServerPath, "shell", "-c", inst.ConfigPath}
	if inst.Database != "" {
		args = append(args, "-d", inst.Database)
	}
	cmd := exec.Command(inst.PythonPath, args...)
	if inst.WorkDir != "" {
		cmd.Dir = inst.WorkDir
	}
	cmd.Env = append(minimalHostEnv(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("attach pty for %s: %w", inst.Key, err)
	}
	if cols > 0 && rows > 0 {
		_ = pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
	}
	return &session{
		key:  inst.Key,
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}, nil
}

// readLoop relays PTY output chunks until the terminal closes, then reaps
// the process and reports the exit exactly once.
func (s *session) readLoop(onChunk func(seq uint64, chunk []byte), onExit func(code *int, reason string)) {
	s.mu.RLock()
	ptmx := s.ptmx
	s.mu.RUnlock()

	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			onChunk(s.nextSeq(), chunk)
		}
		if err != nil {
			break
		}
	}

	err := s.cmd.Wait()
	var exitCode *int
	reason := "exited"
	if err != nil {
		var ex *exec.ExitError
		if errors.As(err, &ex) {
			code := ex.ExitCode()
			exitCode = &code
			if ws, ok := ex.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				reason = "signal:" + ws.Signal().String()
			}
		} else {
			reason = err.Error()
		}
	} else if s.cmd.ProcessState != nil {
		code := s.cmd.ProcessState.ExitCode()
		exitCode = &code
	}
	s.close()
	onExit(exitCode, reason)
}

func (s *session) write(p []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ptmx == nil {
		return errors.New("shell session closed")
	}
	_, err := s.ptmx.Write(p)
	return err
}

func (s *session) resize(cols, rows uint16) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ptmx == nil {
		return errors.New("shell session closed")
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (s *session) signal(sig syscall.Signal) {
	s.mu.RLock()
	proc := s.cmd.Process
	s.mu.RUnlock()
	if proc != nil {
		_ = proc.Signal(sig)
	}
}

func (s *session) kill() {
	s.mu.RLock()
	proc := s.cmd.Process
	s.mu.RUnlock()
	if proc != nil {
		_ = proc.Kill()
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.ptmx != nil {
			_ = s.ptmx.Close()
			s.ptmx = nil
		}
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *session) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

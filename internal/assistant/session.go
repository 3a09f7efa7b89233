package assistant

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vpescete/odoo-claude-code/internal/broadcast"
	"github.com/vpescete/odoo-claude-code/internal/event"
	"github.com/vpescete/odoo-claude-code/internal/history"
)

// maxStreamLine bounds one NDJSON line from the backend. Assistant messages
// embed full tool outputs, so lines run far past bufio's default.
const maxStreamLine = 4 * 1024 * 1024

// session is one live backend process. The write loop pulls prompts from the
// queue and serializes them onto stdin; the read loop owns stdout and is the
// only goroutine that mutates session state from the stream.
type session struct {
	key    string
	ctx    context.Context
	cancel context.CancelFunc

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	queue  *promptQueue
	perms  *permissionBroker
	hub    *broadcast.Hub
	hist   history.Store
	logger *slog.Logger

	// done closes after the process is reaped and teardown has run.
	done chan struct{}

	stdinMu sync.Mutex

	mu              sync.Mutex
	model           string
	permissionMode  string
	remoteSessionID string
	firstPrompt     string
	previewPending  bool

	// onExit fires once after the process is gone. cancelled reports
	// whether teardown was requested rather than suffered.
	onExit func(err error, cancelled bool)
}

type sessionConfig struct {
	key            string
	backendPath    string
	workDir        string
	model          string
	permissionMode string
	resumeID       string
	apiKey         string
}

// startBackend spawns the CLI process and wires its pipes. The I/O loops do
// not run until the caller invokes run, so hooks can be installed first.
func startBackend(cfg sessionConfig, hub *broadcast.Hub, hist history.Store, perms func(s *session) *permissionBroker, logger *slog.Logger) (*session, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
		"--verbose",
	}
	if cfg.model != "" {
		args = append(args, "--model", cfg.model)
	}
	if cfg.permissionMode != "" {
		args = append(args, "--permission-mode", cfg.permissionMode)
	}
	if cfg.resumeID != "" {
		args = append(args, "--resume", cfg.resumeID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, cfg.backendPath, args...)
	cmd.Dir = cfg.workDir
	cmd.Env = os.Environ()
	if cfg.apiKey != "" {
		cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+cfg.apiKey)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting assistant backend: %w", err)
	}

	s := &session{
		key:            cfg.key,
		ctx:            ctx,
		cancel:         cancel,
		cmd:            cmd,
		stdin:          stdin,
		stdout:         stdout,
		stderr:         stderr,
		queue:          newPromptQueue(),
		hub:            hub,
		hist:           hist,
		logger:         logger,
		done:           make(chan struct{}),
		model:          cfg.model,
		permissionMode: cfg.permissionMode,
	}
	s.perms = perms(s)
	return s, nil
}

// run starts the I/O loops. Must be called exactly once, after onExit is set.
func (s *session) run() {
	go s.drainStderr(s.stderr)
	go s.writeLoop()
	go s.readLoop(s.stdout)
}

func (s *session) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 16*1024), 256*1024)
	for sc.Scan() {
		s.logger.Debug("assistant backend stderr", "key", s.key, "line", sc.Text())
	}
}

// writeFrame marshals one frame onto stdin. Frames from the write loop and
// permission responses interleave, so the write is serialized.
func (s *session) writeFrame(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if _, err := s.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing to assistant backend: %w", err)
	}
	return nil
}

func (s *session) writeLoop() {
	for {
		t, err := s.queue.pull(s.ctx)
		if err != nil {
			return
		}
		if err := s.writeFrame(newUserMessage("", t.Text, t.ParentToolUseID)); err != nil {
			s.logger.Warn("assistant prompt write failed", "key", s.key, "error", err)
			return
		}
	}
}

func (s *session) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxStreamLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m streamMessage
		if err := json.Unmarshal(line, &m); err != nil {
			s.logger.Debug("unparseable backend line", "key", s.key, "error", err)
			continue
		}
		s.dispatch(m)
	}

	waitErr := s.cmd.Wait()
	cancelled := s.ctx.Err() != nil

	s.perms.closeAll()
	s.queue.close()
	s.cancel()
	_ = s.stdin.Close()

	s.onExit(waitErr, cancelled)
	close(s.done)
}

func (s *session) dispatch(m streamMessage) {
	switch m.Type {
	case "system":
		if m.Subtype == "init" {
			s.handleInit(m)
		}
	case "assistant":
		s.hub.Publish(event.New(event.KindAssistantMessage, s.key, event.AssistantMessagePayload{Message: m.Message}))
	case "stream_event":
		s.hub.Publish(event.New(event.KindStreamDelta, s.key, event.StreamDeltaPayload{Event: m.Event}))
	case "result":
		p := event.TurnResultPayload{
			Subtype:       m.Subtype,
			IsError:       m.IsError,
			Result:        m.Result,
			DurationMS:    m.DurationMS,
			NumTurns:      m.NumTurns,
			TotalCostUSD:  m.TotalCostUSD,
			RemoteSession: m.SessionID,
		}
		if m.Usage != nil {
			p.InputTokens = m.Usage.InputTokens
			p.OutputTokens = m.Usage.OutputTokens
		}
		s.hub.Publish(event.New(event.KindTurnResult, s.key, p))
	case "control_request":
		s.handleControlRequest(m)
	case "control_response":
		// Ack for an interrupt or setting change; nothing to update.
	default:
		s.logger.Debug("unhandled backend message", "key", s.key, "type", m.Type)
	}
}

func (s *session) handleInit(m streamMessage) {
	s.mu.Lock()
	s.remoteSessionID = m.SessionID
	if m.Model != "" {
		s.model = m.Model
	}
	if m.PermissionMode != "" {
		s.permissionMode = m.PermissionMode
	}
	model := s.model
	mode := s.permissionMode
	s.mu.Unlock()

	s.hub.Publish(event.New(event.KindSessionInitialized, s.key, event.SessionInitializedPayload{
		RemoteSessionID: m.SessionID,
		Model:           model,
		PermissionMode:  mode,
		Tools:           m.Tools,
	}))

	if s.hist != nil && m.SessionID != "" {
		if err := s.hist.AddSession(s.key, m.SessionID, model, time.Now()); err != nil {
			s.logger.Warn("recording session in history failed", "key", s.key, "error", err)
		}
		if preview := s.takePendingPreview(); preview != "" {
			if err := s.hist.UpdatePreview(s.key, m.SessionID, preview); err != nil {
				s.logger.Warn("recording session preview failed", "key", s.key, "error", err)
			}
		}
	}
}

func (s *session) handleControlRequest(m streamMessage) {
	var body controlRequestBody
	if err := json.Unmarshal(m.Request, &body); err != nil {
		s.logger.Debug("unparseable control request", "key", s.key, "error", err)
		return
	}
	if body.Subtype != "can_use_tool" {
		// Unknown control requests are acknowledged so the backend never
		// blocks on a frame we do not understand.
		if err := s.writeFrame(successResponse(m.RequestID)); err != nil {
			s.logger.Debug("control ack failed", "key", s.key, "error", err)
		}
		return
	}

	s.perms.add(m.RequestID, body)
	s.hub.Publish(event.New(event.KindPermissionRequest, s.key, event.PermissionRequestPayload{
		RequestID:   m.RequestID,
		ToolName:    body.ToolName,
		Input:       body.Input,
		ToolUseID:   body.ToolUseID,
		Suggestions: body.Suggestions,
	}))
}

// sendControl issues an outbound control request. The backend's ack arrives
// on the stream and is ignored.
func (s *session) sendControl(req map[string]any) error {
	return s.writeFrame(controlRequest{
		Type:      "control_request",
		RequestID: "req_" + uuid.NewString(),
		Request:   req,
	})
}

// notePrompt records the first prompt text for a later history preview.
// It reports the stored preview text when the remote session id is already
// known, meaning the caller should persist it now.
func (s *session) notePrompt(text string) (remoteID, preview string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstPrompt != "" || s.previewPending {
		return "", ""
	}
	if s.remoteSessionID != "" {
		s.firstPrompt = text
		return s.remoteSessionID, text
	}
	s.firstPrompt = text
	s.previewPending = true
	return "", ""
}

// takePendingPreview hands out the stored first prompt once the remote id
// exists. Returns "" when there is nothing to flush.
func (s *session) takePendingPreview() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.previewPending {
		return ""
	}
	s.previewPending = false
	return s.firstPrompt
}

func (s *session) setModel(model string) {
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
}

func (s *session) setPermissionMode(mode string) {
	s.mu.Lock()
	s.permissionMode = mode
	s.mu.Unlock()
}

// stop requests teardown and waits for the read loop to finish, bounded so a
// wedged backend cannot stall its caller forever.
func (s *session) stop(bound time.Duration) {
	s.cancel()
	s.stdinMu.Lock()
	_ = s.stdin.Close()
	s.stdinMu.Unlock()

	select {
	case <-s.done:
	case <-time.After(bound):
		s.logger.Warn("assistant backend did not exit within bound", "key", s.key)
	}
}

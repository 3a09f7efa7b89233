package assistant

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vpescete/odoo-claude-code/internal/broadcast"
	"github.com/vpescete/odoo-claude-code/internal/event"
	"github.com/vpescete/odoo-claude-code/internal/history"
	"github.com/vpescete/odoo-claude-code/internal/instance"
)

type fakeStore struct {
	instances map[string]instance.Instance
}

func (f *fakeStore) Get(key string) (instance.Instance, error) {
	inst, ok := f.instances[key]
	if !ok {
		return instance.Instance{}, instance.ErrNotFound
	}
	return inst, nil
}

func (f *fakeStore) List() ([]instance.Instance, error) {
	out := make([]instance.Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out, nil
}

// writeBackend creates a fake assistant CLI that speaks stream-json over
// stdio. The body runs after the init line has been printed.
func writeBackend(t *testing.T, dir, body string) string {
	t.Helper()
	script := filepath.Join(dir, "claude")
	content := "#!/bin/sh\n" +
		`echo '{"type":"system","subtype":"init","session_id":"remote-1","model":"claude-sonnet-4-5","permissionMode":"default","tools":["Bash","Read"]}'` + "\n" +
		body
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatalf("write backend script: %v", err)
	}
	return script
}

// echoTurnBody answers every user message with one assistant message and a
// result line.
const echoTurnBody = `
while read line; do
  case "$line" in
  *'"type":"user"'*)
    echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"ok"}]}}'
    echo '{"type":"result","subtype":"success","is_error":false,"result":"done","duration_ms":12,"num_turns":1,"total_cost_usd":0.003,"session_id":"remote-1","usage":{"input_tokens":10,"output_tokens":4}}'
    ;;
  esac
done
`

type assistantHarness struct {
	sup  *Supervisor
	obs  *broadcast.Observer
	hist *history.SQLiteStore
}

func newAssistantHarness(t *testing.T, backendPath string) *assistantHarness {
	t.Helper()
	hub := broadcast.NewHub()
	obs, detach := hub.Attach()
	t.Cleanup(detach)

	hist, err := history.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = hist.Close() })

	store := &fakeStore{instances: map[string]instance.Instance{
		"inst-1": {Key: "inst-1", Name: "test", WorkDir: t.TempDir()},
	}}
	sup := NewSupervisor(store, hub, hist, nil, nil, Options{
		BackendPath:               backendPath,
		DefaultModel:              "claude-sonnet-4-5",
		PermissionTimeout:         200 * time.Millisecond,
		PermissionTimeoutBehavior: "allow",
		StopBound:                 2 * time.Second,
	}, nil)
	t.Cleanup(sup.StopAll)
	return &assistantHarness{sup: sup, obs: obs, hist: hist}
}

func (h *assistantHarness) nextEvent(t *testing.T, kind event.Kind, timeout time.Duration) event.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-h.obs.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestSessionLifecycleAndTurn(t *testing.T) {
	backend := writeBackend(t, t.TempDir(), echoTurnBody)
	h := newAssistantHarness(t, backend)

	if err := h.sup.StartSession("inst-1", StartOptions{}); err != nil {
		t.Fatal(err)
	}
	h.nextEvent(t, event.KindSessionStarted, 2*time.Second)

	initEv := h.nextEvent(t, event.KindSessionInitialized, 2*time.Second)
	var initPayload event.SessionInitializedPayload
	if err := json.Unmarshal(initEv.Data, &initPayload); err != nil {
		t.Fatal(err)
	}
	if initPayload.RemoteSessionID != "remote-1" {
		t.Fatalf("remote session id = %q", initPayload.RemoteSessionID)
	}

	if err := h.sup.SendMessage("inst-1", "add a sale order wizard", ""); err != nil {
		t.Fatal(err)
	}
	h.nextEvent(t, event.KindAssistantMessage, 2*time.Second)

	resultEv := h.nextEvent(t, event.KindTurnResult, 2*time.Second)
	var result event.TurnResultPayload
	if err := json.Unmarshal(resultEv.Data, &result); err != nil {
		t.Fatal(err)
	}
	if result.IsError || result.NumTurns != 1 || result.InputTokens != 10 {
		t.Fatalf("unexpected result payload: %+v", result)
	}

	// The session and first-prompt preview land in history.
	waitForCondition(t, 2*time.Second, func() bool {
		recs, err := h.hist.ListSessions("inst-1")
		if err != nil || len(recs) != 1 {
			return false
		}
		return recs[0].RemoteSessionID == "remote-1" && recs[0].Preview == "add a sale order wizard"
	})

	h.sup.StopSession("inst-1")
	h.nextEvent(t, event.KindSessionStopped, 2*time.Second)
	if h.sup.IsActive("inst-1") {
		t.Fatal("session still active after stop")
	}

	// Stopping again converges without events or errors.
	h.sup.StopSession("inst-1")
}

func TestPromptsQueuedBeforeInitArriveInOrder(t *testing.T) {
	// The backend stalls before reading stdin, so both prompts queue up
	// before the write loop can deliver the first one.
	body := "sleep 0.3\n" + echoTurnBody
	backend := writeBackend(t, t.TempDir(), body)
	h := newAssistantHarness(t, backend)

	if err := h.sup.StartSession("inst-1", StartOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := h.sup.SendMessage("inst-1", "first prompt", ""); err != nil {
		t.Fatal(err)
	}
	if err := h.sup.SendMessage("inst-1", "second prompt", ""); err != nil {
		t.Fatal(err)
	}

	// Two turns complete, one per prompt, in order.
	h.nextEvent(t, event.KindTurnResult, 3*time.Second)
	h.nextEvent(t, event.KindTurnResult, 3*time.Second)

	// Only the first prompt becomes the preview.
	waitForCondition(t, 2*time.Second, func() bool {
		recs, err := h.hist.ListSessions("inst-1")
		return err == nil && len(recs) == 1 && recs[0].Preview == "first prompt"
	})
}

func TestPermissionRequestRoundTrip(t *testing.T) {
	body := `
echo '{"type":"control_request","request_id":"toolreq-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"},"tool_use_id":"tu-1","permission_suggestions":[{"command":"ls -la"}]}}'
while read line; do
  case "$line" in
  *'"behavior":"allow"'*)
    echo '{"type":"result","subtype":"success","is_error":false,"result":"ran it","duration_ms":1,"num_turns":1,"total_cost_usd":0,"session_id":"remote-1"}'
    ;;
  esac
done
`
	backend := writeBackend(t, t.TempDir(), body)
	h := newAssistantHarness(t, backend)

	if err := h.sup.StartSession("inst-1", StartOptions{}); err != nil {
		t.Fatal(err)
	}

	reqEv := h.nextEvent(t, event.KindPermissionRequest, 2*time.Second)
	var req event.PermissionRequestPayload
	if err := json.Unmarshal(reqEv.Data, &req); err != nil {
		t.Fatal(err)
	}
	if req.RequestID != "toolreq-1" || req.ToolName != "Bash" {
		t.Fatalf("unexpected request payload: %+v", req)
	}
	// Backend-suggested input edits ride along so the UI can offer them.
	if !strings.Contains(string(req.Suggestions), "ls -la") {
		t.Fatalf("suggestions missing from payload: %s", req.Suggestions)
	}

	if err := h.sup.ResolvePermission("inst-1", req.RequestID, Decision{Allow: true}); err != nil {
		t.Fatal(err)
	}

	// The backend saw the allow response and completed the turn.
	h.nextEvent(t, event.KindTurnResult, 2*time.Second)

	// The request resolved once; a late duplicate decision is rejected.
	err := h.sup.ResolvePermission("inst-1", req.RequestID, Decision{Allow: false})
	if !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("err = %v, want ErrUnknownRequest", err)
	}
}

func TestPermissionTimeoutAutoAllows(t *testing.T) {
	body := `
echo '{"type":"control_request","request_id":"toolreq-2","request":{"subtype":"can_use_tool","tool_name":"Read","input":{"file":"x"}}}'
while read line; do
  case "$line" in
  *'"behavior":"allow"'*)
    echo '{"type":"result","subtype":"success","is_error":false,"result":"read it","duration_ms":1,"num_turns":1,"total_cost_usd":0,"session_id":"remote-1"}'
    ;;
  esac
done
`
	backend := writeBackend(t, t.TempDir(), body)
	h := newAssistantHarness(t, backend)

	if err := h.sup.StartSession("inst-1", StartOptions{}); err != nil {
		t.Fatal(err)
	}
	h.nextEvent(t, event.KindPermissionRequest, 2*time.Second)

	// No explicit decision; the configured timeout resolves it as allow.
	h.nextEvent(t, event.KindTurnResult, 2*time.Second)
}

func TestBackendCrashBroadcastsError(t *testing.T) {
	backend := writeBackend(t, t.TempDir(), "exit 3\n")
	h := newAssistantHarness(t, backend)

	if err := h.sup.StartSession("inst-1", StartOptions{}); err != nil {
		t.Fatal(err)
	}

	h.nextEvent(t, event.KindSessionError, 2*time.Second)
	h.nextEvent(t, event.KindSessionStopped, 2*time.Second)

	waitForCondition(t, 2*time.Second, func() bool {
		return !h.sup.IsActive("inst-1")
	})
}

func TestStopMidStreamEndsEventFlow(t *testing.T) {
	// The backend emits deltas continuously until its pipes are torn down.
	body := `
while true; do
  echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"text":"..."}}}'
  sleep 0.02
done
`
	backend := writeBackend(t, t.TempDir(), body)
	h := newAssistantHarness(t, backend)

	if err := h.sup.StartSession("inst-1", StartOptions{}); err != nil {
		t.Fatal(err)
	}
	h.nextEvent(t, event.KindStreamDelta, 2*time.Second)

	h.sup.StopSession("inst-1")
	h.nextEvent(t, event.KindSessionStopped, 3*time.Second)

	// Cancellation is not an error, and nothing streams past the stop.
	drainDeadline := time.After(300 * time.Millisecond)
	for {
		select {
		case ev := <-h.obs.Events():
			switch ev.Kind {
			case event.KindStreamDelta, event.KindAssistantMessage, event.KindTurnResult:
				t.Fatalf("got %s event after session stopped", ev.Kind)
			case event.KindSessionError:
				t.Fatal("cancellation surfaced as a session error")
			}
		case <-drainDeadline:
			return
		}
	}
}

func TestStartReplacesExistingSession(t *testing.T) {
	backend := writeBackend(t, t.TempDir(), echoTurnBody)
	h := newAssistantHarness(t, backend)

	if err := h.sup.StartSession("inst-1", StartOptions{}); err != nil {
		t.Fatal(err)
	}
	h.nextEvent(t, event.KindSessionInitialized, 2*time.Second)

	if err := h.sup.StartSession("inst-1", StartOptions{Model: "claude-opus-4-5"}); err != nil {
		t.Fatal(err)
	}
	// The first session is torn down before the second starts.
	h.nextEvent(t, event.KindSessionStopped, 2*time.Second)

	startedEv := h.nextEvent(t, event.KindSessionStarted, 2*time.Second)
	var started event.SessionStartedPayload
	if err := json.Unmarshal(startedEv.Data, &started); err != nil {
		t.Fatal(err)
	}
	if started.Model != "claude-opus-4-5" {
		t.Fatalf("model = %q", started.Model)
	}
	if !h.sup.IsActive("inst-1") {
		t.Fatal("replacement session not active")
	}
}

func TestOperationsWithoutSession(t *testing.T) {
	backend := writeBackend(t, t.TempDir(), echoTurnBody)
	h := newAssistantHarness(t, backend)

	if err := h.sup.SendMessage("inst-1", "hello", ""); !errors.Is(err, ErrNoSession) {
		t.Fatalf("SendMessage err = %v, want ErrNoSession", err)
	}
	if err := h.sup.SetModel("inst-1", "claude-opus-4-5"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("SetModel err = %v, want ErrNoSession", err)
	}
	if err := h.sup.SetPermissionMode("inst-1", "plan"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("SetPermissionMode err = %v, want ErrNoSession", err)
	}
	if err := h.sup.Interrupt("inst-1"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Interrupt err = %v, want ErrNoSession", err)
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

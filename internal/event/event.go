// Package event defines the broadcast event records pushed to attached
// observers. Every supervisor emits these; the websocket layer relays them
// verbatim. Payload shapes are stable per kind: new kinds may be added but
// existing payloads never change.
package event

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	// Server process supervisor.
	KindProcessStatusChanged Kind = "process-status-changed"
	KindProcessLogLine       Kind = "process-log-line"

	// Shell session supervisor.
	KindShellOutput Kind = "shell-output"
	KindShellExit   Kind = "shell-exit"

	// Assistant session supervisor.
	KindSessionStarted     Kind = "session-started"
	KindSessionStopped     Kind = "session-stopped"
	KindSessionInitialized Kind = "session-initialized"
	KindAssistantMessage   Kind = "assistant-message"
	KindStreamDelta        Kind = "stream-delta"
	KindTurnResult         Kind = "turn-result"
	KindPermissionRequest  Kind = "permission-request"
	KindSessionError       Kind = "session-error"
)

// Event is the envelope broadcast to observers. Key identifies the owning
// instance; Data is the kind-specific payload.
type Event struct {
	Kind Kind            `json:"kind"`
	Key  string          `json:"key"`
	TsMS int64           `json:"ts_ms"`
	Data json.RawMessage `json:"data,omitempty"`
}

// New builds an event, marshalling the payload. A payload that fails to
// marshal yields an event with empty data rather than no event at all.
func New(kind Kind, key string, payload any) Event {
	ev := Event{
		Kind: kind,
		Key:  key,
		TsMS: time.Now().UnixMilli(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Data = data
		}
	}
	return ev
}

// ProcessStatus is the server process state machine.
type ProcessStatus string

const (
	StatusStopped  ProcessStatus = "stopped"
	StatusStarting ProcessStatus = "starting"
	StatusRunning  ProcessStatus = "running"
	StatusStopping ProcessStatus = "stopping"
	StatusError    ProcessStatus = "error"
)

// LogLevel classifies a server log line.
type LogLevel string

const (
	LevelDebug    LogLevel = "DEBUG"
	LevelInfo     LogLevel = "INFO"
	LevelWarning  LogLevel = "WARNING"
	LevelError    LogLevel = "ERROR"
	LevelCritical LogLevel = "CRITICAL"
)

type ProcessStatusPayload struct {
	Status  ProcessStatus `json:"status"`
	Message string        `json:"message,omitempty"`
}

type ProcessLogPayload struct {
	Level LogLevel `json:"level"`
	Line  string   `json:"line"`
}

type ShellOutputPayload struct {
	DataB64 string `json:"data_b64"`
	Seq     uint64 `json:"seq"`
}

type ShellExitPayload struct {
	ExitCode *int   `json:"exit_code,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type SessionStartedPayload struct {
	Model          string `json:"model"`
	PermissionMode string `json:"permission_mode"`
	ResumeID       string `json:"resume_id,omitempty"`
}

type SessionInitializedPayload struct {
	RemoteSessionID string   `json:"remote_session_id"`
	Model           string   `json:"model"`
	PermissionMode  string   `json:"permission_mode"`
	Tools           []string `json:"tools,omitempty"`
}

type AssistantMessagePayload struct {
	Message json.RawMessage `json:"message"`
}

type StreamDeltaPayload struct {
	Event json.RawMessage `json:"event"`
}

type TurnResultPayload struct {
	Subtype       string  `json:"subtype"`
	IsError       bool    `json:"is_error"`
	Result        string  `json:"result,omitempty"`
	DurationMS    int64   `json:"duration_ms"`
	NumTurns      int     `json:"num_turns"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	InputTokens   int64   `json:"input_tokens,omitempty"`
	OutputTokens  int64   `json:"output_tokens,omitempty"`
	RemoteSession string  `json:"remote_session_id,omitempty"`
}

type PermissionRequestPayload struct {
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	// Suggestions are backend-proposed input edits the user may accept
	// instead of the original input.
	Suggestions json.RawMessage `json:"permission_suggestions,omitempty"`
}

type SessionErrorPayload struct {
	Message string `json:"message"`
}

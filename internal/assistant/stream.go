package assistant

import "encoding/json"

// The backend CLI speaks NDJSON on stdin/stdout: one JSON object per line,
// discriminated by "type". Unit boundaries are the backend's own, so
// classification is a pure dispatch with no partial-state reassembly.

// streamMessage is a parsed line from the backend's stdout.
type streamMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`

	// system/init fields
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	Tools          []string `json:"tools,omitempty"`

	// result fields
	IsError       bool    `json:"is_error,omitempty"`
	Result        string  `json:"result,omitempty"`
	DurationMS    int64   `json:"duration_ms,omitempty"`
	NumTurns      int     `json:"num_turns,omitempty"`
	TotalCostUSD  float64 `json:"total_cost_usd,omitempty"`
	Usage         *usage  `json:"usage,omitempty"`

	// control_request fields
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
}

type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// controlRequestBody is the inner payload of an inbound control_request.
type controlRequestBody struct {
	Subtype     string          `json:"subtype"`
	ToolName    string          `json:"tool_name,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	Suggestions json.RawMessage `json:"permission_suggestions,omitempty"`
}

// outbound frames

type userMessage struct {
	Type            string           `json:"type"`
	SessionID       string           `json:"session_id,omitempty"`
	ParentToolUseID string           `json:"parent_tool_use_id,omitempty"`
	Message         userMessageInner `json:"message"`
}

type userMessageInner struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func newUserMessage(sessionID, text, parentToolUseID string) userMessage {
	return userMessage{
		Type:            "user",
		SessionID:       sessionID,
		ParentToolUseID: parentToolUseID,
		Message: userMessageInner{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: text}},
		},
	}
}

type controlRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   any    `json:"request"`
}

type controlResponse struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// permissionDecision is the response payload for a can_use_tool request.
type permissionDecision struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

func allowResponse(requestID string, updatedInput json.RawMessage) controlResponse {
	return controlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  permissionDecision{Behavior: "allow", UpdatedInput: updatedInput},
		},
	}
}

func denyResponse(requestID, message string) controlResponse {
	return controlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  permissionDecision{Behavior: "deny", Message: message},
		},
	}
}

func successResponse(requestID string) controlResponse {
	return controlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
		},
	}
}

// Package httpd exposes the local control API. Commands arrive over plain
// HTTP; everything asynchronous flows back over the /ws observer socket as
// broadcast events.
package httpd

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/vpescete/odoo-claude-code/internal/assistant"
	"github.com/vpescete/odoo-claude-code/internal/broadcast"
	"github.com/vpescete/odoo-claude-code/internal/history"
	"github.com/vpescete/odoo-claude-code/internal/instance"
	"github.com/vpescete/odoo-claude-code/internal/server"
	"github.com/vpescete/odoo-claude-code/internal/shell"
)

type Server struct {
	Instances instance.Store
	Hub       *broadcast.Hub
	Servers   *server.Supervisor
	Shells    *shell.Supervisor
	Assistant *assistant.Supervisor
	History   history.Store

	// APIToken guards every route. Empty disables auth, for loopback-only
	// development setups.
	APIToken string
	Limiter  *RateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/ws", &observerHandler{Hub: s.Hub, APIToken: s.APIToken, Limiter: s.Limiter})

	mux.HandleFunc("/api/instances", s.withAuth(s.handleInstances))
	mux.HandleFunc("/api/instances/", s.withAuth(s.handleInstanceSubroutes))
	mux.HandleFunc("/api/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	return mux
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if s.APIToken != "" && token != s.APIToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if s.Limiter != nil && !s.Limiter.Allow("api:"+token) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	}
}

type instanceSummary struct {
	instance.Instance
	ServerActive    bool              `json:"server_active"`
	ShellActive     bool              `json:"shell_active"`
	AssistantStatus *assistant.Status `json:"assistant,omitempty"`
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	list, err := s.Instances.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]instanceSummary, 0, len(list))
	for _, inst := range list {
		sum := instanceSummary{
			Instance:     inst,
			ServerActive: s.Servers.IsActive(inst.Key),
			ShellActive:  s.Shells.IsActive(inst.Key),
		}
		if st, ok := s.Assistant.SessionStatus(inst.Key); ok {
			sum.AssistantStatus = &st
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": out})
}

func (s *Server) handleInstanceSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/instances/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	key := parts[0]
	component := ""
	action := ""
	if len(parts) > 1 {
		component = parts[1]
	}
	if len(parts) > 2 {
		action = parts[2]
	}

	switch component {
	case "server":
		s.handleServer(w, r, key, action)
	case "shell":
		s.handleShell(w, r, key, action)
	case "assistant":
		s.handleAssistant(w, r, key, action)
	case "sessions":
		s.handleSessions(w, r, key)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleServer(w http.ResponseWriter, r *http.Request, key, action string) {
	if action == "log" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"lines": s.Servers.RecentLog(key, 200)})
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var err error
	switch action {
	case "start":
		err = s.Servers.Start(key)
	case "stop":
		err = s.Servers.Stop(key)
	case "restart":
		err = s.Servers.Restart(key)
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleShell(w http.ResponseWriter, r *http.Request, key, action string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var err error
	switch action {
	case "start":
		var req struct {
			Cols uint16 `json:"cols"`
			Rows uint16 `json:"rows"`
		}
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		err = s.Shells.Start(key, req.Cols, req.Rows)
	case "input":
		var req struct {
			DataB64 string `json:"data_b64"`
		}
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		data, decodeErr := decodeB64(req.DataB64)
		if decodeErr != nil {
			http.Error(w, "bad data_b64", http.StatusBadRequest)
			return
		}
		err = s.Shells.Write(key, data)
	case "resize":
		var req struct {
			Cols uint16 `json:"cols"`
			Rows uint16 `json:"rows"`
		}
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		err = s.Shells.Resize(key, req.Cols, req.Rows)
	case "stop":
		err = s.Shells.Stop(key)
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAssistant(w http.ResponseWriter, r *http.Request, key, action string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var err error
	switch action {
	case "start":
		var req struct {
			Model          string `json:"model"`
			PermissionMode string `json:"permission_mode"`
			ResumeID       string `json:"resume_id"`
		}
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		err = s.Assistant.StartSession(key, assistant.StartOptions{
			Model:          req.Model,
			PermissionMode: req.PermissionMode,
			ResumeID:       req.ResumeID,
		})
	case "message":
		var req struct {
			Text            string `json:"text"`
			ParentToolUseID string `json:"parent_tool_use_id"`
		}
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil || req.Text == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		err = s.Assistant.SendMessage(key, req.Text, req.ParentToolUseID)
	case "interrupt":
		err = s.Assistant.Interrupt(key)
	case "model":
		var req struct {
			Model string `json:"model"`
		}
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil || req.Model == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		err = s.Assistant.SetModel(key, req.Model)
	case "permission-mode":
		var req struct {
			Mode string `json:"mode"`
		}
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil || req.Mode == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		err = s.Assistant.SetPermissionMode(key, req.Mode)
	case "permission":
		var req struct {
			RequestID    string          `json:"request_id"`
			Allow        bool            `json:"allow"`
			Message      string          `json:"message"`
			UpdatedInput json.RawMessage `json:"updated_input"`
		}
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil || req.RequestID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		err = s.Assistant.ResolvePermission(key, req.RequestID, assistant.Decision{
			Allow:        req.Allow,
			Message:      req.Message,
			UpdatedInput: req.UpdatedInput,
		})
	case "stop":
		s.Assistant.StopSession(key)
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	recs, err := s.History.ListSessions(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": recs})
}

// writeError maps domain sentinels onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, instance.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, server.ErrAlreadyRunning):
		code = http.StatusConflict
	case errors.Is(err, shell.ErrNoSession), errors.Is(err, assistant.ErrNoSession):
		code = http.StatusConflict
	case errors.Is(err, assistant.ErrUnknownRequest):
		code = http.StatusNotFound
	}
	http.Error(w, err.Error(), code)
}

func extractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package audit records security-relevant decisions as JSONL. The trail is
// what distinguishes a timeout-driven auto-approval from an explicit user
// decision after the fact.
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

type Event struct {
	TsMS      int64          `json:"ts_ms"`
	Key       string         `json:"key,omitempty"`
	Kind      string         `json:"kind"`
	RequestID string         `json:"request_id,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

type Logger struct {
	mu   sync.Mutex
	file *os.File
}

func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Logger{file: f}, nil
}

func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Log appends one event. A nil logger is a no-op so callers never need to
// guard their call sites.
func (l *Logger) Log(ev Event) {
	if l == nil || l.file == nil {
		return
	}
	if ev.TsMS == 0 {
		ev.TsMS = time.Now().UnixMilli()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.file.Write(append(line, '\n'))
}

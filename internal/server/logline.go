package server

import (
	"strings"
	"sync"

	"github.com/vpescete/odoo-claude-code/internal/event"
)

// Odoo log lines look like:
//
//	2026-01-12 09:30:01,482 812 INFO prod odoo.service.server: HTTP service (werkzeug) running on host:8069
//
// The level is the third whitespace field. Lines that don't match (python
// tracebacks, startup banners) default to INFO.
func classifyLine(line string) event.LogLevel {
	fields := strings.Fields(line)
	if len(fields) >= 4 {
		switch fields[3] {
		case "DEBUG":
			return event.LevelDebug
		case "INFO":
			return event.LevelInfo
		case "WARNING":
			return event.LevelWarning
		case "ERROR":
			return event.LevelError
		case "CRITICAL":
			return event.LevelCritical
		}
	}
	return event.LevelInfo
}

// isReadyMarker reports whether the line is the server's boot-complete
// announcement.
func isReadyMarker(line string) bool {
	return strings.Contains(line, "HTTP service") && strings.Contains(line, "running on")
}

// lineRing keeps the most recent output lines so a crash can surface its
// final line, and the API can serve a short log tail.
type lineRing struct {
	mu       sync.Mutex
	lines    []string
	capacity int
}

func newLineRing(capacity int) *lineRing {
	if capacity <= 0 {
		capacity = 200
	}
	return &lineRing{capacity: capacity}
}

func (r *lineRing) Push(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.capacity {
		r.lines = append([]string(nil), r.lines[len(r.lines)-r.capacity:]...)
	}
}

// Last returns the most recently pushed line, or "".
func (r *lineRing) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) == 0 {
		return ""
	}
	return r.lines[len(r.lines)-1]
}

// Tail returns up to n most recent lines, oldest first.
func (r *lineRing) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.lines) {
		n = len(r.lines)
	}
	return append([]string(nil), r.lines[len(r.lines)-n:]...)
}

// Package notify delivers desktop notifications for state changes the user
// should see even when the manager window is in the background.
package notify

import (
	"log/slog"
	"os/exec"
	"runtime"
)

// Notifier posts a desktop notification.
type Notifier interface {
	Notify(title, body string)
}

// Desktop shells out to the platform notifier. Failures are logged and
// swallowed: a missing notifier must never affect supervision.
type Desktop struct{}

func (Desktop) Notify(title, body string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		script := "display notification " + appleQuote(body) + " with title " + appleQuote(title)
		cmd = exec.Command("osascript", "-e", script)
	case "linux":
		cmd = exec.Command("notify-send", title, body)
	default:
		return
	}
	if err := cmd.Run(); err != nil {
		slog.Debug("desktop notification failed", "err", err)
	}
}

func appleQuote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(append(out, '"'))
}

// Discard drops all notifications. Used in tests and headless setups.
type Discard struct{}

func (Discard) Notify(string, string) {}

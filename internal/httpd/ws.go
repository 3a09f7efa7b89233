package httpd

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vpescete/odoo-claude-code/internal/broadcast"
)

const writeWait = 10 * time.Second

// observerHandler upgrades /ws connections into hub observers. Events flow
// out only; the inbound direction carries focus tracking frames from the
// presentation layer.
type observerHandler struct {
	Hub      *broadcast.Hub
	APIToken string
	Limiter  *RateLimiter
}

// observerFrame is an inbound frame from an attached client.
type observerFrame struct {
	Type string `json:"type"`
}

func (h *observerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if h.APIToken != "" && token != h.APIToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if h.Limiter != nil && !h.Limiter.Allow("ws:"+token) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return localOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	obs, detach := h.Hub.Attach()
	var once sync.Once
	stopWriter := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			detach()
			close(stopWriter)
		})
	}
	defer cleanup()

	doneWriter := make(chan struct{})
	go func() {
		defer close(doneWriter)
		for {
			select {
			case <-stopWriter:
				return
			case ev, ok := <-obs.Events():
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}()

	for {
		var frame observerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			cleanup()
			<-doneWriter
			return
		}
		switch frame.Type {
		case "focus":
			h.Hub.SetFocused(obs.ID, true)
		case "blur":
			h.Hub.SetFocused(obs.ID, false)
		case "ping":
			// Keepalive only.
		default:
			// Unknown frames are ignored so old clients keep working.
		}
	}
}

// localOrigin accepts requests with no Origin header (non-browser clients)
// or an Origin whose host is exactly the request host. The daemon binds
// loopback, so this guards against hostile web pages driving the local API.
func localOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

func decodeB64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

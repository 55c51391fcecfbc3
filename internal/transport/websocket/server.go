// Package websocket streams live queue events to dispatch screens and
// waiting-room displays.
//
// Clients open a WebSocket connection to:
//
//	GET /branches/{branch}/ws
//
// The server first sends the branch's current ranking, then pushes every
// position and status event for that branch as it happens.
//
// Server → client frames:
//
//	{"type":"snapshot","branch":"north","tokens":[...]}
//	{"type":"event","event":{"kind":"position","seq":12,"position":{...}}}
//
// Clients send nothing; any frame they do send is ignored. A client that
// falls too far behind misses events and should re-read the snapshot.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/slotify/internal/branch"
	"github.com/snehjoshi/slotify/internal/broker"
	"github.com/snehjoshi/slotify/internal/notify"
	"github.com/snehjoshi/slotify/internal/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// subscriberBuffer is how many events may queue per client before it
	// starts missing them.
	subscriberBuffer = 256
)

var upgrader = gorillaws.Upgrader{
	// A request is same-origin when its Origin host matches the Host header.
	// Requests without an Origin header (native clients, curl) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the WebSocket endpoint for one branch, read from
// r.PathValue("branch").
type Handler struct {
	Broker *broker.Broker
	Hub    *notify.Hub
}

// Frame is the JSON structure the server sends to the client.
type Frame struct {
	Type   string         `json:"type"` // "snapshot" | "event"
	Branch string         `json:"branch,omitempty"`
	Tokens []*types.Token `json:"tokens,omitempty"`
	Event  *notify.Event  `json:"event,omitempty"`
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	branchName := r.PathValue("branch")
	if !branch.ValidName(branchName) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "branch names must be 1-64 lowercase alphanumeric characters or hyphens",
		})
		return
	}

	// Subscribe before reading the snapshot so no event between the two is
	// lost; a client may see an event already reflected in the snapshot.
	sub := h.Hub.Subscribe(branchName, subscriberBuffer)
	defer sub.Close()

	snapshot, err := h.Broker.Queue(r.Context(), branchName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	if err := writeFrame(conn, Frame{Type: "snapshot", Branch: branchName, Tokens: snapshot}); err != nil {
		return
	}

	// The read loop only exists to process pongs and notice disconnects.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeFrame(conn, Frame{Type: "event", Event: &e}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *gorillaws.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(gorillaws.TextMessage, data)
}

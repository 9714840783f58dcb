// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package notify implements the runner notification WebSocket: a single
// "/workload" endpoint on which runners subscribe to rooms named
// "run:{runId}" and receive a "run:notify" push whenever that run's
// snapshot changes externally (cancellation, waitpoint completion). It is
// a best-effort side channel — runners fall back to 5s snapshot polling,
// so a dropped connection or missed message never blocks progress.
package notify

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType identifies the three message kinds exchanged on /workload.
type EventType string

const (
	EventNotify      EventType = "run:notify"
	EventSubscribe   EventType = "run:subscribe"
	EventUnsubscribe EventType = "run:unsubscribe"
)

// Envelope is the JSON message exchanged in both directions.
type Envelope struct {
	Type  EventType       `json:"type"`
	RunID string          `json:"runId"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NotifyPayload is carried in Envelope.Data for a run:notify push.
type NotifyPayload struct {
	ExecutionStatus string `json:"executionStatus"`
	SnapshotID      string `json:"snapshotId"`
}

func roomKey(runID string) string { return "run:" + runID }

type connection struct {
	ws    *websocket.Conn
	send  chan []byte
	rooms map[string]struct{}
}

// Hub tracks connected runner sockets and the rooms they've subscribed to,
// fanning out Notify calls to every socket subscribed to a run.
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*connection]struct{}

	logger *slog.Logger
}

// New constructs a Hub. checkOrigin, if nil, allows all origins — runner
// processes are not browsers and don't send a meaningful Origin header.
func New(logger *slog.Logger, checkOrigin func(*http.Request) bool) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		rooms:    make(map[string]map[*connection]struct{}),
		logger:   logger.With(slog.String("component", "notify")),
	}
}

// ServeWorkload upgrades the request to a WebSocket and services it until
// the client disconnects or the request context is canceled.
func (h *Hub) ServeWorkload(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &connection{ws: ws, send: make(chan []byte, 32), rooms: make(map[string]struct{})}
	defer h.closeConnection(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *connection) {
	defer close(c.send)
	c.ws.SetReadLimit(64 * 1024)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("workload socket closed unexpectedly", slog.Any("error", err))
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		switch env.Type {
		case EventSubscribe:
			h.subscribe(c, env.RunID)
		case EventUnsubscribe:
			h.unsubscribe(c, env.RunID)
		}
	}
}

func (h *Hub) writePump(c *connection) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) subscribe(c *connection, runID string) {
	if runID == "" {
		return
	}
	key := roomKey(runID)
	h.mu.Lock()
	defer h.mu.Unlock()
	c.rooms[key] = struct{}{}
	if h.rooms[key] == nil {
		h.rooms[key] = make(map[*connection]struct{})
	}
	h.rooms[key][c] = struct{}{}
}

func (h *Hub) unsubscribe(c *connection, runID string) {
	key := roomKey(runID)
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.rooms, key)
	if members := h.rooms[key]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, key)
		}
	}
}

func (h *Hub) closeConnection(c *connection) {
	h.mu.Lock()
	for key := range c.rooms {
		if members := h.rooms[key]; members != nil {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, key)
			}
		}
	}
	h.mu.Unlock()
	_ = c.ws.Close()
}

var errSendBufferFull = errors.New("notify: send buffer full, dropping message")

// Notify pushes a run:notify event to every socket subscribed to runID.
// Delivery is best-effort: a slow consumer's buffer overflowing only drops
// that one push, since the runner's 5s poll fallback will pick it up.
func (h *Hub) Notify(runID, executionStatus, snapshotID string) error {
	payload, err := json.Marshal(NotifyPayload{ExecutionStatus: executionStatus, SnapshotID: snapshotID})
	if err != nil {
		return err
	}
	env := Envelope{Type: EventNotify, RunID: runID, Data: payload}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	h.mu.RLock()
	members := h.rooms[roomKey(runID)]
	conns := make([]*connection, 0, len(members))
	for c := range members {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var dropped bool
	for _, c := range conns {
		select {
		case c.send <- raw:
		default:
			dropped = true
			h.logger.Warn("notify send buffer full", slog.String("run_id", runID))
		}
	}
	if dropped {
		return errSendBufferFull
	}
	return nil
}

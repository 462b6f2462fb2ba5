// Package hubtest provides an in-process hub server for tests.
package hubtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Veraticus/chatrelay/internal/backend/streaming/hub"
)

// InvokeFunc answers one streaming invocation.
type InvokeFunc func(conn *ServerConn, inv hub.Message)

// Server is a scripted hub endpoint.
type Server struct {
	*httptest.Server

	// HubURL is the ws:// address of the hub.
	HubURL string

	mu              sync.Mutex
	upgrader        websocket.Upgrader
	onInvoke        InvokeFunc
	rejectHandshake string
	conns           []*ServerConn
	invocations     []hub.Message
	pings           int
}

// NewServer starts a hub server that answers invocations with onInvoke.
func NewServer(onInvoke InvokeFunc) *Server {
	s := &Server{onInvoke: onInvoke}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	s.HubURL = "ws" + strings.TrimPrefix(s.Server.URL, "http")
	return s
}

// SetInvoke replaces the invocation handler.
func (s *Server) SetInvoke(fn InvokeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInvoke = fn
}

// RejectHandshake makes later protocol handshakes fail with msg.
func (s *Server) RejectHandshake(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectHandshake = msg
}

// Connections returns how many clients completed the WebSocket upgrade.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Invocations returns every streaming invocation received.
func (s *Server) Invocations() []hub.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hub.Message(nil), s.invocations...)
}

// Pings returns how many keep-alive pings were received.
func (s *Server) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// DropConnections closes every server-side socket.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := append([]*ServerConn(nil), s.conns...)
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.ws.Close()
	}
}

// Close drops every client and shuts the server down.
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &ServerConn{ws: ws}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	reject := s.rejectHandshake
	s.mu.Unlock()

	defer func() { _ = ws.Close() }()

	if _, _, err := ws.ReadMessage(); err != nil {
		return
	}
	if reject != "" {
		_ = conn.Send(map[string]string{"error": reject})
		return
	}
	if err := conn.Send(map[string]any{}); err != nil {
		return
	}

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		for _, record := range strings.Split(string(frame), string(rune(hub.RecordSeparator))) {
			if strings.TrimSpace(record) == "" {
				continue
			}
			var msg hub.Message
			if err := json.Unmarshal([]byte(record), &msg); err != nil {
				return
			}
			s.handle(conn, msg)
		}
	}
}

func (s *Server) handle(conn *ServerConn, msg hub.Message) {
	s.mu.Lock()
	switch msg.Type {
	case hub.TypePing:
		s.pings++
		s.mu.Unlock()
		return
	case hub.TypeStreamInvocation:
		s.invocations = append(s.invocations, msg)
	}
	onInvoke := s.onInvoke
	s.mu.Unlock()

	if msg.Type == hub.TypeStreamInvocation && onInvoke != nil {
		onInvoke(conn, msg)
	}
}

// ServerConn is the server side of one client connection.
type ServerConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// Send writes records in a single frame.
func (c *ServerConn) Send(records ...any) error {
	var frame []byte
	for _, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		frame = append(frame, data...)
		frame = append(frame, hub.RecordSeparator)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Update sends a server invocation of the "update" client method.
func (c *ServerConn) Update(payload any) error {
	return c.Send(map[string]any{
		"type":      hub.TypeInvocation,
		"target":    "update",
		"arguments": []any{payload},
	})
}

// Item sends a stream item for invocation id.
func (c *ServerConn) Item(id string, item any) error {
	return c.Send(map[string]any{
		"type":         hub.TypeStreamItem,
		"invocationId": id,
		"item":         item,
	})
}

// Complete completes invocation id, with an error when errMsg is set.
func (c *ServerConn) Complete(id, errMsg string) error {
	msg := map[string]any{
		"type":         hub.TypeCompletion,
		"invocationId": id,
	}
	if errMsg != "" {
		msg["error"] = errMsg
	}
	return c.Send(msg)
}

// CloseHub sends a hub close message.
func (c *ServerConn) CloseHub(errMsg string) error {
	return c.Send(map[string]any{"type": hub.TypeClose, "error": errMsg})
}

// Drop closes the socket without a close message.
func (c *ServerConn) Drop() {
	_ = c.ws.Close()
}

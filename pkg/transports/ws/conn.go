package ws

import (
	"encoding/json"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/ashidome/kikitori/pkg/errorsx"
)

// conn wraps one websocket connection and implements session.Sink, so
// the dispatcher can deliver straight to the socket. Writes are
// serialized through a single writer goroutine.
type conn struct {
	clientID string
	sock     *websocket.Conn
	sendCh   chan []byte
	done     chan struct{}
	closed   atomic.Bool
	// replaced is set when a newer socket takes over this client id;
	// the handler then leaves the session running on its way out.
	replaced atomic.Bool
}

func newConn(clientID string, sock *websocket.Conn) *conn {
	return &conn{
		clientID: clientID,
		sock:     sock,
		sendCh:   make(chan []byte, 256),
		done:     make(chan struct{}),
	}
}

func (c *conn) loop() {
	for {
		select {
		case msg := <-c.sendCh:
			_ = c.sock.WriteMessage(websocket.TextMessage, msg)
		case <-c.done:
			return
		}
	}
}

func (c *conn) close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
	}
	return c.sock.Close()
}

func (c *conn) send(msg map[string]any) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.sendCh <- b:
	}
}

func (c *conn) SendFragment(clientID, text string, final bool) error {
	c.send(map[string]any{"status": "recognition_result", "text": text, "is_final": final})
	return nil
}

func (c *conn) SendSessionEnd(clientID string) error {
	c.send(map[string]any{"status": "session_end"})
	return nil
}

func (c *conn) SendFinalResult(clientID, rawText, refinedText string) error {
	c.send(map[string]any{"status": "final_result", "raw_text": rawText, "refined_text": refinedText})
	return nil
}

func (c *conn) SendError(clientID, reason, message string) error {
	if reason == "" {
		reason = string(errorsx.ReasonUnknown)
	}
	c.send(map[string]any{"status": "error", "reason": reason, "message": message})
	return nil
}

// clientSink delivers session output to whichever socket currently
// serves the client. A reconnect replaces the registered conn, so the
// running dispatcher follows the client to its new socket while the
// session itself is untouched. With no socket attached the output is
// dropped.
type clientSink struct {
	t        *Transport
	clientID string
}

func (s *clientSink) current() *conn {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.t.conns[s.clientID]
}

func (s *clientSink) SendFragment(clientID, text string, final bool) error {
	if c := s.current(); c != nil {
		return c.SendFragment(clientID, text, final)
	}
	return nil
}

func (s *clientSink) SendSessionEnd(clientID string) error {
	if c := s.current(); c != nil {
		return c.SendSessionEnd(clientID)
	}
	return nil
}

func (s *clientSink) SendFinalResult(clientID, rawText, refinedText string) error {
	if c := s.current(); c != nil {
		return c.SendFinalResult(clientID, rawText, refinedText)
	}
	return nil
}

func (s *clientSink) SendError(clientID, reason, message string) error {
	if c := s.current(); c != nil {
		return c.SendError(clientID, reason, message)
	}
	return nil
}

package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ashidome/kikitori/pkg/frames"
	"github.com/ashidome/kikitori/pkg/gateway"
)

// Message is one outbound event recorded by a mock client, mirroring
// the websocket payload shapes without any network dependency.
type Message struct {
	Status  string
	Text    string
	Final   bool
	Raw     string
	Refined string
	Reason  string
	Message string
}

// Transport drives the gateway in-memory for local testing and
// integration. Each Connect call behaves like one websocket client.
type Transport struct {
	gw     *gateway.Gateway
	closed atomic.Bool
}

func New(gw *gateway.Gateway) *Transport {
	return &Transport{gw: gw}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.closed.Store(true)
	return nil
}

// Connect opens a session for clientID and returns a client handle
// whose Messages channel records everything the session sends back.
func (t *Transport) Connect(ctx context.Context, clientID, traceID string) (*Client, error) {
	c := &Client{
		clientID: clientID,
		msgs:     make(chan Message, 256),
	}
	if _, err := t.gw.Open(ctx, clientID, traceID, c); err != nil {
		return nil, err
	}
	c.gw = t.gw
	return c, nil
}

// Client is one in-memory dictation client. It implements session.Sink.
type Client struct {
	clientID string
	gw       *gateway.Gateway
	msgs     chan Message
}

func (c *Client) PushAudio(data []byte) error {
	af := frames.NewAudioFrame(c.clientID, time.Now().UnixNano(), data, 16000, 1,
		map[string]string{frames.MetaSource: "mock"})
	return c.gw.SubmitAudio(c.clientID, af)
}

func (c *Client) Stop() error {
	return c.gw.SubmitStop(c.clientID)
}

// Messages exposes recorded outbound events for inspection.
func (c *Client) Messages() <-chan Message { return c.msgs }

func (c *Client) record(m Message) {
	select {
	case c.msgs <- m:
	default:
	}
}

func (c *Client) SendFragment(clientID, text string, final bool) error {
	c.record(Message{Status: "recognition_result", Text: text, Final: final})
	return nil
}

func (c *Client) SendSessionEnd(clientID string) error {
	c.record(Message{Status: "session_end"})
	return nil
}

func (c *Client) SendFinalResult(clientID, rawText, refinedText string) error {
	c.record(Message{Status: "final_result", Raw: rawText, Refined: refinedText})
	return nil
}

func (c *Client) SendError(clientID, reason, message string) error {
	c.record(Message{Status: "error", Reason: reason, Message: message})
	return nil
}

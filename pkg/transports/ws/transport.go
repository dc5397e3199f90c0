package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ashidome/kikitori/pkg/errorsx"
	"github.com/ashidome/kikitori/pkg/frames"
	"github.com/ashidome/kikitori/pkg/gateway"
	"github.com/ashidome/kikitori/pkg/logging"
)

const progressInterval = 10 * 1024 // bytes between "receiving" updates

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	AudioPath      string   `mapstructure:"audio_path"`
	SampleRate     int      `mapstructure:"sample_rate"`
	Channels       int      `mapstructure:"channels"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8000"
	}
	if c.AudioPath == "" {
		c.AudioPath = "/ws/audio/"
	}
	if !strings.HasSuffix(c.AudioPath, "/") {
		c.AudioPath += "/"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport serves the dictation websocket endpoint. Each connection
// maps to one session in the gateway; the connection itself acts as the
// session's sink, so fragments and the final result flow straight back
// on the same socket.
type Transport struct {
	cfg      Config
	gw       *gateway.Gateway
	server   *http.Server
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn

	// baseCtx parents every session so an in-flight drain or
	// refinement survives its originating HTTP request.
	baseCtx  context.Context
	draining atomic.Bool
}

func New(cfg Config, gw *gateway.Gateway) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		gw:  gw,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log:   logging.NewComponentLogger(slog.Default(), "ws"),
		conns: make(map[string]*conn),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "ws" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"addr":       t.cfg.ServerAddr,
		"audio_path": t.cfg.AudioPath + "{client_id}",
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.baseCtx = ctx
	mux := http.NewServeMux()
	mux.Handle(t.cfg.AudioPath, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("ws_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, c := range t.conns {
		_ = c.close()
	}
	t.conns = make(map[string]*conn)
	t.mu.Unlock()
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	clientID := strings.Trim(strings.TrimPrefix(r.URL.Path, t.cfg.AudioPath), "/")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	sock, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	traceID := uuid.NewString()
	c := newConn(clientID, sock)
	t.attach(clientID, c)
	go c.loop()
	defer func() {
		t.detach(clientID, c)
		_ = c.close()
	}()

	sessCtx := t.baseCtx
	if sessCtx == nil {
		sessCtx = context.Background()
	}
	if _, err := t.gw.Open(sessCtx, clientID, traceID, &clientSink{t: t, clientID: clientID}); err != nil {
		t.log.Error("session_open_failed", "client_id", clientID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		_ = c.SendError(clientID, string(errorsx.Reason(err)), "failed to start recognition session")
		return
	}
	c.send(map[string]any{"status": "connected", "client_id": clientID})
	t.log.Info("client_connected", "client_id", clientID, "trace_id", traceID, "remote", r.RemoteAddr)

	t.readLoop(c)

	if c.replaced.Load() {
		// A reconnect took over this client id; the session keeps
		// running on the new socket.
		t.log.Info("client_replaced", "client_id", clientID)
		return
	}
	// Socket gone: the session drains whatever audio already arrived.
	if err := t.gw.SubmitStop(clientID); err == nil {
		t.log.Info("client_disconnected", "client_id", clientID)
	}
}

func (t *Transport) readLoop(c *conn) {
	var received int64
	var lastReported int64
	for {
		mt, msg, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if len(msg) == 0 {
				continue
			}
			af := frames.NewAudioFrameFromPool(c.clientID, time.Now().UnixNano(), msg,
				t.cfg.SampleRate, t.cfg.Channels,
				map[string]string{frames.MetaSource: "ws"})
			if err := t.gw.SubmitAudio(c.clientID, af); err != nil {
				_ = c.SendError(c.clientID, string(errorsx.Reason(err)), "audio rejected")
				continue
			}
			received += int64(len(msg))
			if received-lastReported >= progressInterval {
				lastReported = received
				c.send(map[string]any{"status": "receiving", "bytes_received": received})
			}
		case websocket.TextMessage:
			t.handleControl(c, msg)
		}
	}
}

func (t *Transport) handleControl(c *conn, msg []byte) {
	cmd, payload, err := parseControl(msg)
	if err != nil {
		_ = c.SendError(c.clientID, "bad_request", "invalid control message")
		return
	}
	switch cmd {
	case "ping":
		c.send(map[string]any{"status": "pong"})
	case "stop_recording":
		if err := t.gw.SubmitStop(c.clientID); err != nil {
			_ = c.SendError(c.clientID, string(errorsx.Reason(err)), "no active session")
			return
		}
		c.send(map[string]any{"status": "stopping"})
	case "get_connections":
		c.send(map[string]any{"status": "connections_list", "connections": t.gw.ClientIDs()})
	case "config":
		t.log.Info("client_config", "client_id", c.clientID, "config", string(payload))
		c.send(map[string]any{"status": "config_received"})
	default:
		_ = c.SendError(c.clientID, "bad_request", "unknown command: "+cmd)
	}
}

// parseControl accepts both the bare-string form ("stop_recording") and
// the object form ({"command":"ping", ...}).
func parseControl(msg []byte) (cmd string, payload json.RawMessage, err error) {
	trimmed := strings.TrimSpace(string(msg))
	if !strings.HasPrefix(trimmed, "{") {
		var s string
		if jerr := json.Unmarshal(msg, &s); jerr == nil {
			return s, nil, nil
		}
		return trimmed, nil, nil
	}
	var obj struct {
		Command string          `json:"command"`
		Config  json.RawMessage `json:"config"`
	}
	if jerr := json.Unmarshal(msg, &obj); jerr != nil {
		return "", nil, jerr
	}
	if obj.Command == "" {
		return "", nil, errors.New("missing command")
	}
	return obj.Command, obj.Config, nil
}

func (t *Transport) attach(clientID string, c *conn) {
	t.mu.Lock()
	old := t.conns[clientID]
	t.conns[clientID] = c
	t.mu.Unlock()
	if old != nil {
		old.replaced.Store(true)
		_ = old.close()
	}
}

// detach removes c only if it is still the registered socket for the
// client; a replaced handler must not unregister its successor.
func (t *Transport) detach(clientID string, c *conn) {
	t.mu.Lock()
	if t.conns[clientID] == c {
		delete(t.conns, clientID)
	}
	t.mu.Unlock()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

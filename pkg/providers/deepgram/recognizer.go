package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/ashidome/kikitori/pkg/adapters/asr"
	"github.com/ashidome/kikitori/pkg/errorsx"
	"github.com/ashidome/kikitori/pkg/frames"
	"github.com/ashidome/kikitori/pkg/logging"
)

type Config struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Encoding   string
	Interim    bool
	SmartFmt   bool
	// DrainTimeout bounds how long Results stays open after CloseInput
	// while Deepgram flushes pending transcripts.
	DrainTimeout time.Duration

	ClientID string
	TraceID  string
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	return c
}

// Recognizer streams session audio to Deepgram's live transcription API
// and yields transcript frames. One Recognizer serves one session.
type Recognizer struct {
	cfg Config

	dgClient   *client.WSCallback
	out        chan frames.Frame
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	outMu     sync.Mutex
	outClosed bool

	metaLogged bool
	logger     *slog.Logger
}

func New(cfg Config) *Recognizer {
	cfg = cfg.withDefaults()
	return &Recognizer{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_asr"),
	}
}

func (r *Recognizer) Name() string { return "deepgram" }

func (r *Recognizer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.pipeReader, r.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          r.cfg.Model,
		Language:       r.cfg.Language,
		Encoding:       r.cfg.Encoding,
		SampleRate:     r.cfg.SampleRate,
		InterimResults: r.cfg.Interim,
		SmartFormat:    r.cfg.SmartFmt,
	}

	r.logger.Info("deepgram_connecting",
		slog.String("client_id", r.cfg.ClientID),
		slog.String("model", r.cfg.Model),
		slog.Int("sample_rate", r.cfg.SampleRate))

	cb := &callback{parent: r}
	dgClient, err := client.NewWSUsingCallback(r.ctx, r.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonASRConnect)
	}
	r.dgClient = dgClient

	if connected := r.dgClient.Connect(); !connected {
		return errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonASRConnect)
	}
	r.logger.Info("deepgram_connected", slog.String("client_id", r.cfg.ClientID))

	go func() {
		if err := r.dgClient.Stream(r.pipeReader); err != nil && r.ctx.Err() == nil {
			r.logger.Error("deepgram_stream_error",
				slog.String("client_id", r.cfg.ClientID),
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (r *Recognizer) SendAudio(frame frames.AudioFrame) error {
	if r.pipeWriter == nil {
		return errorsx.Wrap(fmt.Errorf("recognizer not started"), errorsx.ReasonASRSend)
	}
	if _, err := r.pipeWriter.Write(frame.RawPayload()); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonASRSend)
	}
	return nil
}

// CloseInput ends the audio stream. Deepgram flushes its remaining
// transcripts and reports Close, which shuts the Results channel; the
// drain timer guards against a vanished connection never reporting it.
func (r *Recognizer) CloseInput() error {
	if r.pipeWriter != nil {
		_ = r.pipeWriter.Close()
	}
	go func() {
		timer := time.NewTimer(r.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			r.logger.Warn("deepgram_drain_timeout", slog.String("client_id", r.cfg.ClientID))
			r.shutOut()
		case <-r.ctx.Done():
			r.shutOut()
		}
	}()
	return nil
}

func (r *Recognizer) Results() <-chan frames.Frame { return r.out }

func (r *Recognizer) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.pipeWriter != nil {
		_ = r.pipeWriter.Close()
	}
	if r.dgClient != nil {
		r.dgClient.Stop()
	}
	r.shutOut()
	return nil
}

func (r *Recognizer) shutOut() {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if !r.outClosed {
		r.outClosed = true
		close(r.out)
	}
}

func (r *Recognizer) emit(f frames.Frame) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if r.outClosed {
		return
	}
	select {
	case r.out <- f:
	default:
		r.logger.Warn("deepgram_out_channel_full", slog.String("client_id", r.cfg.ClientID))
	}
}

type callback struct {
	parent *Recognizer
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened", slog.String("client_id", c.parent.cfg.ClientID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal

	meta := map[string]string{frames.MetaSource: "asr"}
	if c.parent.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = c.parent.cfg.TraceID
	}
	beginMS := int64(mr.Start * 1000)
	endMS := int64((mr.Start + mr.Duration) * 1000)
	c.parent.emit(frames.NewTranscriptFrameTimed(
		c.parent.cfg.ClientID, time.Now().UnixNano(),
		transcript, isFinal, beginMS, endMS, meta))
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("client_id", c.parent.cfg.ClientID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed", slog.String("client_id", c.parent.cfg.ClientID))
	c.parent.shutOut()
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("client_id", c.parent.cfg.ClientID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.emit(frames.NewErrorFrame(
		c.parent.cfg.ClientID, time.Now().UnixNano(),
		string(errorsx.ReasonASRStream),
		fmt.Sprintf("%s: %s", er.ErrCode, er.ErrMsg), nil))
	c.parent.shutOut()
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("client_id", c.parent.cfg.ClientID))
	return nil
}

var _ asr.StreamingRecognizer = (*Recognizer)(nil)

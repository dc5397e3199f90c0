package frames

import "sync"

type Kind string

const (
	KindAudio      Kind = "audio"
	KindControl    Kind = "control"
	KindTranscript Kind = "transcript"
	KindError      Kind = "error"
	KindSessionEnd Kind = "session_end"
)

type ControlCode string

const (
	// ControlEndOfStream marks the end of a session's audio. It travels
	// through the audio queue itself so it is dequeued strictly after
	// every chunk submitted before it.
	ControlEndOfStream ControlCode = "end_of_stream"
)

const (
	MetaClientID = "client_id"
	MetaTraceID  = "trace_id"
	MetaSource   = "source"
	MetaReason   = "reason"
)

// Frame is the element type of the per-session audio and result queues.
type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

type AudioFrame struct {
	pts    int64
	data   []byte
	rate   int
	ch     int
	meta   map[string]string
	pooled bool
}

func NewAudioFrame(clientID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:  pts,
		data: data,
		rate: rate,
		ch:   ch,
		meta: mergeMeta(clientID, meta),
	}
}

// NewAudioFrameFromPool copies data into a pooled buffer. Callers that
// reuse their read buffer (websocket readers) use this variant.
func NewAudioFrameFromPool(clientID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		pts:    pts,
		data:   buf,
		rate:   rate,
		ch:     ch,
		meta:   mergeMeta(clientID, meta),
		pooled: true,
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

func ReleaseAudioFrame(f Frame) bool {
	af, ok := f.(AudioFrame)
	if !ok {
		if ap, ok := f.(*AudioFrame); ok {
			af = *ap
		} else {
			return false
		}
	}
	if af.pooled {
		ReleaseAudioBuf(af.data)
		return true
	}
	return false
}

type ControlFrame struct {
	pts  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(clientID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:  pts,
		code: code,
		meta: mergeMeta(clientID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

// TranscriptFrame carries one recognition fragment. Non-final fragments
// may be superseded by later fragments for the same utterance; only
// final fragments are durable.
type TranscriptFrame struct {
	pts     int64
	text    string
	final   bool
	beginMS int64
	endMS   int64
	meta    map[string]string
}

func NewTranscriptFrame(clientID string, pts int64, text string, final bool, meta map[string]string) TranscriptFrame {
	return TranscriptFrame{
		pts:   pts,
		text:  text,
		final: final,
		meta:  mergeMeta(clientID, meta),
	}
}

func NewTranscriptFrameTimed(clientID string, pts int64, text string, final bool, beginMS, endMS int64, meta map[string]string) TranscriptFrame {
	tf := NewTranscriptFrame(clientID, pts, text, final, meta)
	tf.beginMS = beginMS
	tf.endMS = endMS
	return tf
}

// WithFinal returns a copy of the fragment with the final flag forced.
// The worker uses this to promote a trailing interim fragment when the
// audio stream ends before the recognizer declares an utterance boundary.
func (t TranscriptFrame) WithFinal() TranscriptFrame {
	t.final = true
	return t
}

func (t TranscriptFrame) Kind() Kind              { return KindTranscript }
func (t TranscriptFrame) PTS() int64              { return t.pts }
func (t TranscriptFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TranscriptFrame) Text() string            { return t.text }
func (t TranscriptFrame) Final() bool             { return t.final }
func (t TranscriptFrame) BeginMS() int64          { return t.beginMS }
func (t TranscriptFrame) EndMS() int64            { return t.endMS }

// ErrorFrame reports an unrecoverable recognition failure to the
// dispatcher. The worker always follows it with a SessionEndFrame.
type ErrorFrame struct {
	pts    int64
	reason string
	msg    string
	meta   map[string]string
}

func NewErrorFrame(clientID string, pts int64, reason, msg string, meta map[string]string) ErrorFrame {
	return ErrorFrame{
		pts:    pts,
		reason: reason,
		msg:    msg,
		meta:   mergeMeta(clientID, meta),
	}
}

func (e ErrorFrame) Kind() Kind              { return KindError }
func (e ErrorFrame) PTS() int64              { return e.pts }
func (e ErrorFrame) Meta() map[string]string { return cloneMeta(e.meta) }
func (e ErrorFrame) Reason() string          { return e.reason }
func (e ErrorFrame) Message() string         { return e.msg }

// SessionEndFrame is placed on the result queue exactly once per session,
// after the worker has emitted every fragment it will ever emit.
type SessionEndFrame struct {
	pts  int64
	meta map[string]string
}

func NewSessionEndFrame(clientID string, pts int64, meta map[string]string) SessionEndFrame {
	return SessionEndFrame{pts: pts, meta: mergeMeta(clientID, meta)}
}

func (s SessionEndFrame) Kind() Kind              { return KindSessionEnd }
func (s SessionEndFrame) PTS() int64              { return s.pts }
func (s SessionEndFrame) Meta() map[string]string { return cloneMeta(s.meta) }

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

func mergeMeta(clientID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if clientID != "" {
		out[MetaClientID] = clientID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

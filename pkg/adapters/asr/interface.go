package asr

import (
	"context"

	"github.com/ashidome/kikitori/pkg/frames"
)

// StreamingRecognizer defines the contract for any streaming speech
// recognition vendor implementation.
type StreamingRecognizer interface {
	// Name returns the adapter name for logging/metrics.
	Name() string
	// Start initializes the recognition connection.
	Start(ctx context.Context) error
	// SendAudio feeds one audio chunk to the recognizer.
	SendAudio(frame frames.AudioFrame) error
	// CloseInput tells the recognizer no more audio will arrive. The
	// Results channel closes once pending output has been flushed.
	CloseInput() error
	// Results returns transcript fragments in production order. The
	// channel is closed after CloseInput (or a terminal error).
	Results() <-chan frames.Frame
	// Close tears the connection down.
	Close() error
}

// Config contains vendor-agnostic recognizer configuration.
type Config struct {
	ClientID   string
	TraceID    string
	SampleRate int
	Language   string
}

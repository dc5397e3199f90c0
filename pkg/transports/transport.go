package transports

import "context"

// Transport is the client-facing I/O boundary. Implementations own
// their network lifecycle and push audio and control signals into the
// ingest gateway.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// ReadyReporter allows transports to expose readiness metadata (listen
// address, endpoint paths). Optional, used for informational logging.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

package mock

import (
	"context"
	"sync"
	"time"

	"github.com/ashidome/kikitori/pkg/adapters/refine"
)

type RefinerConfig struct {
	// Transform maps raw to refined text. Defaults to identity.
	Transform func(raw string) string
	Err       error
	Delay     time.Duration
}

// Refiner records every call so tests can assert on invocation count
// and input.
type Refiner struct {
	cfg RefinerConfig

	mu    sync.Mutex
	calls []string
}

func NewRefiner(cfg RefinerConfig) *Refiner {
	return &Refiner{cfg: cfg}
}

func (r *Refiner) Name() string { return "mock" }

func (r *Refiner) Refine(ctx context.Context, raw string) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, raw)
	r.mu.Unlock()
	if r.cfg.Delay > 0 {
		select {
		case <-time.After(r.cfg.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.cfg.Err != nil {
		return "", r.cfg.Err
	}
	if r.cfg.Transform != nil {
		return r.cfg.Transform(raw), nil
	}
	return raw, nil
}

func (r *Refiner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *Refiner) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var _ refine.Refiner = (*Refiner)(nil)

package refine

import "context"

// Refiner normalizes a complete session transcript (punctuation, casing,
// formatting) without adding new content. Refinement is best effort: a
// failed call falls back to the raw transcript upstream.
type Refiner interface {
	// Name returns the adapter name for logging/metrics.
	Name() string
	// Refine transforms one complete transcript string.
	Refine(ctx context.Context, raw string) (string, error)
}

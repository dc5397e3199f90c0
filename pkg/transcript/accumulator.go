package transcript

import (
	"strings"
	"sync"
)

// DefaultSeparator joins accumulated sentences. The recognition vendors
// this service grew up with emit Chinese sentence-ending punctuation, so
// the historical default is the ideographic full stop; deployments
// targeting other languages override it in config.
const DefaultSeparator = "。"

// Accumulator collects finalized transcript fragments for one session,
// in arrival order. Interim fragments must never be added.
type Accumulator struct {
	mu        sync.Mutex
	parts     []string
	separator string
}

func NewAccumulator(separator string) *Accumulator {
	if separator == "" {
		separator = DefaultSeparator
	}
	return &Accumulator{separator: separator}
}

// Append records one finalized fragment. Empty or whitespace-only text
// is ignored.
func (a *Accumulator) Append(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	a.mu.Lock()
	a.parts = append(a.parts, text)
	a.mu.Unlock()
}

// Join returns the accumulated fragments joined by the separator.
func (a *Accumulator) Join() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.parts, a.separator)
}

// Parts returns a copy of the accumulated fragments.
func (a *Accumulator) Parts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.parts))
	copy(out, a.parts)
	return out
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.parts)
}

// Reset clears the accumulator for reuse.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.parts = nil
	a.mu.Unlock()
}

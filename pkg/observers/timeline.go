package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashidome/kikitori/pkg/frames"
	"github.com/ashidome/kikitori/pkg/metrics"
	"github.com/ashidome/kikitori/pkg/redact"
)

// TimelineObserver appends every event of a session to a JSONL file
// named after its trace ID, one file per session. The file is closed
// when the session_closed event arrives, so long-running daemons do not
// accumulate open handles.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

type timelineEvent struct {
	Time     time.Time         `json:"time"`
	Event    string            `json:"event"`
	ClientID string            `json:"client_id,omitempty"`
	TraceID  string            `json:"trace_id,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Fields   map[string]any    `json:"fields,omitempty"`
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	clientID := ev.Tags[frames.MetaClientID]
	traceID := ev.Tags[frames.MetaTraceID]
	key := traceID
	if key == "" {
		key = clientID
	}
	if key == "" {
		return
	}

	line, err := json.Marshal(timelineEvent{
		Time:     ev.Time.UTC(),
		Event:    ev.Name,
		ClientID: clientID,
		TraceID:  traceID,
		Tags:     copyTags(ev.Tags),
		Fields:   redactFields(ev.Fields),
	})
	if err != nil {
		return
	}
	o.append(key, line)
	if ev.Name == "session_closed" {
		o.release(key)
	}
}

func (o *TimelineObserver) append(key string, line []byte) {
	safe := sanitizeID(key)
	if safe == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.files[safe]
	if f == nil {
		if err := os.MkdirAll(o.dir, 0o755); err != nil {
			return
		}
		var err error
		f, err = os.OpenFile(filepath.Join(o.dir, safe+".jsonl"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		o.files[safe] = f
	}
	_, _ = f.Write(append(line, '\n'))
}

func (o *TimelineObserver) release(key string) {
	safe := sanitizeID(key)
	o.mu.Lock()
	defer o.mu.Unlock()
	if f := o.files[safe]; f != nil {
		_ = f.Close()
		delete(o.files, safe)
	}
}

// Close closes every open timeline file.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if f == nil {
			continue
		}
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

// sanitizeID keeps trace and client IDs filesystem-safe.
func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func copyTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// redactFields masks PII in string fields; transcript text flows
// through fields like message and chars previews.
func redactFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = redact.Text(s)
			continue
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)

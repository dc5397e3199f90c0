package observers

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashidome/kikitori/pkg/metrics"
	"github.com/ashidome/kikitori/pkg/redact"
)

func event(name, clientID, traceID string, fields map[string]any) metrics.MetricsEvent {
	return metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   map[string]string{"client_id": clientID, "trace_id": traceID},
		Fields: fields,
	}
}

func TestTimelineWritesPerSessionFile(t *testing.T) {
	dir := t.TempDir()
	o := NewTimelineObserver(dir)
	defer o.Close()

	o.RecordEvent(event("session_open", "c1", "trace-xyz", nil))
	o.RecordEvent(event("asr_final", "c1", "trace-xyz", map[string]any{"chars": 4}))
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "trace-xyz.jsonl"))
	if err != nil {
		t.Fatalf("open timeline: %v", err)
	}
	defer f.Close()
	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev timelineEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad jsonl line %q: %v", sc.Text(), err)
		}
		if ev.ClientID != "c1" || ev.TraceID != "trace-xyz" {
			t.Fatalf("ids = %s/%s", ev.ClientID, ev.TraceID)
		}
		names = append(names, ev.Event)
	}
	if len(names) != 2 || names[0] != "session_open" || names[1] != "asr_final" {
		t.Fatalf("events = %v", names)
	}
}

func TestTimelineReleasesFileOnSessionClosed(t *testing.T) {
	dir := t.TempDir()
	o := NewTimelineObserver(dir)
	defer o.Close()

	o.RecordEvent(event("session_open", "c1", "t1", nil))
	o.RecordEvent(event("session_closed", "c1", "t1", nil))

	o.mu.Lock()
	open := len(o.files)
	o.mu.Unlock()
	if open != 0 {
		t.Fatalf("open files = %d, want 0", open)
	}
}

func TestTimelineRedactsStringFields(t *testing.T) {
	redact.SetEnabled(true)
	defer redact.SetEnabled(false)

	dir := t.TempDir()
	o := NewTimelineObserver(dir)
	o.RecordEvent(event("asr_error", "c1", "t1", map[string]any{"message": "mail bob@example.com failed"}))
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "t1.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev timelineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Fields["message"] != "mail [REDACTED_EMAIL] failed" {
		t.Fatalf("message = %v", ev.Fields["message"])
	}
}

func TestSanitizeID(t *testing.T) {
	if got := sanitizeID("../etc/passwd"); got != ".._etc_passwd" {
		t.Fatalf("got %q", got)
	}
	if got := sanitizeID("  "); got != "" {
		t.Fatalf("got %q", got)
	}
}

package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecord_AppendsStructuredEntries(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer Close()

	Record(EventLeaseAcquired, "s1", "pid=42")
	Record(EventInterrupt, "s1", "keyword=stop")

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var e entry
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("line not JSON: %v", err)
	}
	if e.Event != EventLeaseAcquired || e.SessionID != "s1" || e.Timestamp == "" {
		t.Fatalf("entry = %+v", e)
	}
}

func TestRecord_RedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer Close()

	Record(EventLaunchFailed, "s2", "fetch failed for bot 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1")

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "AAHdqTcv") {
		t.Fatalf("secret leaked into audit: %s", data)
	}
}

func TestRecord_BeforeInitIsNoop(t *testing.T) {
	_ = Close()
	Record(EventLeaseReleased, "s3", "") // must not panic
}

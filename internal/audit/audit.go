// Package audit appends coordination decisions (lease acquired, lease
// cleared, interrupts, crash detections, dispatches) to logs/audit.jsonl.
// The audit trail is append-only and survives daemon restarts.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/tether/internal/shared"
)

// Event names recorded in the audit trail.
const (
	EventLeaseAcquired     = "lease_acquired"
	EventLeaseReleased     = "lease_released"
	EventLeaseStaleCleared = "lease_stale_cleared"
	EventTaskDispatched    = "task_dispatched"
	EventTaskParked        = "task_parked"
	EventInterrupt         = "interrupt"
	EventCrashDetected     = "crash_detected"
	EventLaunchFailed      = "launch_failed"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	SessionID string `json:"session_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu   sync.Mutex
	file *os.File
)

// Init opens the audit file under homeDir. Safe to call more than once.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close closes the audit file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Record appends one audit entry. Details are redacted before persistence;
// failures are swallowed — auditing never blocks coordination.
func Record(event, sessionID, detail string) {
	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Event:     event,
		SessionID: sessionID,
		Detail:    shared.Redact(detail),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	_, _ = file.Write(data)
}

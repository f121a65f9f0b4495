// Package marker persists the durable markers describing why the previous
// worker session ended: crashed, user-interrupted, or still mid-task. Each
// marker is one JSON file under the state dir; the file's presence is the
// signal, and consuming a marker deletes it, so each event is surfaced to
// exactly one subsequent session.
package marker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	activeFile    = "active_task.json"
	crashFile     = "crashed.json"
	interruptFile = "interrupted.json"
)

// ActiveTask describes the task currently being executed by the worker.
// Present only while a task is in flight; absent during standby.
type ActiveTask struct {
	Instruction string    `json:"instruction"`
	MessageIDs  []string  `json:"message_ids"`
	Channel     string    `json:"channel"`
	ChatID      string    `json:"chat_id"`
	StartedAt   time.Time `json:"started_at"`
}

// CrashMarker records a task whose holder died without cleanup.
type CrashMarker struct {
	Instruction   string    `json:"instruction"`
	MessageIDs    []string  `json:"message_ids"`
	Channel       string    `json:"channel"`
	ChatID        string    `json:"chat_id"`
	OriginalTexts []string  `json:"original_texts,omitempty"`
	DetectedAt    time.Time `json:"detected_at"`
}

// InterruptMarker records a task force-terminated by an interrupt keyword.
type InterruptMarker struct {
	PreviousInstruction string    `json:"previous_instruction"`
	PreviousMessageIDs  []string  `json:"previous_message_ids"`
	Channel             string    `json:"channel"`
	ChatID              string    `json:"chat_id"`
	Reason              string    `json:"reason"`
	By                  string    `json:"by,omitempty"`
	InterruptedAt       time.Time `json:"interrupted_at"`
}

// Recorder owns the marker files. The supervisor is the only writer.
type Recorder struct {
	dir string
}

// NewRecorder creates a Recorder rooted at dir.
func NewRecorder(dir string) *Recorder {
	return &Recorder{dir: dir}
}

// SetActive persists the active-task record.
func (r *Recorder) SetActive(task ActiveTask) error {
	if task.StartedAt.IsZero() {
		task.StartedAt = time.Now().UTC()
	}
	return r.write(activeFile, task)
}

// Active returns the active-task record, if present.
func (r *Recorder) Active() (ActiveTask, bool, error) {
	var task ActiveTask
	ok, err := r.read(activeFile, &task)
	return task, ok, err
}

// ClearActive removes the active-task record.
func (r *Recorder) ClearActive() error {
	return r.remove(activeFile)
}

// RecordCrash writes a crash marker for the given terminated task.
func (r *Recorder) RecordCrash(task ActiveTask, originalTexts []string) error {
	return r.write(crashFile, CrashMarker{
		Instruction:   task.Instruction,
		MessageIDs:    task.MessageIDs,
		Channel:       task.Channel,
		ChatID:        task.ChatID,
		OriginalTexts: originalTexts,
		DetectedAt:    time.Now().UTC(),
	})
}

// RecordInterrupt writes an interrupt marker for the given aborted task.
// task may be the zero value when the worker was idle in standby.
func (r *Recorder) RecordInterrupt(task ActiveTask, reason, by string) error {
	return r.write(interruptFile, InterruptMarker{
		PreviousInstruction: task.Instruction,
		PreviousMessageIDs:  task.MessageIDs,
		Channel:             task.Channel,
		ChatID:              task.ChatID,
		Reason:              reason,
		By:                  by,
		InterruptedAt:       time.Now().UTC(),
	})
}

// ConsumeCrash reads and clears the crash marker. The destructive read
// guarantees the crash is reported to exactly one session.
func (r *Recorder) ConsumeCrash() (*CrashMarker, error) {
	var m CrashMarker
	ok, err := r.read(crashFile, &m)
	if err != nil || !ok {
		return nil, err
	}
	if err := r.remove(crashFile); err != nil {
		return nil, err
	}
	return &m, nil
}

// ConsumeInterrupt reads and clears the interrupt marker.
func (r *Recorder) ConsumeInterrupt() (*InterruptMarker, error) {
	var m InterruptMarker
	ok, err := r.read(interruptFile, &m)
	if err != nil || !ok {
		return nil, err
	}
	if err := r.remove(interruptFile); err != nil {
		return nil, err
	}
	return &m, nil
}

// LastMarker peeks at the most recent marker without consuming it.
// Used by the status surface only.
func (r *Recorder) LastMarker() (kind string, at time.Time, ok bool) {
	var crash CrashMarker
	if found, err := r.read(crashFile, &crash); err == nil && found {
		kind, at, ok = "crash", crash.DetectedAt, true
	}
	var intr InterruptMarker
	if found, err := r.read(interruptFile, &intr); err == nil && found {
		if !ok || intr.InterruptedAt.After(at) {
			kind, at, ok = "interrupt", intr.InterruptedAt, true
		}
	}
	return kind, at, ok
}

func (r *Recorder) write(name string, v interface{}) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(r.dir, name+".tmp")
	if err != nil {
		return fmt.Errorf("create tmp for %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(r.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

func (r *Recorder) read(name string, v interface{}) (bool, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", name, err)
	}
	return true, nil
}

func (r *Recorder) remove(name string) error {
	if err := os.Remove(filepath.Join(r.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

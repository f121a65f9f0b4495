package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WaitingFileName is the file a worker writes in its status dir before
// exiting to park the current task: it has asked the user a question and
// cannot proceed until the reply arrives.
const WaitingFileName = "waiting.json"

// WaitingSignal is the parked-task request a worker leaves behind.
type WaitingSignal struct {
	// Question is relayed to the originating chat.
	Question string `json:"question"`

	// AwaitingReplyTo optionally names the message id the worker expects the
	// user to reply to. Empty means any later message from the chat resumes
	// the task.
	AwaitingReplyTo string `json:"awaiting_reply_to,omitempty"`
}

// ConsumeWaiting reads and removes the waiting signal from statusDir, if
// present. Destructive like the done file: the signal applies to exactly one
// session settlement.
func ConsumeWaiting(statusDir string) (*WaitingSignal, bool, error) {
	path := filepath.Join(statusDir, WaitingFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read waiting signal: %w", err)
	}
	_ = os.Remove(path)

	var sig WaitingSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, false, fmt.Errorf("parse waiting signal: %w", err)
	}
	return &sig, true, nil
}

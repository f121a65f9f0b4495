// Package router turns a batch of unprocessed messages into exactly one
// coherent unit of work for the worker. Same-chat messages that piled up while
// the worker was busy are merged into a single instruction rather than
// spawning duplicate tasks, and replies to parked (waiting) tasks resume those
// tasks ahead of anything new.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/tether/internal/store"
	"github.com/google/uuid"
)

// Task is one dispatchable unit of work.
type Task struct {
	ID          string
	Instruction string
	Channel     string
	ChatID      string
	MessageIDs  []string
	StartedAt   time.Time

	// ResumedFrom is the waiting-task id this task resumes, if any.
	ResumedFrom string
}

// WaitingStore is the slice of the message store the router needs for
// reply-to-waiting-task matching.
type WaitingStore interface {
	WaitingForChat(ctx context.Context, channel, chatID string) ([]store.WaitingTask, error)
	ResolveWaiting(ctx context.Context, id string) (bool, error)
}

// Router picks the next task from a poll batch.
type Router struct {
	waiting WaitingStore
}

func New(waiting WaitingStore) *Router {
	return &Router{waiting: waiting}
}

type group struct {
	channel  string
	chatID   string
	messages []store.Message
	earliest time.Time
}

// PickNext selects the single task to dispatch from the given unprocessed
// batch and returns the candidates left for a later cycle. Resumptions of
// waiting tasks win over fresh tasks regardless of arrival time; fresh tasks
// are served oldest chat first.
func (r *Router) PickNext(ctx context.Context, unprocessed []store.Message) (*Task, []Task, error) {
	if len(unprocessed) == 0 {
		return nil, nil, nil
	}

	groups := groupByChat(unprocessed)

	var resumed []Task
	var fresh []Task
	for _, g := range groups {
		task, err := r.matchWaiting(ctx, g)
		if err != nil {
			return nil, nil, err
		}
		if task != nil {
			resumed = append(resumed, *task)
			continue
		}
		fresh = append(fresh, Task{
			ID:          uuid.NewString(),
			Instruction: mergeInstruction(g.messages),
			Channel:     g.channel,
			ChatID:      g.chatID,
			MessageIDs:  messageIDs(g.messages),
		})
	}

	ordered := append(resumed, fresh...)
	picked := ordered[0]
	remaining := ordered[1:]

	// The picked resumption consumes its waiting record; the rest stay parked
	// until their own dispatch.
	if picked.ResumedFrom != "" {
		if _, err := r.waiting.ResolveWaiting(ctx, picked.ResumedFrom); err != nil {
			return nil, nil, fmt.Errorf("resolve waiting task: %w", err)
		}
	}
	return &picked, remaining, nil
}

// matchWaiting checks the group against the chat's parked tasks. An explicit
// reply_to match wins; absent threading, the most recently parked task for the
// chat is resumed.
func (r *Router) matchWaiting(ctx context.Context, g group) (*Task, error) {
	parked, err := r.waiting.WaitingForChat(ctx, g.channel, g.chatID)
	if err != nil {
		return nil, fmt.Errorf("load waiting tasks: %w", err)
	}
	if len(parked) == 0 {
		return nil, nil
	}

	match := -1
	for i, w := range parked {
		if w.AwaitingReplyTo == "" {
			continue
		}
		for _, msg := range g.messages {
			if msg.ReplyTo != "" && msg.ReplyTo == w.AwaitingReplyTo {
				match = i
				break
			}
		}
		if match >= 0 {
			break
		}
	}
	if match < 0 {
		// No explicit thread; WaitingForChat orders most recently parked first.
		match = 0
	}

	w := parked[match]
	return &Task{
		ID:          uuid.NewString(),
		Instruction: resumeInstruction(w, g.messages),
		Channel:     g.channel,
		ChatID:      g.chatID,
		MessageIDs:  messageIDs(g.messages),
		ResumedFrom: w.ID,
	}, nil
}

// groupByChat buckets messages per (channel, chat) and orders the buckets by
// their earliest arrival.
func groupByChat(msgs []store.Message) []group {
	index := make(map[string]*group)
	var order []string
	for _, m := range msgs {
		key := m.Channel + "\x00" + m.ChatID
		g, ok := index[key]
		if !ok {
			g = &group{channel: m.Channel, chatID: m.ChatID, earliest: m.ReceivedAt}
			index[key] = g
			order = append(order, key)
		}
		g.messages = append(g.messages, m)
		if m.ReceivedAt.Before(g.earliest) {
			g.earliest = m.ReceivedAt
		}
	}

	out := make([]group, 0, len(order))
	for _, key := range order {
		g := index[key]
		sort.SliceStable(g.messages, func(i, j int) bool {
			return g.messages[i].ReceivedAt.Before(g.messages[j].ReceivedAt)
		})
		out = append(out, *g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].earliest.Before(out[j].earliest)
	})
	return out
}

// mergeInstruction concatenates a chat's backlog into one numbered
// instruction, arrival order preserved.
func mergeInstruction(msgs []store.Message) string {
	if len(msgs) == 1 {
		return msgs[0].Text
	}
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Request %d] (%s)\n%s", i+1, m.ReceivedAt.Format("2006-01-02 15:04:05"), m.Text)
	}
	return b.String()
}

// resumeInstruction rebuilds the parked task's instruction with the user's
// reply appended.
func resumeInstruction(w store.WaitingTask, msgs []store.Message) string {
	var b strings.Builder
	b.WriteString("[Resuming task awaiting your reply]\n")
	b.WriteString(w.Instruction)
	for _, m := range msgs {
		b.WriteString("\n\n[Reply] ")
		b.WriteString(m.Text)
	}
	return b.String()
}

func messageIDs(msgs []store.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MessageID
	}
	return ids
}

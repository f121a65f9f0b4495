package router

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/tether/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tether.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func msg(id, chat, text string, at time.Time) store.Message {
	return store.Message{
		Channel: "telegram", MessageID: id, ChatID: chat, Text: text, ReceivedAt: at,
	}
}

func TestPickNext_EmptyBatch(t *testing.T) {
	r := New(openTestStore(t))
	task, remaining, err := r.PickNext(context.Background(), nil)
	if err != nil || task != nil || remaining != nil {
		t.Fatalf("task=%v remaining=%v err=%v", task, remaining, err)
	}
}

func TestPickNext_MergesSameChatBacklog(t *testing.T) {
	r := New(openTestStore(t))
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	task, remaining, err := r.PickNext(context.Background(), []store.Message{
		msg("m1", "100", "build X", base),
		msg("m2", "100", "also add Y", base.Add(time.Minute)),
	})
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if task == nil {
		t.Fatal("no task picked")
	}
	if len(remaining) != 0 {
		t.Fatalf("remaining = %+v, want none (same chat merges)", remaining)
	}
	if len(task.MessageIDs) != 2 {
		t.Fatalf("message ids = %v", task.MessageIDs)
	}
	// Ordered concatenation, not two tasks.
	i1 := strings.Index(task.Instruction, "build X")
	i2 := strings.Index(task.Instruction, "also add Y")
	if i1 < 0 || i2 < 0 || i1 > i2 {
		t.Fatalf("instruction = %q", task.Instruction)
	}
}

func TestPickNext_SingleMessageKeepsRawText(t *testing.T) {
	r := New(openTestStore(t))
	task, _, err := r.PickNext(context.Background(), []store.Message{
		msg("m1", "100", "just this", time.Now()),
	})
	if err != nil || task == nil {
		t.Fatalf("task=%v err=%v", task, err)
	}
	if task.Instruction != "just this" {
		t.Fatalf("instruction = %q", task.Instruction)
	}
}

func TestPickNext_CrossChatFIFOByEarliestArrival(t *testing.T) {
	r := New(openTestStore(t))
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	task, remaining, err := r.PickNext(context.Background(), []store.Message{
		msg("b1", "chatB", "newer chat", base.Add(time.Minute)),
		msg("a1", "chatA", "older chat", base),
	})
	if err != nil || task == nil {
		t.Fatalf("pick: task=%v err=%v", task, err)
	}
	if task.ChatID != "chatA" {
		t.Fatalf("picked chat %s, want chatA (oldest arrival)", task.ChatID)
	}
	if len(remaining) != 1 || remaining[0].ChatID != "chatB" {
		t.Fatalf("remaining = %+v", remaining)
	}
}

func TestPickNext_ReplyThreadingResumesWaitingFirst(t *testing.T) {
	s := openTestStore(t)
	r := New(s)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	parkedID, err := s.ParkWaiting(ctx, store.WaitingTask{
		Channel: "telegram", ChatID: "chatB",
		Instruction: "deploy to prod?", AwaitingReplyTo: "42",
	})
	if err != nil {
		t.Fatal(err)
	}

	// The fresh task arrived EARLIER, but the reply must still win.
	reply := msg("m-reply", "chatB", "yes go ahead", base.Add(time.Hour))
	reply.ReplyTo = "42"
	task, remaining, err := r.PickNext(ctx, []store.Message{
		msg("m-fresh", "chatA", "unrelated new task", base),
		reply,
	})
	if err != nil || task == nil {
		t.Fatalf("pick: %v", err)
	}
	if task.ResumedFrom != parkedID {
		t.Fatalf("resumed from %q, want %q", task.ResumedFrom, parkedID)
	}
	if !strings.Contains(task.Instruction, "deploy to prod?") || !strings.Contains(task.Instruction, "yes go ahead") {
		t.Fatalf("instruction = %q", task.Instruction)
	}
	if len(remaining) != 1 || remaining[0].ChatID != "chatA" {
		t.Fatalf("remaining = %+v", remaining)
	}

	// The picked resumption consumed its waiting record.
	parked, err := s.WaitingForChat(ctx, "telegram", "chatB")
	if err != nil {
		t.Fatal(err)
	}
	if len(parked) != 0 {
		t.Fatalf("waiting task not consumed: %+v", parked)
	}
}

func TestPickNext_HeuristicResumeWithoutThreading(t *testing.T) {
	s := openTestStore(t)
	r := New(s)
	ctx := context.Background()

	if _, err := s.ParkWaiting(ctx, store.WaitingTask{
		Channel: "telegram", ChatID: "100", Instruction: "old question",
		ParkedAt: time.Now().UTC().Add(-2 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	latest, err := s.ParkWaiting(ctx, store.WaitingTask{
		Channel: "telegram", ChatID: "100", Instruction: "latest question",
		ParkedAt: time.Now().UTC().Add(-time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	// No reply_to on the message: the most recently parked task resumes.
	task, _, err := r.PickNext(ctx, []store.Message{
		msg("m1", "100", "the answer", time.Now()),
	})
	if err != nil || task == nil {
		t.Fatalf("pick: %v", err)
	}
	if task.ResumedFrom != latest {
		t.Fatalf("resumed %q, want most recently parked %q", task.ResumedFrom, latest)
	}
	if !strings.Contains(task.Instruction, "latest question") {
		t.Fatalf("instruction = %q", task.Instruction)
	}
}

func TestPickNext_NoWaitingInOtherChat(t *testing.T) {
	s := openTestStore(t)
	r := New(s)
	ctx := context.Background()

	if _, err := s.ParkWaiting(ctx, store.WaitingTask{
		Channel: "telegram", ChatID: "999", Instruction: "elsewhere",
	}); err != nil {
		t.Fatal(err)
	}

	task, _, err := r.PickNext(ctx, []store.Message{
		msg("m1", "100", "fresh work", time.Now()),
	})
	if err != nil || task == nil {
		t.Fatalf("pick: %v", err)
	}
	if task.ResumedFrom != "" {
		t.Fatalf("resumed %q from an unrelated chat", task.ResumedFrom)
	}
}

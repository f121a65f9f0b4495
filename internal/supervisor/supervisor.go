// Package supervisor runs the coordination loop: it polls the message store,
// routes the backlog into one task at a time, holds the exclusive-execution
// lease while the worker runs, and handles interrupts, crashes, and orphaned
// leases left by dead processes.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/tether/internal/audit"
	"github.com/basket/tether/internal/bus"
	"github.com/basket/tether/internal/lease"
	"github.com/basket/tether/internal/marker"
	"github.com/basket/tether/internal/router"
	"github.com/basket/tether/internal/store"
	"github.com/basket/tether/internal/worker"
)

// Supervisor states, exposed for status and tests.
const (
	StateIdle         = "idle"
	StateAcquiring    = "acquiring"
	StateRunning      = "running"
	StateInterrupting = "interrupting"
	StateRecovering   = "recovering"
)

// Notifier delivers a reply back to the chat a task came from.
type Notifier interface {
	Notify(ctx context.Context, channel, chatID, text string) error
}

// Options tunes the supervision loop.
type Options struct {
	PollInterval time.Duration
	KillGrace    time.Duration

	InterruptKeywords []string
	FuzzyInterrupts   bool
}

// Supervisor drives worker sessions. One Supervisor runs per daemon; the
// lease, not the Supervisor, is what guarantees exclusivity across daemons.
type Supervisor struct {
	opts     Options
	store    *store.Store
	leases   *lease.Manager
	markers  *marker.Recorder
	router   *router.Router
	launcher worker.Launcher
	notifier Notifier
	events   *bus.Bus
	matcher  *KeywordMatcher
	logger   *slog.Logger

	mu      sync.Mutex
	current *session
	state   atomic.Value

	// sessions tracks in-flight monitor goroutines so shutdown can wait for
	// the running worker to be settled.
	sessions sync.WaitGroup
}

// session is one in-flight worker run.
type session struct {
	id          string
	task        router.Task
	handle      worker.Handle
	interrupted atomic.Bool
	completed   atomic.Bool
}

func New(opts Options, st *store.Store, lm *lease.Manager, rec *marker.Recorder, rt *router.Router, launcher worker.Launcher, notifier Notifier, events *bus.Bus, logger *slog.Logger) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		opts:     opts,
		store:    st,
		leases:   lm,
		markers:  rec,
		router:   rt,
		launcher: launcher,
		notifier: notifier,
		events:   events,
		matcher:  NewKeywordMatcher(opts.InterruptKeywords, opts.FuzzyInterrupts),
		logger:   logger,
	}
	s.state.Store(StateIdle)
	return s
}

// State returns the current supervisor state.
func (s *Supervisor) State() string {
	return s.state.Load().(string)
}

func (s *Supervisor) setState(state string) {
	s.state.Store(state)
	s.logger.Debug("supervisor state", "state", state)
}

// Run executes the supervision loop until ctx is canceled. Each cycle sweeps
// orphaned leases, then routes the unprocessed backlog; between cycles it
// sleeps until the poll tick or a message-received wake from the bus.
func (s *Supervisor) Run(ctx context.Context) error {
	sub := s.events.Subscribe(bus.TopicMessageReceived)
	defer s.events.Unsubscribe(sub)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		s.cycle(ctx)
		select {
		case <-ctx.Done():
			// Let the in-flight session settle (terminate the worker, release
			// the lease) before reporting the loop stopped.
			s.sessions.Wait()
			return ctx.Err()
		case <-ticker.C:
		case <-sub.Ch():
		}
	}
}

func (s *Supervisor) cycle(ctx context.Context) {
	s.SweepOrphans(ctx)

	batch, err := s.store.Unprocessed(ctx)
	if err != nil {
		s.logger.Error("poll failed", "error", err)
		return
	}
	if len(batch) == 0 {
		return
	}

	interrupts, normal := s.splitInterrupts(batch)
	if len(interrupts) > 0 {
		s.handleInterrupt(ctx, interrupts)
		return
	}

	s.mu.Lock()
	busy := s.current != nil
	s.mu.Unlock()
	if busy {
		// A session is in flight; the backlog accumulates for the next idle cycle.
		return
	}

	task, _, err := s.router.PickNext(ctx, normal)
	if err != nil {
		s.logger.Error("routing failed", "error", err)
		return
	}
	if task == nil {
		return
	}
	s.dispatch(ctx, task)
}

// splitInterrupts partitions a batch into interrupt commands and ordinary work.
func (s *Supervisor) splitInterrupts(batch []store.Message) (interrupts, normal []store.Message) {
	for _, msg := range batch {
		if _, ok := s.matcher.Match(msg.Text); ok {
			interrupts = append(interrupts, msg)
		} else {
			normal = append(normal, msg)
		}
	}
	return interrupts, normal
}

// SweepOrphans detects a lease whose holder died without cleanup: a stale or
// orphaned lease with no in-flight session here. Any active-task marker left
// behind becomes a crash marker, then the lease is force-cleared. Also runs
// as a periodic maintenance job.
func (s *Supervisor) SweepOrphans(ctx context.Context) {
	s.mu.Lock()
	busy := s.current != nil
	s.mu.Unlock()
	if busy {
		return
	}

	current, ok, err := s.leases.Current()
	if err != nil {
		s.logger.Error("lease read failed", "error", err)
		return
	}
	if !ok {
		return
	}
	if live, err := s.leases.IsLive(); err != nil || live {
		return
	}

	s.setState(StateRecovering)
	defer s.setState(StateIdle)

	if active, found, err := s.markers.Active(); err == nil && found {
		texts := s.originalTexts(ctx, active)
		if err := s.markers.RecordCrash(active, texts); err != nil {
			s.logger.Error("record crash failed", "error", err)
		}
		if err := s.markers.ClearActive(); err != nil {
			s.logger.Error("clear active failed", "error", err)
		}
		s.events.Publish(bus.TopicSessionCrashFound, bus.SessionEvent{
			SessionID:   current.SessionID,
			Channel:     active.Channel,
			ChatID:      active.ChatID,
			Instruction: active.Instruction,
		})
		audit.Record(audit.EventCrashDetected, current.SessionID, "instruction="+active.Instruction)
		s.logger.Warn("crash detected: previous session died mid-task",
			"session_id", current.SessionID,
			"pid", current.PID,
		)
	}

	if err := s.leases.ForceClear(ctx); err != nil {
		s.logger.Error("force clear failed", "error", err)
		return
	}
	s.events.Publish(bus.TopicLeaseStaleCleared, bus.SessionEvent{SessionID: current.SessionID})
	audit.Record(audit.EventLeaseStaleCleared, current.SessionID, fmt.Sprintf("pid=%d", current.PID))
	s.logger.Info("stale lease cleared", "session_id", current.SessionID)
}

// originalTexts reconstructs the user's message texts for a crashed task so
// the next session sees what was actually asked, not just the merged
// instruction.
func (s *Supervisor) originalTexts(ctx context.Context, active marker.ActiveTask) []string {
	msgs, err := s.store.MessagesByIDs(ctx, active.Channel, active.MessageIDs)
	if err != nil {
		s.logger.Error("load original texts failed", "error", err)
		return nil
	}
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	return texts
}

// handleInterrupt terminates the in-flight session (if any), records the
// interrupt marker, and clears the entire pending backlog so pre-interrupt
// requests are never executed afterward.
func (s *Supervisor) handleInterrupt(ctx context.Context, interrupts []store.Message) {
	first := interrupts[0]

	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()

	switch {
	case cur != nil:
		s.setState(StateInterrupting)
		cur.interrupted.Store(true)

		active, _, err := s.markers.Active()
		if err != nil {
			s.logger.Error("read active task failed", "error", err)
		}
		if err := s.markers.RecordInterrupt(active, first.Text, first.Sender); err != nil {
			s.logger.Error("record interrupt failed", "error", err)
		}
		if err := s.markers.ClearActive(); err != nil {
			s.logger.Error("clear active failed", "error", err)
		}

		s.terminate(cur.handle)
		if err := s.leases.Release(cur.id); err != nil {
			s.logger.Error("release after interrupt failed", "error", err)
		}

		cleared, err := s.store.MarkAllProcessed(ctx)
		if err != nil {
			s.logger.Error("mark all processed failed", "error", err)
		}

		s.mu.Lock()
		if s.current == cur {
			s.current = nil
		}
		s.mu.Unlock()
		s.setState(StateIdle)

		s.events.Publish(bus.TopicSessionInterrupted, bus.SessionEvent{
			SessionID:   cur.id,
			Channel:     cur.task.Channel,
			ChatID:      cur.task.ChatID,
			Instruction: cur.task.Instruction,
		})
		audit.Record(audit.EventInterrupt, cur.id, "keyword="+first.Text)
		s.logger.Info("session interrupted", "session_id", cur.id, "keyword", first.Text, "cleared", cleared)
		s.notify(ctx, first.Channel, first.ChatID, "Stopped the current task.")

	case s.leaseLive():
		// The lease belongs to a session from an earlier daemon. Kill its holder.
		s.setState(StateInterrupting)
		current, _, _ := s.leases.Current()

		active, _, _ := s.markers.Active()
		if err := s.markers.RecordInterrupt(active, first.Text, first.Sender); err != nil {
			s.logger.Error("record interrupt failed", "error", err)
		}
		if err := s.markers.ClearActive(); err != nil {
			s.logger.Error("clear active failed", "error", err)
		}
		if err := s.leases.ForceClear(ctx); err != nil {
			s.logger.Error("force clear failed", "error", err)
			s.setState(StateIdle)
			s.notify(ctx, first.Channel, first.ChatID, "Could not stop the running task; its process survived the kill.")
			return
		}
		if _, err := s.store.MarkAllProcessed(ctx); err != nil {
			s.logger.Error("mark all processed failed", "error", err)
		}
		s.setState(StateIdle)

		s.events.Publish(bus.TopicSessionInterrupted, bus.SessionEvent{SessionID: current.SessionID})
		audit.Record(audit.EventInterrupt, current.SessionID, "keyword="+first.Text)
		s.notify(ctx, first.Channel, first.ChatID, "Stopped the current task.")

	default:
		// Nothing running. Consume the interrupt commands so they are not
		// mistaken for work on the next cycle.
		byChannel := make(map[string][]string)
		for _, msg := range interrupts {
			byChannel[msg.Channel] = append(byChannel[msg.Channel], msg.MessageID)
		}
		for channel, ids := range byChannel {
			if err := s.store.MarkProcessed(ctx, channel, ids); err != nil {
				s.logger.Error("mark interrupt processed failed", "error", err)
			}
		}
		s.notify(ctx, first.Channel, first.ChatID, "No task is running.")
	}
}

func (s *Supervisor) leaseLive() bool {
	live, err := s.leases.IsLive()
	return err == nil && live
}

// terminate stops the worker's process group: SIGTERM, bounded grace, then
// SIGKILL.
func (s *Supervisor) terminate(h worker.Handle) {
	_ = h.Signal(syscall.SIGTERM)
	select {
	case <-h.Done():
		return
	case <-time.After(s.opts.KillGrace):
	}
	_ = h.Signal(syscall.SIGKILL)
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		s.logger.Error("worker survived SIGKILL", "pid", h.PID())
	}
}

// dispatch acquires the lease and launches the worker for one task. The lease
// is taken before launch and released on launch failure, so a failed start
// never leaves the system locked.
func (s *Supervisor) dispatch(ctx context.Context, task *router.Task) {
	s.setState(StateAcquiring)
	sessionID := uuid.NewString()

	acquired, err := s.leases.TryAcquire(sessionID, os.Getpid())
	if err != nil {
		s.logger.Error("lease acquire failed", "error", err)
		s.setState(StateIdle)
		return
	}
	if !acquired {
		// Another process won the race; its session will drain the backlog.
		s.setState(StateIdle)
		return
	}
	audit.Record(audit.EventLeaseAcquired, sessionID, fmt.Sprintf("pid=%d", os.Getpid()))

	instruction, contextJSON := s.resumeContext(task)

	h, err := s.launcher.Launch(ctx, worker.LaunchRequest{
		SessionID:   sessionID,
		Instruction: instruction,
		Channel:     task.Channel,
		ChatID:      task.ChatID,
		ContextJSON: contextJSON,
	})
	if err != nil {
		if relErr := s.leases.Release(sessionID); relErr != nil {
			s.logger.Error("release after launch failure failed", "error", relErr)
		}
		if markErr := s.store.MarkProcessed(ctx, task.Channel, task.MessageIDs); markErr != nil {
			s.logger.Error("mark processed failed", "error", markErr)
		}
		audit.Record(audit.EventLaunchFailed, sessionID, err.Error())
		s.logger.Error("worker launch failed", "error", err)
		s.notify(ctx, task.Channel, task.ChatID, "Failed to start the worker: "+err.Error())
		s.setState(StateIdle)
		return
	}

	if err := s.leases.SetPID(sessionID, h.PID()); err != nil {
		s.logger.Error("record worker pid failed", "error", err)
	}
	if err := s.markers.SetActive(marker.ActiveTask{
		Instruction: task.Instruction,
		MessageIDs:  task.MessageIDs,
		Channel:     task.Channel,
		ChatID:      task.ChatID,
	}); err != nil {
		s.logger.Error("record active task failed", "error", err)
	}
	if err := s.store.MarkProcessed(ctx, task.Channel, task.MessageIDs); err != nil {
		s.logger.Error("mark processed failed", "error", err)
	}

	sess := &session{id: sessionID, task: *task, handle: h}
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
	s.setState(StateRunning)

	s.events.Publish(bus.TopicSessionStarted, bus.SessionEvent{
		SessionID:   sessionID,
		Channel:     task.Channel,
		ChatID:      task.ChatID,
		Instruction: task.Instruction,
	})
	audit.Record(audit.EventTaskDispatched, sessionID, fmt.Sprintf("channel=%s chat=%s messages=%d", task.Channel, task.ChatID, len(task.MessageIDs)))
	s.logger.Info("task dispatched",
		"session_id", sessionID,
		"channel", task.Channel,
		"chat_id", task.ChatID,
		"pid", h.PID(),
		"resumed_from", task.ResumedFrom,
	)

	s.sessions.Add(1)
	go s.superviseMonitor(ctx, sess)
}

// superviseMonitor keeps the session monitor alive: a panic in the tail loop
// restarts it rather than abandoning (or killing) a healthy worker.
func (s *Supervisor) superviseMonitor(ctx context.Context, sess *session) {
	defer s.sessions.Done()
	for {
		if s.runMonitor(ctx, sess) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("session monitor failed, restarting", "session_id", sess.id)
	}
}

func (s *Supervisor) runMonitor(ctx context.Context, sess *session) (finished bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session monitor panic", "session_id", sess.id, "panic", r)
			finished = false
		}
	}()
	s.monitor(ctx, sess)
	return true
}

// resumeContext consumes any crash or interrupt marker left by the previous
// session and folds it into the new task: a preamble on the instruction plus
// the raw marker as context.json in the status dir. Consuming here guarantees
// each marker reaches exactly one session.
func (s *Supervisor) resumeContext(task *router.Task) (string, []byte) {
	crash, err := s.markers.ConsumeCrash()
	if err != nil {
		s.logger.Error("consume crash marker failed", "error", err)
	}
	intr, err := s.markers.ConsumeInterrupt()
	if err != nil {
		s.logger.Error("consume interrupt marker failed", "error", err)
	}
	if crash == nil && intr == nil {
		return task.Instruction, nil
	}

	payload := struct {
		Crashed     *marker.CrashMarker     `json:"crashed,omitempty"`
		Interrupted *marker.InterruptMarker `json:"interrupted,omitempty"`
	}{crash, intr}
	contextJSON, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal resume context failed", "error", err)
		contextJSON = nil
	}

	var b strings.Builder
	if crash != nil {
		b.WriteString("[A previous session crashed mid-task]\nUnfinished instruction:\n")
		b.WriteString(crash.Instruction)
		if len(crash.OriginalTexts) > 0 {
			b.WriteString("\nOriginal messages:\n")
			for _, t := range crash.OriginalTexts {
				b.WriteString("- " + t + "\n")
			}
		}
		b.WriteString("\n")
	}
	if intr != nil {
		b.WriteString("[The previous task was interrupted by the user]\nInterrupted instruction:\n")
		b.WriteString(intr.PreviousInstruction)
		b.WriteString("\n\n")
	}
	b.WriteString(task.Instruction)
	return b.String(), contextJSON
}

// monitor follows one worker session to completion. Worker output drives the
// lease heartbeat: a worker silent past the staleness threshold is
// indistinguishable from a hung one and loses its lease to the sweep.
func (s *Supervisor) monitor(ctx context.Context, sess *session) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	doneFile, err := worker.WatchDone(watchCtx, sess.handle.StatusDir())
	if err != nil {
		s.logger.Error("watch done file failed", "error", err)
		doneFile = nil
	}

	output := sess.handle.Output()
	var lastLine string
	var lastBeat time.Time

	for {
		select {
		case line, ok := <-output:
			if !ok {
				output = nil
				continue
			}
			if strings.TrimSpace(line) != "" {
				lastLine = line
			}
			if time.Since(lastBeat) >= time.Second {
				if err := s.leases.Heartbeat(sess.id); err != nil && err != lease.ErrNotHolder {
					s.logger.Error("heartbeat failed", "error", err)
				}
				lastBeat = time.Now()
			}
		case <-doneFile:
			doneFile = nil
			sess.completed.Store(true)
			// The task is done; let the worker wind down gracefully.
			_ = sess.handle.Signal(syscall.SIGTERM)
		case res := <-sess.handle.Done():
			// The pipes hit EOF before Wait returned; pick up any trailing
			// output so the completion reply carries the worker's last line.
			lastLine = drainOutput(output, lastLine)
			if ctx.Err() != nil && !sess.completed.Load() {
				// The exit was induced by daemon shutdown, not by the task.
				s.shutdown(sess)
				return
			}
			s.finish(ctx, sess, res, lastLine)
			return
		case <-ctx.Done():
			s.shutdown(sess)
			return
		}
	}
}

// shutdown settles the in-flight session when the daemon stops: the worker is
// terminated gracefully and the lease and active-task record are cleared, so
// the next start does not mistake an operator's clean stop for a crash.
func (s *Supervisor) shutdown(sess *session) {
	if sess.interrupted.Load() {
		return
	}
	s.logger.Info("daemon stopping, terminating worker", "session_id", sess.id, "pid", sess.handle.PID())
	s.terminate(sess.handle)
	if err := s.markers.ClearActive(); err != nil {
		s.logger.Error("clear active failed", "error", err)
	}
	if err := s.leases.Release(sess.id); err != nil && err != lease.ErrNotHolder {
		s.logger.Error("release on shutdown failed", "error", err)
	}
	audit.Record(audit.EventLeaseReleased, sess.id, "daemon_shutdown")

	s.mu.Lock()
	if s.current == sess {
		s.current = nil
	}
	s.mu.Unlock()
	s.setState(StateIdle)
}

func drainOutput(output <-chan string, lastLine string) string {
	if output == nil {
		return lastLine
	}
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case line, ok := <-output:
			if !ok {
				return lastLine
			}
			if strings.TrimSpace(line) != "" {
				lastLine = line
			}
		case <-deadline:
			return lastLine
		}
	}
}

// finish settles a session after its worker process exited.
func (s *Supervisor) finish(ctx context.Context, sess *session, res worker.ExitResult, lastLine string) {
	defer func() {
		s.mu.Lock()
		if s.current == sess {
			s.current = nil
		}
		s.mu.Unlock()
		s.setState(StateIdle)
	}()

	if sess.interrupted.Load() {
		// The interrupt path already settled markers, lease, and backlog.
		return
	}

	// A worker that asked the user a question parks its task instead of
	// finishing it; the reply resumes the task ahead of fresh work.
	if sig, found, err := worker.ConsumeWaiting(sess.handle.StatusDir()); err != nil {
		s.logger.Error("consume waiting signal failed", "error", err)
	} else if found {
		s.park(ctx, sess, sig)
		return
	}

	clean := sess.completed.Load() || (res.Code == 0 && res.Err == nil)
	if clean {
		if err := s.markers.ClearActive(); err != nil {
			s.logger.Error("clear active failed", "error", err)
		}
		if err := s.leases.Release(sess.id); err != nil && err != lease.ErrNotHolder {
			s.logger.Error("release failed", "error", err)
		}
		s.events.Publish(bus.TopicSessionCompleted, bus.SessionEvent{
			SessionID:   sess.id,
			Channel:     sess.task.Channel,
			ChatID:      sess.task.ChatID,
			Instruction: sess.task.Instruction,
		})
		audit.Record(audit.EventLeaseReleased, sess.id, "completed")
		s.logger.Info("session completed", "session_id", sess.id)

		reply := lastLine
		if reply == "" {
			reply = "Task finished."
		}
		s.notify(ctx, sess.task.Channel, sess.task.ChatID, reply)
		return
	}

	// The worker died mid-task. Record the crash so the next session inherits
	// the unfinished work.
	if active, found, err := s.markers.Active(); err == nil && found {
		texts := s.originalTexts(ctx, active)
		if err := s.markers.RecordCrash(active, texts); err != nil {
			s.logger.Error("record crash failed", "error", err)
		}
		if err := s.markers.ClearActive(); err != nil {
			s.logger.Error("clear active failed", "error", err)
		}
	}
	if err := s.leases.Release(sess.id); err != nil && err != lease.ErrNotHolder {
		s.logger.Error("release after crash failed", "error", err)
	}
	s.events.Publish(bus.TopicSessionCrashFound, bus.SessionEvent{
		SessionID:   sess.id,
		Channel:     sess.task.Channel,
		ChatID:      sess.task.ChatID,
		Instruction: sess.task.Instruction,
	})
	audit.Record(audit.EventCrashDetected, sess.id, fmt.Sprintf("exit_code=%d", res.Code))
	s.logger.Error("worker exited with error", "session_id", sess.id, "exit_code", res.Code, "error", res.Err)
	s.notify(ctx, sess.task.Channel, sess.task.ChatID,
		fmt.Sprintf("The worker exited unexpectedly (code %d). The task was recorded for recovery.", res.Code))
}

// park suspends the session's task awaiting the user's reply to the worker's
// question. The lease is released so other chats' work can run while the user
// thinks; the router resumes the parked task when the reply arrives.
func (s *Supervisor) park(ctx context.Context, sess *session, sig *worker.WaitingSignal) {
	if _, err := s.store.ParkWaiting(ctx, store.WaitingTask{
		Channel:         sess.task.Channel,
		ChatID:          sess.task.ChatID,
		Instruction:     sess.task.Instruction,
		AwaitingReplyTo: sig.AwaitingReplyTo,
	}); err != nil {
		s.logger.Error("park waiting task failed", "error", err)
	}
	if err := s.markers.ClearActive(); err != nil {
		s.logger.Error("clear active failed", "error", err)
	}
	if err := s.leases.Release(sess.id); err != nil && err != lease.ErrNotHolder {
		s.logger.Error("release after park failed", "error", err)
	}
	s.events.Publish(bus.TopicSessionWaiting, bus.SessionEvent{
		SessionID:   sess.id,
		Channel:     sess.task.Channel,
		ChatID:      sess.task.ChatID,
		Instruction: sess.task.Instruction,
	})
	audit.Record(audit.EventTaskParked, sess.id, "question="+sig.Question)
	s.logger.Info("task parked awaiting user reply", "session_id", sess.id, "chat_id", sess.task.ChatID)

	if sig.Question != "" {
		s.notify(ctx, sess.task.Channel, sess.task.ChatID, sig.Question)
	}
}

func (s *Supervisor) notify(ctx context.Context, channel, chatID, text string) {
	if s.notifier == nil || channel == "" {
		return
	}
	if err := s.notifier.Notify(ctx, channel, chatID, text); err != nil {
		s.logger.Error("notify failed", "channel", channel, "chat_id", chatID, "error", err)
	}
}

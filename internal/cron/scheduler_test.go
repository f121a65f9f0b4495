package cron_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/tether/internal/cron"
)

func TestAddJob_InvalidExpression(t *testing.T) {
	s := cron.NewScheduler(nil)
	err := s.AddJob("bad", "not a cron expr", func(context.Context) {})
	if err == nil {
		t.Fatal("invalid expression accepted")
	}
}

func TestAddJob_SixFieldExpressionRejected(t *testing.T) {
	// The runner is configured for standard 5-field expressions only.
	s := cron.NewScheduler(nil)
	if err := s.AddJob("seconds", "* * * * * *", func(context.Context) {}); err == nil {
		t.Fatal("6-field expression accepted")
	}
}

func TestAddJob_RegistersNames(t *testing.T) {
	s := cron.NewScheduler(nil)
	if err := s.AddJob("cleanup", "0 4 * * *", func(context.Context) {}); err != nil {
		t.Fatalf("add cleanup: %v", err)
	}
	if err := s.AddJob("sweep", "*/5 * * * *", func(context.Context) {}); err != nil {
		t.Fatalf("add sweep: %v", err)
	}
	jobs := s.Jobs()
	if len(jobs) != 2 || jobs[0] != "cleanup" || jobs[1] != "sweep" {
		t.Fatalf("jobs = %v", jobs)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := cron.NewScheduler(nil)
	// Every-minute is the finest granularity of a 5-field expression, too slow
	// for a test tick; instead verify the runner accepts and schedules it and
	// that Stop returns promptly with a job registered.
	if err := s.AddJob("tick", "* * * * *", func(context.Context) {}); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start()
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 3, 59, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 4 * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := cron.NextRunTime("bogus", after); err == nil {
		t.Fatal("bogus expression parsed")
	}
}

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunStatusCommand_UsageError(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestRunStatusCommand_DaemonReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/statusz" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"uptime":"5s","pending_messages":0}`))
	}))
	defer srv.Close()

	t.Setenv("TETHER_HOME", t.TempDir())
	t.Setenv("TETHER_BIND_ADDR", srv.Listener.Addr().String())

	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestRunStatusCommand_OfflineFallback(t *testing.T) {
	// Grab a port nobody is listening on.
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()

	t.Setenv("TETHER_HOME", t.TempDir())
	t.Setenv("TETHER_BIND_ADDR", addr)

	// No daemon: the command falls back to on-disk state and still succeeds.
	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestRunStopCommand_NotRunning(t *testing.T) {
	t.Setenv("TETHER_HOME", t.TempDir())
	if code := runStopCommand(nil); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

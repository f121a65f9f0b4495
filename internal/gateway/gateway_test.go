package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/tether/internal/lease"
	"github.com/basket/tether/internal/marker"
	"github.com/basket/tether/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *lease.Manager, *marker.Recorder) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "tether.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	lm := lease.NewManager(dir, 30*time.Minute, time.Second)
	rec := marker.NewRecorder(filepath.Join(dir, "state"))
	return NewServer("127.0.0.1:0", st, lm, rec, nil), st, lm, rec
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatusz_ReportsCoordinationState(t *testing.T) {
	srv, st, lm, rec := newTestServer(t)
	ctx := context.Background()

	if _, err := st.Append(ctx, store.Message{Channel: "telegram", MessageID: "m1", ChatID: "1", Text: "pending"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ParkWaiting(ctx, store.WaitingTask{Channel: "telegram", ChatID: "1", Instruction: "q"}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := lm.TryAcquire("s1", os.Getpid()); !ok {
		t.Fatal("acquire failed")
	}
	if err := rec.RecordCrash(marker.ActiveTask{Instruction: "x"}, nil); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/statusz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var status Status
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("body: %v", err)
	}
	if status.PendingMessages != 1 || status.WaitingTasks != 1 {
		t.Fatalf("counts = %+v", status)
	}
	if status.Lease == nil || !status.Lease.Live || status.Lease.SessionID != "s1" {
		t.Fatalf("lease = %+v", status.Lease)
	}
	if status.LastMarker == nil || status.LastMarker.Kind != "crash" {
		t.Fatalf("marker = %+v", status.LastMarker)
	}
}

func TestStatusz_MethodNotAllowed(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/statusz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestStart_BindFailureIsSynchronous(t *testing.T) {
	srv1, _, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bind a real port first.
	occupied := httptest.NewServer(http.NotFoundHandler())
	defer occupied.Close()

	srv1.addr = occupied.Listener.Addr().String()
	if err := srv1.Start(ctx); err == nil {
		t.Fatal("start on occupied port succeeded")
	}
}

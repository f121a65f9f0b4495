package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/tether/internal/config"
	"github.com/basket/tether/internal/lease"
	"github.com/basket/tether/internal/marker"
	"github.com/basket/tether/internal/store"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: tether status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	addr := strings.TrimSpace(cfg.BindAddr)
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	statusURL := "http://" + addr + "/statusz"

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, statusURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		// Daemon not reachable; report what the on-disk state says.
		return printOfflineStatus(ctx, cfg)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// printOfflineStatus reads the coordination state straight off disk when no
// daemon is answering.
func printOfflineStatus(ctx context.Context, cfg config.Config) int {
	out := map[string]interface{}{"daemon": "not reachable"}

	leases := lease.NewManager(cfg.HomeDir, cfg.StalenessThreshold(), cfg.KillGrace())
	if current, held, err := leases.Current(); err == nil && held {
		live, _ := leases.IsLive()
		out["lease"] = map[string]interface{}{
			"session_id": current.SessionID,
			"live":       live,
			"pid":        current.PID,
		}
	}

	markers := marker.NewRecorder(filepath.Join(cfg.HomeDir, "state"))
	if kind, at, ok := markers.LastMarker(); ok {
		out["last_marker"] = map[string]interface{}{"kind": kind, "at": at}
	}

	if st, err := store.Open(filepath.Join(cfg.HomeDir, "tether.db")); err == nil {
		if n, err := st.PendingCount(ctx); err == nil {
			out["pending_messages"] = n
		}
		if n, err := st.WaitingCount(ctx); err == nil {
			out["waiting_tasks"] = n
		}
		_ = st.Close()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	return 0
}

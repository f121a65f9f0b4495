package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/basket/tether/internal/config"
)

func runStopCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: tether stop")
		return 2
	}

	homeDir := config.HomeDir()
	pid, err := readPidFile(homeDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "daemon not running (no pidfile)")
			return 1
		}
		fmt.Fprintf(os.Stderr, "read pidfile: %v\n", err)
		return 1
	}

	if !processAlive(pid) {
		removePidFile(homeDir)
		fmt.Fprintf(os.Stderr, "daemon not running (stale pidfile for pid %d removed)\n", pid)
		return 1
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "signal pid %d: %v\n", pid, err)
		return 1
	}

	// The daemon removes its own pidfile on clean shutdown.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			fmt.Printf("daemon stopped (pid %d)\n", pid)
			return 0
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintf(os.Stderr, "daemon (pid %d) did not exit within 10s\n", pid)
	return 1
}

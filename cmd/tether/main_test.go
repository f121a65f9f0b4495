package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
)

func TestPidFile_RoundTrip(t *testing.T) {
	home := t.TempDir()

	if err := writePidFile(home); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := readPidFile(home)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}

	removePidFile(home)
	if _, err := readPidFile(home); !os.IsNotExist(err) {
		t.Fatalf("pidfile not removed: %v", err)
	}
}

func TestWritePidFile_ReplacesStale(t *testing.T) {
	home := t.TempDir()

	// A pid belonging to an exited process is stale.
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadPID := cmd.Process.Pid
	_ = cmd.Wait()

	if err := os.WriteFile(pidFilePath(home), []byte("  "+strconv.Itoa(deadPID)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := writePidFile(home); err != nil {
		t.Fatalf("stale pidfile not replaced: %v", err)
	}
	pid, err := readPidFile(home)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("pid = %d, err = %v", pid, err)
	}
}

func TestWritePidFile_RejectsLiveDaemon(t *testing.T) {
	home := t.TempDir()

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })

	if err := os.WriteFile(pidFilePath(home), []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := writePidFile(home); err == nil {
		t.Fatal("second daemon accepted while first is alive")
	}
}

func TestReadPidFile_Corrupt(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(pidFilePath(home), []byte("not a pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readPidFile(home); err == nil {
		t.Fatal("corrupt pidfile parsed")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "# comment\nTETHER_TEST_DOTENV=from-file\n\nBROKEN LINE\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TETHER_TEST_DOTENV", "")
	os.Unsetenv("TETHER_TEST_DOTENV")
	loadDotEnv(envPath)
	if got := os.Getenv("TETHER_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("TETHER_TEST_DOTENV = %q", got)
	}

	// Existing environment wins over the file.
	t.Setenv("TETHER_TEST_DOTENV", "from-env")
	loadDotEnv(envPath)
	if got := os.Getenv("TETHER_TEST_DOTENV"); got != "from-env" {
		t.Fatalf("TETHER_TEST_DOTENV = %q", got)
	}
}


package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/tether/internal/audit"
	"github.com/basket/tether/internal/bus"
	"github.com/basket/tether/internal/channels"
	"github.com/basket/tether/internal/config"
	"github.com/basket/tether/internal/cron"
	"github.com/basket/tether/internal/gateway"
	"github.com/basket/tether/internal/lease"
	"github.com/basket/tether/internal/marker"
	"github.com/basket/tether/internal/router"
	"github.com/basket/tether/internal/store"
	"github.com/basket/tether/internal/supervisor"
	"github.com/basket/tether/internal/telemetry"
	"github.com/basket/tether/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [start]           Run the daemon in the foreground
  %s stop              Stop a running daemon
  %s status            Show daemon status (/statusz, with on-disk fallback)
  %s help              Show this help

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TETHER_HOME              Data directory (default: ~/.tether)
  TETHER_WORKER_COMMAND    Worker binary to launch per task
  TELEGRAM_TOKEN           Telegram bot token (enables the telegram channel)
  TELEGRAM_ALLOWED_USERS   Comma-separated Telegram user ids allowed to talk to the bot
`)
}

func main() {
	loadDotEnv(".env")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "start"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "stop":
		os.Exit(runStopCommand(args[1:]))
	case "start":
		os.Exit(runDaemon(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func runDaemon(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: tether start")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit is initialized before the logger so logger failures are audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	// File-only logs when detached from a terminal; mirror to stdout otherwise.
	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	if err := writePidFile(cfg.HomeDir); err != nil {
		fatalStartup(logger, "E_PIDFILE", err)
	}
	defer removePidFile(cfg.HomeDir)

	st, err := store.Open(filepath.Join(cfg.HomeDir, "tether.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	leases := lease.NewManager(cfg.HomeDir, cfg.StalenessThreshold(), cfg.KillGrace())
	markers := marker.NewRecorder(filepath.Join(cfg.HomeDir, "state"))
	events := bus.New()

	registry := channels.NewRegistry(logger)
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channels.NewTelegramChannel(
			cfg.Channels.Telegram.Token,
			cfg.Channels.Telegram.AllowedIDs,
			st, events, logger,
		)
		if err := registry.Register(tg); err != nil {
			fatalStartup(logger, "E_CHANNEL_REGISTER", err)
		}
	}
	if len(registry.Names()) == 0 {
		logger.Warn("no channels configured; the daemon will only serve status endpoints")
	}

	launcher := &worker.ExecLauncher{
		Command:   cfg.Worker.Command,
		Args:      cfg.Worker.Args,
		InputMode: cfg.Worker.InputMode,
		BaseDir:   filepath.Join(cfg.HomeDir, "sessions"),
		KillGrace: cfg.KillGrace(),
	}

	sup := supervisor.New(supervisor.Options{
		PollInterval:      cfg.PollInterval(),
		KillGrace:         cfg.KillGrace(),
		InterruptKeywords: cfg.Interrupts.Keywords,
		FuzzyInterrupts:   cfg.Interrupts.Fuzzy,
	}, st, leases, markers, router.New(st), launcher, registry, events, logger)

	gw := gateway.NewServer(cfg.BindAddr, st, leases, markers, logger)
	if err := gw.Start(ctx); err != nil {
		fatalStartup(logger, "E_GATEWAY_BIND", err)
	}

	sched := cron.NewScheduler(logger)
	retention := cfg.MessageRetention()
	if err := sched.AddJob("retention-cleanup", cfg.Maintenance.CleanupCron, func(jobCtx context.Context) {
		removed, err := st.CleanupProcessed(jobCtx, time.Now().Add(-retention))
		if err != nil {
			logger.Error("retention cleanup failed", "error", err)
			return
		}
		if removed > 0 {
			logger.Info("retention cleanup", "removed", removed)
		}
	}); err != nil {
		fatalStartup(logger, "E_CRON_REGISTER", err)
	}
	if err := sched.AddJob("orphan-sweep", cfg.Maintenance.SweepCron, sup.SweepOrphans); err != nil {
		fatalStartup(logger, "E_CRON_REGISTER", err)
	}
	sched.Start()
	defer sched.Stop()

	registry.StartAll(ctx)
	logger.Info("startup phase", "phase", "running",
		"channels", registry.Names(),
		"bind_addr", cfg.BindAddr,
		"poll_interval", cfg.PollInterval(),
	)

	if err := sup.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("supervisor stopped", "error", err)
	}
	registry.Wait()
	logger.Info("shutdown complete")
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("startup_failed", "", reasonCode+": "+message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"tether","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func pidFilePath(homeDir string) string {
	return filepath.Join(homeDir, "tether.pid")
}

// writePidFile records this daemon's pid. A pidfile naming a live process
// means another daemon owns this home directory; a stale one is replaced.
func writePidFile(homeDir string) error {
	path := pidFilePath(homeDir)
	if pid, err := readPidFile(homeDir); err == nil {
		if pid != os.Getpid() && processAlive(pid) {
			return fmt.Errorf("daemon already running (pid %d)", pid)
		}
		_ = os.Remove(path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func readPidFile(homeDir string) (int, error) {
	data, err := os.ReadFile(pidFilePath(homeDir))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("corrupt pidfile %s", pidFilePath(homeDir))
	}
	return pid, nil
}

func removePidFile(homeDir string) {
	_ = os.Remove(pidFilePath(homeDir))
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

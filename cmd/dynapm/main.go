// Command dynapm is the gateway process: it loads a YAML config, builds
// the Routing Table and Service Registry, and serves the Listener Set
// (spec.md §4.9) until terminated.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/2234839/DynaPM/internal/admin"
	"github.com/2234839/DynaPM/internal/config"
	"github.com/2234839/DynaPM/internal/executor"
	"github.com/2234839/DynaPM/internal/gateway"
	"github.com/2234839/DynaPM/internal/health"
	"github.com/2234839/DynaPM/internal/logging"
	"github.com/2234839/DynaPM/internal/router"
	"github.com/2234839/DynaPM/internal/service"
)

// pidFile tracks the running gateway's PID so `dynapm -s reload` can find it
// and deliver SIGHUP, grounded on the teacher's NavigatorPIDFile/
// writePIDFile/sendReloadSignal trio (`cmd/navigator/main.go`).
const pidFile = "/tmp/dynapm.pid"

func main() {
	logLevel := slog.LevelInfo
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		switch strings.ToLower(lvl) {
		case "debug":
			logLevel = slog.LevelDebug
		case "info":
			logLevel = slog.LevelInfo
		case "warn", "warning":
			logLevel = slog.LevelWarn
		case "error":
			logLevel = slog.LevelError
		}
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	logger := slog.New(slog.NewTextHandler(os.Stdout, opts))
	slog.SetDefault(logger)

	if len(os.Args) > 1 && os.Args[1] == "-s" {
		if len(os.Args) > 2 && os.Args[2] == "reload" {
			if err := sendReloadSignal(); err != nil {
				slog.Error("failed to reload", "error", err)
				os.Exit(1)
			}
			os.Exit(0)
		}
		slog.Error("option -s requires a signal name (only 'reload' is supported)")
		os.Exit(1)
	}

	if len(os.Args) > 1 && (os.Args[1] == "--help" || os.Args[1] == "-h") {
		printUsage()
		os.Exit(0)
	}

	configFile := "config/dynapm.yml"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	slog.Info("loading configuration", "file", configFile)
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if cfg.Logging.Format == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, opts))
		slog.SetDefault(logger)
	}

	if err := writePIDFile(); err != nil {
		slog.Warn("could not write PID file", "error", err)
	}
	defer removePIDFile()

	if err := run(configFile, cfg, logger); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("dynapm - lazy-starting HTTP/WebSocket gateway")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  dynapm [config-file]   Start the gateway with an optional config file")
	fmt.Println("  dynapm -s reload       Reload the admin-plane ACL and logging flags of a running gateway")
	fmt.Println("  dynapm --help          Show this help message")
	fmt.Println()
	fmt.Println("Default config file: config/dynapm.yml")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGHUP   Reload admin-plane ACL and logging flags without restart")
	fmt.Println("  SIGTERM  Graceful shutdown")
	fmt.Println("  SIGINT   Graceful shutdown")
}

func writePIDFile() error {
	return os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile() {
	os.Remove(pidFile)
}

func sendReloadSignal() error {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("dynapm is not running (PID file not found)")
		}
		return fmt.Errorf("reading PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("invalid PID in file: %w", err)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("signalling process %d: %w", pid, err)
	}
	slog.Info("reload signal sent", "pid", pid)
	return nil
}

// buildAdmin constructs the admin handler and its bind address/port for
// cfg, returning a nil handler when the admin plane is disabled.
func buildAdmin(cfg *config.Config, registry *service.Registry) (http.Handler, string, int) {
	if !cfg.AdminAPI.Enabled {
		return nil, "", 0
	}
	host := cfg.AdminAPI.Host
	if host == "" {
		host = cfg.Host
	}
	return admin.New(registry).Router(cfg.AdminAPI.AllowedIPs, cfg.AdminAPI.AuthToken), host, cfg.AdminAPI.Port
}

func run(configFile string, cfg *config.Config, logger *slog.Logger) error {
	exec := executor.New()
	prober := health.New(exec)

	registry, err := service.NewRegistry(cfg, exec, prober, logger)
	if err != nil {
		return fmt.Errorf("building service registry: %w", err)
	}
	if cfg.Logging.File != "" || cfg.Logging.Format == "json" {
		registry.Manager().SetSink(logging.NewSink(cfg.Logging.Format, cfg.Logging.File))
	}

	adminHandler, adminHost, adminPort := buildAdmin(cfg, registry)

	table, err := router.Build(registry.All(), cfg.Port, adminPort)
	if err != nil {
		return fmt.Errorf("building routing table: %w", err)
	}

	gw := gateway.New(table, registry.Manager(), logger)
	gw.SetRequestLogging(cfg.Logging.EnableRequestLog, cfg.Logging.EnablePerformanceLog)
	gw.SetWebSocketLogging(cfg.Logging.EnableWebSocketLog)

	if adminHandler != nil {
		slog.Info("admin plane enabled", "host", adminHost, "port", adminPort)
	}

	listeners := gateway.Build(cfg.Host, cfg.Port, table, gw, adminHost, adminPort, adminHandler, logger)

	go registry.RunReaper()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	serveErr := make(chan error, 1)
	go func() { serveErr <- listeners.Serve() }()

	slog.Info("gateway started", "host", cfg.Host, "port", cfg.Port, "services", len(registry.All()))

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reload(configFile, gw, listeners, registry)
				continue
			}
			slog.Info("received signal, shutting down", "signal", sig.String())
		case err := <-serveErr:
			if err != nil {
				slog.Error("listener error", "error", err)
			}
		}
		break
	}

	registry.StopReaper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	listeners.Shutdown(shutdownCtx)
	registry.Shutdown(shutdownCtx)

	slog.Info("gateway stopped")
	return nil
}

// reload re-reads configFile and hot-applies the admin-plane ACL and
// logging flags without rebinding any listener (spec.md §3: service
// descriptors "live for the process lifetime", so routes/commands/timeouts
// are not hot-swappable; only the ambient admin-plane and logging config
// is). Grounded on the teacher's SIGHUP case in `main()`, scoped down to
// what this gateway's architecture can safely swap in place.
func reload(configFile string, gw *gateway.Gateway, listeners *gateway.ListenerSet, registry *service.Registry) {
	slog.Info("received SIGHUP, reloading admin ACL and logging flags", "file", configFile)
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("reload failed, keeping previous configuration", "error", err)
		return
	}

	gw.SetRequestLogging(cfg.Logging.EnableRequestLog, cfg.Logging.EnablePerformanceLog)
	gw.SetWebSocketLogging(cfg.Logging.EnableWebSocketLog)

	if newHandler, _, _ := buildAdmin(cfg, registry); newHandler != nil {
		listeners.UpdateAdminHandler(newHandler)
	}

	slog.Info("reload applied", "note", "service routes/commands/timeouts require a restart to change")
}

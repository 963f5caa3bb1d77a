package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"stampd/internal/config"
	"stampd/internal/geometry"
	"stampd/internal/health"
	"stampd/internal/logging"
	"stampd/internal/merge"
	"stampd/internal/metrics"
	"stampd/internal/pagesource"
	"stampd/internal/server"
	"stampd/internal/store"
	"stampd/internal/tracing"
)

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path (default: search standard locations)")
	detach := fs.Bool("detach", false, "Run in the background and return")
	fs.Parse(os.Args[2:])

	if *detach {
		spawnDaemon(*configPath)
		return
	}

	if err := runDaemon(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// spawnDaemon re-executes the binary detached from the terminal and
// waits briefly for the PID file to confirm it came up.
func spawnDaemon(configPath string) {
	pidFile := pidFilePath()
	if daemonRunning(pidFile) {
		pid, _ := readPID(pidFile)
		fmt.Fprintf(os.Stderr, "Daemon already running (pid %d)\n", pid)
		os.Exit(1)
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding executable: %v\n", err)
		os.Exit(1)
	}

	args := []string{"run"}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = getDaemonSysProcAttr()

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
		os.Exit(1)
	}

	// Give the daemon a moment to write its PID file.
	time.Sleep(500 * time.Millisecond)

	if daemonRunning(pidFile) {
		pid, _ := readPID(pidFile)
		fmt.Printf("Daemon started (pid %d)\n", pid)
	} else {
		fmt.Println("Daemon starting; check 'stampd status'")
	}
}

// runDaemon wires the whole service together and serves until a
// shutdown signal arrives.
func runDaemon(configPath string) error {
	pidFile := pidFilePath()
	if daemonRunning(pidFile) {
		pid, _ := readPID(pidFile)
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	if configPath == "" {
		configPath = config.FindConfigFile()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		var verrs config.ValidationErrors
		if !errors.As(err, &verrs) || verrs.HasErrors() {
			return fmt.Errorf("config: %w", err)
		}
		for _, w := range verrs.Warnings() {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", w.Error())
		}
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer log.Close()
	logging.SetDefault(log)

	crash := logging.NewCrashHandler(filepath.Join(config.StampdDir(), "crashes"), Version, "stampd")
	defer crash.Recover()
	// Panics recovered inside library code (the MuPDF wrapper mostly)
	// dump through the same handler.
	logging.SetGlobalCrashHandler(crash)
	if err := crash.CleanupOldCrashReports(crashRetention); err != nil {
		log.Warn("crash dump cleanup failed", "error", err)
	}

	audit, err := buildAuditLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	defer audit.Close()
	logging.SetDefaultAuditLogger(audit)

	var stats *metrics.StampdMetrics
	if cfg.Metrics.Enabled {
		stats = metrics.NewStampdMetrics(metrics.NewRegistry("stampd", ""))
		// A recovered panic counts as an error like any other failure.
		crash.SetOnCrash(func(*logging.CrashReport) { stats.RecordError() })
	}

	st, err := openStore(cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	resolver := geometry.NewResolver(geometry.Config{
		Tolerance:      cfg.Geometry.InversionTolerancePt,
		FallbackWidth:  cfg.Geometry.FallbackWidth,
		FallbackHeight: cfg.Geometry.FallbackHeight,
	}, log.Logger)
	registry := geometry.NewRegistry()

	merger, err := merge.New(merge.Config{
		Delivery: cfg.Delivery,
		Store:    st,
		Log:      log,
		Audit:    audit,
		Metrics:  stats,
	})
	if err != nil {
		return fmt.Errorf("delivery: %w", err)
	}
	defer merger.Close()

	checker := buildHealth(cfg, st, merger)
	tracer := buildTracer(cfg, log)
	if tracer != nil {
		// Spans opened outside the request path (delivery, intake,
		// queue retries) go through the package-level tracer.
		tracing.SetTracer(tracer)
		defer tracing.Shutdown()
	}

	srv, err := server.New(server.Config{
		Server:   cfg.Server,
		Store:    st,
		Resolver: resolver,
		Registry: registry,
		Log:      log,
		Audit:    audit,
		Metrics:  stats,
		Tracer:   tracer,
		Health:   checker,
		Merge:    merger.Merge,
		Version:  Version,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Inbox.Path != "" {
		inbox, err := pagesource.NewInbox(cfg.Inbox, log.Logger)
		if err != nil {
			return fmt.Errorf("inbox: %w", err)
		}
		if err := inbox.Start(); err != nil {
			return fmt.Errorf("inbox: %w", err)
		}
		defer inbox.Stop()

		intake := pagesource.NewIntake(pagesource.IntakeConfig{
			Store:    st,
			Resolver: resolver,
			Registry: registry,
			Log:      log,
			Audit:    audit,
			Metrics:  stats,
		})
		go func() {
			defer crash.RecoverGoroutine()
			intake.Run(ctx, inbox)
		}()
		go func() {
			for err := range inbox.Errors() {
				log.Warn("inbox error", "error", err)
			}
		}()
	}

	if configPath != "" {
		watcher, err := config.NewConfigWatcher(configPath)
		if err != nil {
			log.Warn("config watcher unavailable", "error", err)
		} else {
			watcher.OnChange(func(old, new *config.Config) {
				// Collaborators hold their config by value; a restart
				// picks the changes up.
				log.Info("config file changed, restart to apply", "path", configPath)
			})
			if err := watcher.Start(); err != nil {
				log.Warn("config watcher failed to start", "error", err)
			} else {
				defer watcher.Stop()
			}
		}
	}

	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidFile)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		s := <-sigCh
		log.Info("shutting down", "signal", s.String())
		cancel()
	}()

	checker.SetReady(true)
	log.Info("stampd starting",
		"version", Version,
		"addr", cfg.Server.ListenAddr,
		"storage", cfg.Storage.Type,
		"inbox", cfg.Inbox.Path)

	return srv.Run(ctx)
}

func writePIDFile(pidFile string) error {
	return os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
}

// buildLogger maps the daemon config onto the logging package config.
func buildLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}

	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     lc.Output,
		FilePath:   lc.FilePath,
		MaxSize:    int64(lc.MaxSizeMB),
		MaxAge:     lc.MaxAgeDays,
		MaxBackups: lc.MaxBackups,
		Compress:   lc.Compress,
		Component:  "stampd",
	})
}

// buildAuditLogger places the audit trail next to the main log when a
// log file is configured, otherwise at the platform default.
func buildAuditLogger(lc config.LoggingConfig) (*logging.AuditLogger, error) {
	ac := logging.DefaultAuditConfig()
	if lc.FilePath != "" {
		ac.FilePath = filepath.Join(filepath.Dir(lc.FilePath), "audit.log")
	}
	ac.Compress = lc.Compress
	return logging.NewAuditLogger(ac)
}

// openStore opens the configured backend. SQLite with secure_audit set
// gets the hash-chained audit trail; a failed chain verification keeps
// the store readable and is surfaced as a warning, not a refusal to
// start.
func openStore(sc config.StorageConfig, log *logging.Logger) (store.Store, error) {
	switch sc.Type {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.OpenPostgres(ctx, sc.PostgresDSN)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		if sc.SecureAudit {
			key, err := loadOrCreateAuditKey(sc.AuditKeyPath)
			if err != nil {
				return nil, fmt.Errorf("audit key: %w", err)
			}
			s, err := store.OpenSecure(sc.Path, key)
			if err != nil && s == nil {
				return nil, err
			}
			if err != nil {
				log.Warn("audit chain verification failed", "error", err)
			}
			return s, nil
		}
		return store.Open(sc.Path)
	}
}

// loadOrCreateAuditKey reads the HMAC key for the chained audit trail,
// generating one on first run.
func loadOrCreateAuditKey(path string) ([]byte, error) {
	if key, err := os.ReadFile(path); err == nil {
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, err
	}
	return key, nil
}

// maxHealthyBacklog is the retry-queue depth above which the backlog
// probe trips.
const maxHealthyBacklog = 100

// crashRetention is how long crash dumps are kept before the boot-time
// sweep removes them.
const crashRetention = 30 * 24 * time.Hour

// buildHealth registers the standard probes. The store has no dedicated
// ping, so the database probe issues the cheapest real query.
func buildHealth(cfg *config.Config, st store.Store, merger *merge.Merger) *health.Checker {
	checker := health.NewChecker()
	checker.RegisterFunc("database", true, health.DatabaseCheck(func(ctx context.Context) error {
		_, err := st.ListDocuments(ctx)
		return err
	}))
	if cfg.Inbox.Path != "" {
		checker.RegisterFunc("inbox", false, health.DirWritableCheck(cfg.Inbox.Path))
	}
	checker.RegisterFunc("disk", false, health.DiskSpaceCheck(config.StampdDir(), uint64(cfg.Health.MinFreeDiskMB)*1024*1024))
	checker.RegisterFunc("memory", false, health.MemoryCheck(uint64(cfg.Health.MaxHeapMB)*1024*1024))
	if cfg.Storage.SecureAudit {
		// The HMAC chain cannot extend without its key
		checker.RegisterFunc("audit_key", true, health.FileExistsCheck(cfg.Storage.AuditKeyPath))
	}
	if cfg.Delivery.Enabled {
		if cfg.Delivery.Spool.Enabled && cfg.Delivery.Spool.Dir != "" {
			checker.RegisterFunc("spool", false, health.DirWritableCheck(cfg.Delivery.Spool.Dir))
		}
		checker.RegisterFunc("delivery_backlog", false, health.CustomCheck(func() error {
			if n := merger.PendingDeliveries(); n > maxHealthyBacklog {
				return fmt.Errorf("%d deliveries pending", n)
			}
			return nil
		}))
	}
	return checker
}

// buildTracer wires span export per the tracing config (the
// STAMPD_TRACE env override lands there too). A nil return means
// tracing stays off; handlers treat that as a no-op.
func buildTracer(cfg *config.Config, log *logging.Logger) *tracing.Tracer {
	if !cfg.Tracing.Enabled {
		return nil
	}

	var exp tracing.Exporter
	switch cfg.Tracing.Exporter {
	case "stdout":
		exp = tracing.NewStdoutExporter(false)
	case "file":
		fe, err := tracing.NewFileExporter(cfg.Tracing.Path)
		if err != nil {
			log.Warn("trace exporter unavailable", "path", cfg.Tracing.Path, "error", err)
			return nil
		}
		exp = fe
	default:
		log.Warn("unknown trace exporter", "exporter", cfg.Tracing.Exporter)
		return nil
	}

	var sampler tracing.Sampler
	if cfg.Tracing.SampleRatio < 1.0 {
		sampler = tracing.NewRatioSampler(cfg.Tracing.SampleRatio)
	}

	return tracing.NewTracer(&tracing.TracerConfig{
		ServiceName: "stampd",
		Exporter:    exp,
		Sampler:     sampler,
		Enabled:     true,
	})
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"organ_dispatch/internal/config"
	"organ_dispatch/internal/domain"
	"organ_dispatch/internal/fs"
	"organ_dispatch/internal/launch"
	"organ_dispatch/internal/messaging/inproc"
	"organ_dispatch/internal/metrics"
	"organ_dispatch/internal/notify"
	"organ_dispatch/internal/orchestrator"
	"organ_dispatch/internal/policy"
	"organ_dispatch/internal/progress"
	"organ_dispatch/internal/queue"
	sqlitestore "organ_dispatch/internal/store/sqlite"
	"organ_dispatch/internal/worktree"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.organ_dispatch/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	logsFlag := flag.String("logs", "", "worker log directory override")
	envFile := flag.String("env", ".env", "dotenv file with provider tokens (ignored when missing)")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load env file %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Orchestrator.Addr, ":8091")
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Orchestrator.DBPath, "data/organ_dispatch.db"))
	logsRoot := filepath.Clean(firstNonEmpty(*logsFlag, cfg.Orchestrator.LogsRoot, "data/logs"))

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}
	if err := seedRoster(ctx, store, cfg); err != nil {
		log.Fatalf("seed roster: %v", err)
	}

	logs, err := fs.NewGateway(logsRoot)
	if err != nil {
		log.Fatalf("create log gateway: %v", err)
	}

	bus := inproc.New(256)
	sink := notify.NewSink(store, bus, log.Default())
	m := metrics.New()

	launcher, err := buildLauncher(cfg, logs, sink)
	if err != nil {
		log.Fatalf("build launcher: %v", err)
	}

	svc := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Launcher:  launcher,
		Notifier:  sink,
		Policy:    policy.New(store),
		Worktrees: worktree.NewManager(log.Default()),
		Clock:     orchestrator.RealClock{},
		Metrics:   m,
	}, orchestratorConfig(cfg), log.Default())
	svc.Start(ctx)

	maxHints := intOrDefault(cfg.Orchestrator.MaxHints, progress.DefaultMaxHints)
	tailer, err := progress.NewTailer(progress.TailerConfig{
		Dir:      logs.Root(),
		MaxHints: maxHints,
		Logger:   log.Default(),
	}, func(jobID string, p progress.Progress) {
		sink.Broadcast(domain.EventTaskProgress, map[string]any{"task_id": jobID, "progress": p})
	})
	if err != nil {
		log.Fatalf("create progress tailer: %v", err)
	}
	go tailer.Run(ctx)

	a := &app{
		ctx:      ctx,
		cfg:      cfg,
		store:    store,
		svc:      svc,
		logs:     logs,
		bus:      bus,
		maxHints: maxHints,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/tasks/", a.handleTaskByID)
	mux.HandleFunc("/events", a.handleEvents)
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("organ_dispatch started addr=%s db=%s logs=%s config=%s", addr, dbPath, logs.Root(), cfg.Path)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("http server failed: %v", err)
	}
	cancel()
	svc.Wait()
}

func orchestratorConfig(cfg config.Config) orchestrator.Config {
	o := cfg.Orchestrator
	priority := maps.Clone(queue.DefaultPriority)
	maps.Copy(priority, cfg.Departments.Priority)
	return orchestrator.Config{
		WatchdogInterval: durationMS(o.WatchdogIntervalMS, 5*time.Second),
		AckDelay: orchestrator.Range{
			Min: durationMS(o.AckDelayMinMS, 1500*time.Millisecond),
			Max: durationMS(o.AckDelayMaxMS, 2500*time.Millisecond),
		},
		InterBatchDelay: orchestrator.Range{
			Min: durationMS(o.InterBatchMinMS, 900*time.Millisecond),
			Max: durationMS(o.InterBatchMaxMS, 1600*time.Millisecond),
		},
		ReviewFinishDelay: durationMS(o.ReviewFinishDelayMS, 1200*time.Millisecond),
		Language:          o.Language,
		Priority:          priority,
	}
}

// buildLauncher wires one launcher per provider family. Families without
// configuration stay nil and fail at launch time with launch.ErrNoLauncher.
func buildLauncher(cfg config.Config, logs *fs.Gateway, sink *notify.Sink) (launch.Launcher, error) {
	commands := make(map[domain.Provider]launch.Command, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		commands[domain.Provider(name)] = launch.Command{
			Binary:    pc.Binary,
			ExtraArgs: pc.ExtraArgs,
			Env:       pc.Env,
		}
	}
	process, err := launch.NewProcessLauncher(launch.ProcessConfig{
		Commands: commands,
		Logs:     logs,
		Logger:   log.Default(),
		OnHeartbeat: func(jobID string, elapsed time.Duration) {
			sink.Broadcast(domain.EventTaskProgress, map[string]any{"task_id": jobID, "elapsed_ms": elapsed.Milliseconds()})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("process launcher: %w", err)
	}
	router := launch.Router{Process: process}
	onDelta := func(jobID, text string) {
		sink.Broadcast(domain.EventTaskProgress, map[string]any{"task_id": jobID, "delta": text})
	}

	if endpoint := strings.TrimSpace(cfg.API.Endpoint); endpoint != "" {
		tokenEnv := firstNonEmpty(cfg.API.AuthTokenEnv, "ORGAN_DISPATCH_API_TOKEN")
		api, err := launch.NewStreamLauncher(launch.StreamConfig{
			Name:            "api",
			Endpoint:        endpoint,
			Model:           cfg.API.Model,
			ReasoningEffort: cfg.API.ReasoningEffort,
			Tokens:          launch.StaticToken(os.Getenv(tokenEnv)),
			Timeout:         durationMS(cfg.API.TimeoutMS, 0),
			Retries:         cfg.API.Retries,
			Logs:            logs,
			OnDelta:         onDelta,
			Logger:          log.Default(),
		})
		if err != nil {
			return nil, fmt.Errorf("api launcher: %w", err)
		}
		router.HTTP = api
	}

	oauth := launch.ProviderSwitch{}
	for name, oc := range cfg.OAuth {
		provider := domain.Provider(name)
		if launch.FamilyOf(provider) != launch.FamilyOAuthStream {
			log.Printf("oauth config ignored provider=%s reason=not an oauth provider", name)
			continue
		}
		l, err := launch.NewStreamLauncher(launch.StreamConfig{
			Name:     name,
			Endpoint: oc.Endpoint,
			Model:    oc.Model,
			Tokens:   launch.NewAccountPool(provider, oc.Accounts, oc.TokenEnvPrefix, nil),
			Timeout:  durationMS(oc.TimeoutMS, 0),
			Logs:     logs,
			OnDelta:  onDelta,
			Logger:   log.Default(),
		})
		if err != nil {
			return nil, fmt.Errorf("oauth launcher %s: %w", name, err)
		}
		oauth[provider] = l
	}
	if len(oauth) > 0 {
		router.OAuth = oauth
	}
	return router, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

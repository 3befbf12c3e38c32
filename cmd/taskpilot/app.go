package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vydata/taskpilot/browserqa"
	"github.com/vydata/taskpilot/config"
	"github.com/vydata/taskpilot/engine"
	"github.com/vydata/taskpilot/ghub"
	"github.com/vydata/taskpilot/gitops"
	"github.com/vydata/taskpilot/llm"
	"github.com/vydata/taskpilot/metrics"
	"github.com/vydata/taskpilot/monday"
	"github.com/vydata/taskpilot/nodes"
	"github.com/vydata/taskpilot/notify"
	"github.com/vydata/taskpilot/orchestrator"
	"github.com/vydata/taskpilot/queue"
	"github.com/vydata/taskpilot/rag"
	"github.com/vydata/taskpilot/store"
	"github.com/vydata/taskpilot/validation"
)

// runServe wires the full agent and blocks until SIGINT/SIGTERM.
func runServe(ctx context.Context, cfg *config.Config, listen string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(poolConfig(cfg), logger)
	if err := st.Open(ctx); err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	db, err := st.DB()
	if err != nil {
		return fmt.Errorf("store pool: %w", err)
	}
	validations := validation.NewStore(db, logger)

	client := buildLLMClient(cfg, st, logger)
	board := monday.NewClient(cfg.Monday.APIToken,
		monday.WithEndpoint(cfg.Monday.Endpoint),
		monday.WithLogger(logger))

	var messenger *notify.SlackMessenger
	if cfg.Slack.BotToken != "" {
		messenger = notify.NewSlackMessenger(cfg.Slack.BotToken, logger)
	} else {
		logger.Warn("No Slack token configured, validation escalations disabled")
	}

	qm := queue.NewManager(logger)
	deps := &nodes.Deps{
		Config:      cfg,
		LLM:         client,
		Store:       st,
		Validations: validations,
		Coordinator: notify.NewCoordinator(messengerOrNil(messenger), validations, logger),
		Queue:       qm,
		Git:         gitops.NewClient(logger),
		GitHub: ghub.NewClient(cfg.GitHub.Token,
			ghub.WithBaseURL(cfg.GitHub.APIBaseURL),
			ghub.WithLogger(logger)),
		Board:     board,
		Tests:     &nodes.ExecTestRunner{Timeout: cfg.Workflow.NodeTimeout},
		BrowserQA: browserqa.NewRunner(cfg.BrowserQA.RunnerURL, cfg.BrowserQA.Timeout, logger),
		Logger:    logger,
	}
	if messenger != nil {
		deps.Users = messenger
	}

	m := metrics.New()
	opts := []orchestrator.Option{
		orchestrator.WithMetrics(m),
		orchestrator.WithPersister(st),
		orchestrator.WithLogger(logger),
	}

	if mem, err := rag.NewMemory(logger); err == nil {
		opts = append(opts, orchestrator.WithMemory(mem))
	} else {
		logger.Warn("Vector memory unavailable, continuing without RAG context", "error", err)
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			logger.Warn("NATS connection failed, event mirroring disabled",
				"url", cfg.NATS.URL, "error", err)
		} else {
			defer nc.Drain()
			opts = append(opts, orchestrator.WithSink(
				engine.NewNATSMirror(nc, cfg.NATS.SubjectPrefix, logger)))
		}
	}

	orch := orchestrator.New(cfg, st, qm, deps, opts...)
	defer orch.Shutdown()

	// Pick up runs the previous process left behind before accepting traffic.
	orch.ResumeInterrupted(ctx)

	startConfigWatcher(ctx, cfg, logger)

	server := &http.Server{
		Addr:              listen,
		Handler:           buildMux(orch, board, st, cfg, m, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", listen, "version", Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	logger.Info("Taskpilot ready",
		"workers", cfg.Workers.Count,
		"provider", cfg.LLM.Provider,
		"board_handle", cfg.Monday.MentionHandle)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown incomplete", "error", err)
	}

	logger.Info("Taskpilot shutdown complete")
	return nil
}

// runMigrate applies pending schema migrations and exits.
func runMigrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st := store.New(poolConfig(cfg), logger)
	if err := st.Open(ctx); err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("Migrations applied")
	return nil
}

func poolConfig(cfg *config.Config) store.PoolConfig {
	return store.PoolConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
}

// buildLLMClient assembles the primary/fallback endpoint chain from config.
// Every call made inside a node execution lands in the interaction ledger.
func buildLLMClient(cfg *config.Config, st *store.Store, logger *slog.Logger) *llm.Client {
	endpoints := []llm.Endpoint{{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.Endpoint,
	}}
	if cfg.LLM.FallbackProvider != "" {
		endpoints = append(endpoints, llm.Endpoint{
			Provider: cfg.LLM.FallbackProvider,
			Model:    cfg.LLM.FallbackModel,
		})
	}
	return llm.NewClient(endpoints,
		llm.WithLogger(logger),
		llm.WithHTTPClient(&http.Client{Timeout: cfg.LLM.Timeout}),
		llm.WithRecorder(engine.NewInteractionRecorder(st, logger)))
}

// messengerOrNil keeps the Coordinator's Messenger a typed nil-free interface.
func messengerOrNil(m *notify.SlackMessenger) notify.Messenger {
	if m == nil {
		return nil
	}
	return m
}

// startConfigWatcher hot-reloads the project config file. Only the workflow
// and validation tunables are picked up; they are read at run start, so a
// reload affects the next run, not active ones.
func startConfigWatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) {
	path := config.NewLoader(logger).FindProjectConfig()
	if path == "" {
		return
	}

	watcher := config.NewWatcher(path, cfg, logger)
	watcher.OnReload(func(next *config.Config) {
		cfg.Workflow = next.Workflow
		cfg.Validation = next.Validation
		logger.Info("Workflow limits reloaded", "path", path)
	})
	go func() {
		if err := watcher.Watch(ctx); err != nil {
			logger.Warn("Config watcher stopped", "error", err)
		}
	}()
}

func buildMux(orch *orchestrator.Orchestrator, board *monday.Client, st *store.Store, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/statsz", func(w http.ResponseWriter, r *http.Request) {
		stats, err := st.GetStats(r.Context())
		if err != nil {
			http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	})
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/webhooks/monday", &webhookHandler{
		events:        orch,
		items:         board,
		signingSecret: cfg.Monday.SigningSecret,
		statusColumn:  cfg.Monday.StatusColumnID,
		repoColumn:    cfg.Monday.RepositoryURLColumnID,
		logger:        logger,
	})
	return mux
}

// repopilot runs the pipeline orchestrator: a durable, retryable
// multi-stage state machine turning inbound repository-change events
// into sandboxed command executions and change requests.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"repopilot/pkg/auth"
	"repopilot/pkg/capability"
	"repopilot/pkg/command"
	"repopilot/pkg/config"
	"repopilot/pkg/dispatch"
	"repopilot/pkg/event"
	sandboxexec "repopilot/pkg/exec"
	"repopilot/pkg/executor"
	"repopilot/pkg/forge"
	"repopilot/pkg/gitops"
	"repopilot/pkg/logx"
	"repopilot/pkg/metrics"
	"repopilot/pkg/notify"
	"repopilot/pkg/orchestrator"
	"repopilot/pkg/pipeline"
	"repopilot/pkg/queue"
	"repopilot/pkg/results"
	"repopilot/pkg/secrets"
	"repopilot/pkg/store"
	"repopilot/pkg/workspace"
)

func main() {
	var configPath string
	var secretsPath string
	var localSandbox bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	flag.StringVar(&secretsPath, "secrets", "secrets.enc", "path to encrypted secrets file")
	flag.BoolVar(&localSandbox, "local-sandbox", false, "run commands on the host instead of docker (development only)")
	flag.Parse()

	if err := run(configPath, secretsPath, localSandbox); err != nil {
		fmt.Fprintf(os.Stderr, "repopilot: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, secretsPath string, localSandbox bool) error {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	secretStore, err := unlockSecrets(secretsPath)
	if err != nil {
		return fmt.Errorf("unlock secrets: %w", err)
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	pipelineStore := store.NewPipelineStore(db)
	manager := pipeline.NewStateManager(pipelineStore)
	taskQueue := queue.NewSQLiteQueue(db)
	recorder := metrics.NewRecorder()

	registry, err := command.NewRegistry(cfg.Commands)
	if err != nil {
		return fmt.Errorf("build command registry: %w", err)
	}

	completion, err := capability.NewCompletionClient(cfg.LLM, secretStore)
	if err != nil {
		return fmt.Errorf("build completion client: %w", err)
	}
	counter, err := capability.NewTokenCounter()
	if err != nil {
		logger.Warn("Token counter unavailable, falling back to estimation: %v", err)
	}
	llmCap := capability.NewLLMCapability(completion, counter, cfg.LLM.MaxRequestTokens)

	tokens := auth.NewCachingTokenSource(
		auth.NewSecretsTokenSource(secretStore, cfg.Forge.TokenSecret),
		30*time.Second,
	)

	workspaces, err := workspace.NewManager(cfg.Workspace.Root, cfg.Workspace.MaxWorkspaceBytes)
	if err != nil {
		return fmt.Errorf("create workspace manager: %w", err)
	}
	if err := workspaces.RemoveAll(); err != nil {
		logger.Warn("Startup workspace sweep failed: %v", err)
	}

	var sandbox sandboxexec.Sandbox
	if localSandbox {
		logger.Warn("Running with the local sandbox; commands are NOT isolated")
		sandbox = sandboxexec.NewLocalSandbox()
	} else {
		docker := sandboxexec.NewDockerSandbox(cfg.Sandbox.Image)
		if !docker.Available() {
			return fmt.Errorf("docker sandbox is not available; install docker or pass -local-sandbox for development")
		}
		sandbox = docker
	}

	cmdExecutor := executor.NewCommandExecutor(
		workspaces,
		gitops.NewRunner(),
		sandbox,
		tokens,
		registry,
		cfg.Sandbox,
		cfg.Pipeline,
		"https://github.com",
	)

	adapter := forge.NewGitHubAdapter(tokens)
	router := notify.NewRouter(notify.NewForgeNotifier("github", adapter))
	processor := results.NewProcessor(adapter, router)

	orch := orchestrator.New(manager, taskQueue, registry, llmCap, llmCap, cmdExecutor, processor, recorder)
	dispatcher := dispatch.NewDispatcher(taskQueue, manager, orch, recorder, cfg.Queue, cfg.Pipeline)
	janitor := orchestrator.NewJanitor(manager, pipelineStore, cfg.Pipeline.StaleAge())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	go janitor.Run(ctx)
	go workspaceGaugeLoop(ctx, workspaces, recorder)

	var queries *metrics.QueryService
	if cfg.Metrics.PrometheusURL != "" {
		queries, err = metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if err != nil {
			return fmt.Errorf("build metrics query service: %w", err)
		}
	}

	httpServer := newHTTPServer(cfg.Metrics.ListenAddr, orch, pipelineStore, queries)
	go func() {
		logger.Info("Serving metrics and API on %s", cfg.Metrics.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed: %v", err)
			cancel()
		}
	}()

	logger.Info("repopilot started")
	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn("Dispatcher shutdown: %v", err)
	}
	if d, ok := sandbox.(*sandboxexec.DockerSandbox); ok {
		if err := d.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Sandbox shutdown: %v", err)
		}
	}
	if err := workspaces.RemoveAll(); err != nil {
		logger.Warn("Workspace cleanup: %v", err)
	}
	return nil
}

// unlockSecrets loads the encrypted secrets file, prompting for the
// passphrase when attached to a terminal and falling back to the
// REPOPILOT_SECRETS_PASSPHRASE environment variable otherwise.
func unlockSecrets(path string) (*secrets.Store, error) {
	passphrase := os.Getenv("REPOPILOT_SECRETS_PASSPHRASE")
	if passphrase == "" && term.IsTerminal(syscall.Stdin) {
		fmt.Fprint(os.Stderr, "Secrets passphrase: ")
		raw, err := term.ReadPassword(syscall.Stdin)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		passphrase = string(raw)
	}

	store := secrets.NewStore()
	if err := store.LoadFile(path, passphrase); err != nil {
		return nil, err
	}
	return store, nil
}

// newHTTPServer exposes /metrics, /healthz, and the minimal ingress
// API for creating and cancelling pipelines.
func newHTTPServer(addr string, orch *orchestrator.Orchestrator, pipelineStore *store.PipelineStore, queries *metrics.QueryService) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/pipelines", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var ev event.StandardizedEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := orch.CreatePipeline(r.Context(), &ev)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"pipeline_id": id})
	})

	mux.HandleFunc("/v1/pipelines/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		if err := orch.Cancel(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/v1/metrics/services", func(w http.ResponseWriter, r *http.Request) {
		if queries == nil {
			http.Error(w, "prometheus_url is not configured", http.StatusNotImplemented)
			return
		}
		service := r.URL.Query().Get("service")
		if service == "" {
			http.Error(w, "missing service", http.StatusBadRequest)
			return
		}
		sm, err := queries.GetServiceMetrics(r.Context(), service)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sm)
	})

	mux.HandleFunc("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		counts, err := pipelineStore.CountByState(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(counts)
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func workspaceGaugeLoop(ctx context.Context, workspaces *workspace.Manager, recorder *metrics.Recorder) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recorder.SetActiveWorkspaces(workspaces.ActiveCount())
		}
	}
}

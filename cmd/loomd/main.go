// Command loomd is the daemon entrypoint: it wires every component into
// a single Runtime and serves the combined HTTP ingress + ACP WebSocket
// hub until a signal tells it to drain and exit. Grounded on the
// predecessor's cmd/ layout, generalized to a single cobra root with
// serve/version and config show|init subcommands — the agent/task/memory
// client surface (and config set) belongs to a separate CLI, out of scope
// per SPEC_FULL.md §1.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/loomd/internal/api"
	"github.com/jordanhubbard/loomd/internal/auth"
	"github.com/jordanhubbard/loomd/internal/config"
	"github.com/jordanhubbard/loomd/internal/embedding"
	"github.com/jordanhubbard/loomd/internal/graceful"
	"github.com/jordanhubbard/loomd/internal/hub"
	"github.com/jordanhubbard/loomd/internal/ids"
	"github.com/jordanhubbard/loomd/internal/models"
	"github.com/jordanhubbard/loomd/internal/observability"
	"github.com/jordanhubbard/loomd/internal/orchestrator"
	"github.com/jordanhubbard/loomd/internal/patterns"
	"github.com/jordanhubbard/loomd/internal/registry"
	"github.com/jordanhubbard/loomd/internal/rl"
	"github.com/jordanhubbard/loomd/internal/store"
	"github.com/jordanhubbard/loomd/internal/tasks"
	"github.com/jordanhubbard/loomd/internal/tokens"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// version is set via -ldflags at release build time; left as "dev" for
// local/unreleased builds.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "loomd",
		Short: "loomd is the multi-agent orchestration daemon",
	}

	var configPath string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon until a termination signal is received",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}

	var showConfigPath string
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize the daemon's own configuration file",
	}
	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (defaults + file + env) as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(showConfigPath, cmd.OutOrStdout())
		},
	}
	configShowCmd.Flags().StringVarP(&showConfigPath, "config", "c", "", "path to a YAML config file")
	configInitCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(args[0])
		},
	}
	configCmd.AddCommand(configShowCmd, configInitCmd)

	root.AddCommand(serveCmd, versionCmd, configCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runConfigShow prints the effective configuration (defaults layered
// with the file at path, then env overrides) as YAML, for operators to
// confirm what the daemon would actually run with.
func runConfigShow(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// runConfigInit writes the documented defaults to path, failing if a
// file already exists there rather than silently overwriting operator
// edits.
func runConfigInit(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	cfg, err := config.Default()
	if err != nil {
		return fmt.Errorf("build default config: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Runtime is the single root object owning every long-lived component.
// main builds exactly one of these per process.
type Runtime struct {
	Config       *config.Config
	Logger       zerolog.Logger
	Metrics      *observability.Metrics
	SQL          *store.SQLStore
	KV           *store.KVStore
	Hub          *hub.Hub
	Registry     *registry.Registry
	Tasks        *tasks.Store
	Ledger       *tokens.Ledger
	Patterns     *patterns.Store
	RLRegistry   *rl.Registry
	RLBuffer     *rl.Buffer
	RLTrainer    *rl.Trainer
	Orchestrator *orchestrator.Orchestrator
	APIServer    *http.Server
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.RejectDangerousInProduction(); err != nil {
		return err
	}

	logger := observability.NewLogger(os.Stderr, zerolog.InfoLevel)
	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}

	var tracerShutdown func(context.Context) error
	if endpoint := os.Getenv("LOOMD_OTLP_ENDPOINT"); endpoint != "" {
		tp, err := observability.NewTracerProvider(context.Background(), endpoint, "loomd")
		if err != nil {
			logger.Error().Err(err).Msg("failed to start otel tracer provider, continuing without tracing")
		} else {
			otel.SetTracerProvider(tp)
			tracerShutdown = tp.Shutdown
		}
	}

	coordinator := graceful.NewCoordinator(30 * time.Second)
	coordinator.OnError(func(component string, err error) {
		rt.Logger.Error().Str("component", component).Err(err).Msg("shutdown component failed")
	})
	registerShutdown(coordinator, rt)
	registerTracerShutdown(coordinator, tracerShutdown)

	rt.Hub.StartSweeper()
	rt.Tasks.StartSweeper(make(chan struct{}))
	if rt.RLTrainer != nil {
		spec := fmt.Sprintf("@every %ds", cfg.Learning.UpdateIntervalSeconds)
		if err := rt.RLTrainer.Start(spec); err != nil {
			rt.Logger.Error().Err(err).Msg("failed to start rl trainer")
		}
	}

	stopWatch := make(chan struct{})
	if configPath != "" {
		if err := cfg.WatchReload(configPath, stopWatch, func(err error) {
			rt.Logger.Error().Err(err).Msg("config reload failed")
		}); err != nil {
			rt.Logger.Error().Err(err).Msg("failed to watch config for reload")
		}
	}

	rt.Logger.Info().Str("bind_address", cfg.Daemon.BindAddress).Msg("loomd starting")

	serveErr := make(chan error, 1)
	go func() {
		if err := rt.APIServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("api server: %w", err)
	case <-waitForSignal():
		close(stopWatch)
		coordinator.Drain()
	}
	return nil
}

// waitForSignal blocks until SIGINT/SIGTERM, then returns; a second
// signal while the caller is draining force-exits immediately, matching
// graceful.Coordinator's own two-signal convention.
func waitForSignal() <-chan struct{} {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		<-sigCh
		go func() {
			<-sigCh
			os.Exit(1)
		}()
		close(done)
	}()
	return done
}

func buildRuntime(cfg *config.Config, logger zerolog.Logger) (*Runtime, error) {
	registryMetrics := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registryMetrics)

	sqlStore, err := store.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	clock := ids.SystemClock{}

	var kvStore *store.KVStore
	if redisURL := os.Getenv("LOOMD_REDIS_URL"); redisURL != "" {
		kv, err := store.OpenKV(redisURL)
		if err != nil {
			logger.Error().Err(err).Msg("failed to configure redis, continuing without cca: event broadcast")
		} else {
			kvStore = kv
		}
	}

	var embedClient *embedding.Client
	if apiKey := os.Getenv("LOOMD_EMBEDDING_API_KEY"); apiKey != "" {
		embedClient = embedding.NewClient(
			envOr("LOOMD_EMBEDDING_BASE_URL", "https://api.openai.com"),
			apiKey,
			envOr("LOOMD_EMBEDDING_MODEL", "text-embedding-3-small"),
			10*time.Second,
		)
	}

	patternStore := patterns.NewStore(sqlStore, embedClient, clock)
	ledger := tokens.NewLedger()
	taskStore := tasks.NewStore(clock)
	taskStore.SetDeadlineFunc(func(t *models.Task) time.Duration {
		return time.Duration(cfg.Agents.DefaultTimeoutSeconds) * time.Second
	})

	workerHub := hub.NewHub(clock)
	workerRegistry := registry.New()
	workerHub.OnSessionClosed(func(s *hub.Session, reason string) {
		workerRegistry.Deregister(s.AgentID)
		metrics.WorkersConnected.Set(float64(workerRegistry.Count()))
		publishAgentEvent(kvStore, s.AgentID, "disconnected")
	})

	rlRegistry := rl.NewRegistry()
	rlBuffer := rl.NewBuffer(rl.MaxExperienceBufferSize)
	var rlTrainer *rl.Trainer
	if cfg.Learning.Enabled {
		rlTrainer = rl.NewTrainer(rlRegistry, rlBuffer, sqlStore, cfg.Learning.DefaultAlgorithm, cfg.Learning.TrainingBatchSize)
	}

	orch := orchestrator.New(workerHub, workerRegistry, taskStore, ledger, patternStore, rlRegistry, rlBuffer, cfg.Learning.DefaultAlgorithm)
	orch.Events = kvStore

	verifier := auth.NewVerifier(apiKeysFromConfig(cfg))
	limiter := auth.NewRateLimiter(200, 50, 20, 10, 5, 5)
	middleware := auth.NewMiddleware(verifier, limiter, cfg.RequireAuth)

	apiServer := newAPIServer(cfg, logger, metrics, taskStore, workerRegistry, patternStore, ledger, orch, sqlStore, workerHub, middleware, kvStore, rlRegistry, rlBuffer)

	return &Runtime{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		SQL:          sqlStore,
		KV:           kvStore,
		Hub:          workerHub,
		Registry:     workerRegistry,
		Tasks:        taskStore,
		Ledger:       ledger,
		Patterns:     patternStore,
		RLRegistry:   rlRegistry,
		RLBuffer:     rlBuffer,
		RLTrainer:    rlTrainer,
		Orchestrator: orch,
		APIServer:    apiServer,
	}, nil
}

func newAPIServer(
	cfg *config.Config,
	logger zerolog.Logger,
	metrics *observability.Metrics,
	taskStore *tasks.Store,
	workerRegistry *registry.Registry,
	patternStore *patterns.Store,
	ledger *tokens.Ledger,
	orch *orchestrator.Orchestrator,
	sqlStore *store.SQLStore,
	workerHub *hub.Hub,
	middleware *auth.Middleware,
	kvStore *store.KVStore,
	rlRegistry *rl.Registry,
	rlBuffer *rl.Buffer,
) *http.Server {
	srv := api.NewServer(taskStore, workerRegistry, patternStore, ledger, orch)
	srv.Version = version
	srv.Hub = workerHub
	srv.ACPPort = cfg.ACP.WebsocketPort
	srv.Events = kvStore
	srv.RL = rlRegistry
	srv.Buffer = rlBuffer
	srv.RegisterHealthCheck("database", func(ctx context.Context) error {
		return sqlStore.Ping(ctx)
	})
	if kvStore != nil {
		srv.RegisterHealthCheck("redis", func(ctx context.Context) error {
			return kvStore.Ping(ctx)
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/", srv.Mux())
	mux.HandleFunc("/acp", func(w http.ResponseWriter, r *http.Request) {
		handleACPUpgrade(workerHub, workerRegistry, metrics, logger, kvStore, w, r)
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:    cfg.Daemon.BindAddress,
		Handler: middleware.Wrap(mux),
	}
}

// handleACPUpgrade accepts a worker's WebSocket connection and registers
// it in the Worker Registry, keyed by the agent_id/role query parameters
// the worker presents on connect.
func handleACPUpgrade(h *hub.Hub, reg *registry.Registry, metrics *observability.Metrics, logger zerolog.Logger, kvStore *store.KVStore, w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	role := r.URL.Query().Get("role")
	if agentID == "" || !models.ValidRole(models.AgentRole(role)) {
		http.Error(w, "agent_id and a valid role are required", http.StatusBadRequest)
		return
	}

	session, err := h.Accept(w, r, agentID, role, func(s *hub.Session, msg *hub.Message) {
		logger.Debug().Str("agent_id", s.AgentID).Str("method", msg.Method).Msg("acp message outside request/response correlation")
	})
	if err != nil {
		logger.Error().Err(err).Msg("acp upgrade failed")
		return
	}

	reg.Register(&registry.Worker{
		AgentID:     agentID,
		Role:        models.AgentRole(role),
		Session:     session,
		ConnectedAt: time.Now(),
	})
	metrics.WorkersConnected.Set(float64(reg.Count()))
	publishAgentEvent(kvStore, agentID, "connected")
}

// publishAgentEvent broadcasts a worker connect/disconnect notice on the
// "cca:agents" channel (SPEC_FULL.md's domain stack), a no-op when no
// redis KV store is configured.
func publishAgentEvent(kvStore *store.KVStore, agentID, state string) {
	if kvStore == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{"agent_id": agentID, "state": state})
	if err != nil {
		return
	}
	kvStore.Publish(context.Background(), "cca:agents", string(payload))
}

func registerShutdown(c *graceful.Coordinator, rt *Runtime) {
	c.Register("api_server", func(ctx context.Context) error {
		return rt.APIServer.Shutdown(ctx)
	})
	c.Register("hub", func(ctx context.Context) error {
		rt.Hub.Stop(ctx)
		return nil
	})
	c.Register("rl_trainer", func(ctx context.Context) error {
		if rt.RLTrainer != nil {
			rt.RLTrainer.Stop()
		}
		return nil
	})
	c.Register("store", func(ctx context.Context) error {
		return rt.SQL.Close()
	})
	if rt.KV != nil {
		c.Register("kv_store", func(ctx context.Context) error {
			return rt.KV.Close()
		})
	}
}

func registerTracerShutdown(c *graceful.Coordinator, shutdown func(context.Context) error) {
	if shutdown == nil {
		return
	}
	c.Register("tracer", shutdown)
}

func apiKeysFromConfig(cfg *config.Config) []auth.APIKey {
	keys := make([]auth.APIKey, 0, len(cfg.APIKeys()))
	for _, raw := range cfg.APIKeys() {
		id, secret, role, ok := splitAPIKeySpec(raw)
		if !ok {
			continue
		}
		keys = append(keys, auth.APIKey{ID: id, Secret: secret, Role: role, Label: id})
	}
	return keys
}

// splitAPIKeySpec parses "id:secret:role" config entries, the shape
// cfg.Daemon.APIKeys is documented to carry.
func splitAPIKeySpec(spec string) (id, secret, role string, ok bool) {
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(spec); i++ {
		if spec[i] == ':' {
			parts = append(parts, spec[start:i])
			start = i + 1
		}
	}
	parts = append(parts, spec[start:])
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Package worker implements the push-mode worker runtime (spec.md §2
// component C8, §4.7): registration with the orchestrator at startup, a
// bounded-concurrency HTTP dispatcher that executes pushed workflows
// through workflow.Invoke, and completion/cancellation reporting back to
// the orchestrator.
package worker

import (
	"context"
	"net/url"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/polosdev/polos-go/config"
	"github.com/polosdev/polos-go/orchestrator"
	"github.com/polosdev/polos-go/sandbox"
	"github.com/polosdev/polos-go/telemetry"
	"github.com/polosdev/polos-go/workflow"
)

// Runtime is one worker process: registered with the orchestrator under
// a single worker ID, dispatching pushed executions against a shared
// workflow registry.
type Runtime struct {
	cfg      *config.Config
	client   orchestrator.Client
	registry *workflow.Registry
	logger   telemetry.Logger
	tracer   telemetry.Tracer

	workerID string

	mu         sync.Mutex
	executions map[string]*execution
	sem        chan struct{}

	srv        *httpServer
	sandboxMgr *sandbox.Manager
}

// execution tracks one in-flight push dispatch for cancellation.
type execution struct {
	cancel context.CancelFunc
}

// New constructs a Runtime. The worker's capabilities (the IDs of every
// unit in registry) are computed and reported to the orchestrator at
// register_worker time (spec.md §4.7 step 1).
func New(cfg *config.Config, client orchestrator.Client, registry *workflow.Registry, logger telemetry.Logger, tracer telemetry.Tracer) *Runtime {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	max := cfg.MaxConcurrentWorkflows
	if max <= 0 {
		max = 100
	}
	return &Runtime{
		cfg:        cfg,
		client:     client,
		registry:   registry,
		logger:     logger,
		tracer:     tracer,
		executions: make(map[string]*execution),
		sem:        make(chan struct{}, max),
	}
}

// SetSandboxManager attaches the sandbox manager this worker sweeps and
// tears down alongside its own lifecycle (spec.md §4.8: idle/orphan
// sweep runs for the life of the worker process).
func (rt *Runtime) SetSandboxManager(mgr *sandbox.Manager) {
	rt.sandboxMgr = mgr
}

// Start runs the full spec.md §4.7 startup sequence — register worker,
// register deployment, register agents, register tools, register
// workflows/triggers/schedules, register queues, mark online — then
// installs SIGINT/SIGTERM handling and blocks serving the push endpoint
// and heartbeat loop until the process is signaled or the server fails.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.register(ctx); err != nil {
		return err
	}

	if rt.sandboxMgr != nil {
		rt.sandboxMgr.StartSweep(sandbox.DefaultSweepInterval)
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt.srv = newHTTPServer(rt)
	errc := make(chan error, 1)
	go func() {
		rt.logger.Info(ctx, "worker: push server listening", "addr", rt.srv.addr)
		errc <- rt.srv.listenAndServe()
	}()

	go rt.heartbeatLoop(sigCtx)

	select {
	case err := <-errc:
		return err
	case <-sigCtx.Done():
		rt.logger.Info(ctx, "worker: shutdown signal received")
		return rt.shutdown()
	}
}

// shutdown stops accepting new pushes and releases in-flight executions
// without waiting for them to finish (spec.md §5 "graceful shutdown...
// releases in-flight executions without waiting").
func (rt *Runtime) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rt.sandboxMgr != nil {
		rt.sandboxMgr.StopSweep()
		rt.sandboxMgr.DestroyAll(shutdownCtx)
	}
	return rt.srv.shutdown(shutdownCtx)
}

// register runs steps 1-7 of spec.md §4.7's startup sequence.
func (rt *Runtime) register(ctx context.Context) error {
	workerID, err := rt.client.RegisterWorker(ctx, orchestrator.RegisterWorkerRequest{
		DeploymentID:  rt.cfg.DeploymentID,
		ProjectID:     rt.cfg.ProjectID,
		Capabilities:  rt.capabilities(),
		MaxConcurrent: cap(rt.sem),
		PushURL:       rt.pushURL(),
	})
	if err != nil {
		return err
	}
	rt.workerID = workerID
	if rt.sandboxMgr != nil {
		rt.sandboxMgr.SetWorkerID(workerID)
	}

	if err := rt.client.RegisterDeployment(ctx, rt.cfg.DeploymentID); err != nil {
		return err
	}
	if err := rt.registerUnits(ctx); err != nil {
		return err
	}
	if err := rt.registerQueues(ctx); err != nil {
		return err
	}
	return rt.client.MarkOnline(ctx, rt.workerID)
}

func (rt *Runtime) capabilities() []string {
	descs := rt.registry.All()
	ids := make([]string, 0, len(descs))
	for _, d := range descs {
		ids = append(ids, d.ID)
	}
	return ids
}

func (rt *Runtime) pushURL() string {
	return rt.cfg.WorkerServerURL
}

// listenAddr derives the bind address from the externally advertised
// push URL's port, defaulting to :8000 (spec.md §6 POLOS_WORKER_SERVER_URL).
func (rt *Runtime) listenAddr() string {
	u, err := url.Parse(rt.cfg.WorkerServerURL)
	if err != nil || u.Port() == "" {
		return ":8000"
	}
	return ":" + u.Port()
}

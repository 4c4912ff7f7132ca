package sandbox

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/polosdev/polos-go/orchestrator"
	"github.com/polosdev/polos-go/poloserr"
	"github.com/polosdev/polos-go/telemetry"
)

// DefaultSweepInterval is how often the idle/orphan sweep runs
// (sandbox_manager.py "DEFAULT_SWEEP_INTERVAL_S").
const DefaultSweepInterval = 10 * time.Minute

// DefaultIdleTimeout is the idle_destroy_timeout a sandbox uses when its
// config leaves it unset (sandbox_manager.py "DEFAULT_IDLE_TIMEOUT").
const DefaultIdleTimeout = "1h"

// OrphanGracePeriod bounds how long a dead worker's containers survive
// before the sweep force-removes them (sandbox_manager.py
// "ORPHAN_GRACE_PERIOD_S").
const OrphanGracePeriod = 30 * time.Minute

var durationPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(m|h|d)$`)

// ParseDuration parses "30m", "1h", "24h", "3d" into a time.Duration
// (sandbox_manager.py "parse_duration").
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, poloserr.New(poloserr.KindValidation, `sandbox: invalid duration %q, expected "1h", "24h", "3d"`, s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, poloserr.Wrap(poloserr.KindValidation, err, "sandbox: parse duration %q", s)
	}
	switch m[2] {
	case "m":
		return time.Duration(value * float64(time.Minute)), nil
	case "h":
		return time.Duration(value * float64(time.Hour)), nil
	case "d":
		return time.Duration(value * 24 * float64(time.Hour)), nil
	}
	return 0, poloserr.New(poloserr.KindValidation, "sandbox: unknown duration unit in %q", s)
}

// ContainerLister abstracts orphan-container discovery/removal so
// Manager stays free of a direct docker/docker/client import; the
// dockerenv package supplies the concrete implementation (docker.py
// + sandbox_manager.py "_sweep_orphan_containers").
type ContainerLister interface {
	ListManaged(ctx context.Context) ([]ManagedContainer, error)
	ForceRemove(ctx context.Context, containerID string) error
}

// ManagedContainer is one polos-managed Docker container discovered by
// the orphan sweep.
type ManagedContainer struct {
	ID        string
	Name      string
	WorkerID  string
	CreatedAt time.Time
}

// Manager owns sandbox lifecycle across executions on one worker:
// creation, session reuse, idle cleanup, and orphan-container detection
// (sandbox_manager.py "SandboxManager").
type Manager struct {
	workerID  string
	projectID string
	client    orchestrator.Client
	factory   EnvironmentFactory
	containers ContainerLister
	logger    telemetry.Logger

	mu                   sync.Mutex
	sandboxes            map[string]*ManagedSandbox
	sessionSandboxes     map[string]*ManagedSandbox
	sessionCreationLocks map[string]*sync.Mutex

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewManager constructs a Manager. containers may be nil to disable the
// orphan sweep phase (e.g. when no Docker backend is in use).
func NewManager(workerID, projectID string, client orchestrator.Client, factory EnvironmentFactory, containers ContainerLister, logger telemetry.Logger) *Manager {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Manager{
		workerID:             workerID,
		projectID:            projectID,
		client:               client,
		factory:              factory,
		containers:           containers,
		logger:               logger,
		sandboxes:            make(map[string]*ManagedSandbox),
		sessionSandboxes:     make(map[string]*ManagedSandbox),
		sessionCreationLocks: make(map[string]*sync.Mutex),
	}
}

// SetWorkerID updates the worker ID after registration/re-registration
// (sandbox_manager.py "set_worker_id").
func (m *Manager) SetWorkerID(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workerID = workerID
}

// GetOrCreateSandbox returns the sandbox for one execution: a fresh
// sandbox when scope is execution, or the session's existing sandbox
// (double-checked, lock-serialized) when scope is session (sandbox_manager.py
// "get_or_create_sandbox").
func (m *Manager) GetOrCreateSandbox(ctx context.Context, cfg ToolsConfig, executionID, sessionID string) (*ManagedSandbox, error) {
	scope := cfg.Scope
	if scope == "" {
		scope = ScopeExecution
	}

	if scope != ScopeSession {
		return m.createExecutionSandbox(cfg, executionID), nil
	}

	if sessionID == "" {
		return nil, poloserr.New(poloserr.KindValidation, "sandbox: session_id is required for session-scoped sandboxes")
	}

	m.mu.Lock()
	if existing, ok := m.sessionSandboxes[sessionID]; ok && !existing.Destroyed() {
		m.mu.Unlock()
		existing.AttachExecution(executionID)
		return existing, nil
	}
	lock, ok := m.sessionCreationLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.sessionCreationLocks[sessionID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if existing, ok := m.sessionSandboxes[sessionID]; ok && !existing.Destroyed() {
		m.mu.Unlock()
		existing.AttachExecution(executionID)
		return existing, nil
	}
	m.mu.Unlock()

	return m.createSessionSandbox(cfg, executionID, sessionID), nil
}

func (m *Manager) createExecutionSandbox(cfg ToolsConfig, executionID string) *ManagedSandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb := NewManagedSandbox(cfg, m.workerID, m.projectID, "", m.factory)
	sb.AttachExecution(executionID)
	m.sandboxes[sb.ID()] = sb
	return sb
}

func (m *Manager) createSessionSandbox(cfg ToolsConfig, executionID, sessionID string) *ManagedSandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb := NewManagedSandbox(cfg, m.workerID, m.projectID, sessionID, m.factory)
	sb.AttachExecution(executionID)
	m.sandboxes[sb.ID()] = sb
	m.sessionSandboxes[sessionID] = sb
	return sb
}

// OnExecutionComplete detaches executionID from every sandbox tracking
// it, destroying execution-scoped sandboxes immediately; session-scoped
// sandboxes survive for reuse and are reclaimed only by the idle sweep
// (sandbox_manager.py "on_execution_complete").
func (m *Manager) OnExecutionComplete(ctx context.Context, executionID string) {
	m.mu.Lock()
	var toDestroy []*ManagedSandbox
	for _, sb := range m.sandboxes {
		if !sb.HasActiveExecution(executionID) {
			continue
		}
		sb.DetachExecution(executionID)
		if sb.Scope() == ScopeExecution {
			toDestroy = append(toDestroy, sb)
		}
	}
	m.mu.Unlock()

	for _, sb := range toDestroy {
		m.destroyAndRemove(ctx, sb)
	}
}

// DestroySandbox tears down one sandbox by ID (sandbox_manager.py
// "destroy_sandbox").
func (m *Manager) DestroySandbox(ctx context.Context, sandboxID string) {
	m.mu.Lock()
	sb, ok := m.sandboxes[sandboxID]
	m.mu.Unlock()
	if ok {
		m.destroyAndRemove(ctx, sb)
	}
}

func (m *Manager) destroyAndRemove(ctx context.Context, sb *ManagedSandbox) {
	if err := sb.Destroy(ctx); err != nil {
		m.logger.Warn(ctx, "sandbox: destroy failed", "sandbox_id", sb.ID(), "error", err)
	}
	m.mu.Lock()
	delete(m.sandboxes, sb.ID())
	if sb.SessionID() != "" {
		if current, ok := m.sessionSandboxes[sb.SessionID()]; ok && current == sb {
			delete(m.sessionSandboxes, sb.SessionID())
		}
	}
	m.mu.Unlock()
}

// DestroyAll tears down every managed sandbox, used during worker
// shutdown (sandbox_manager.py "destroy_all").
func (m *Manager) DestroyAll(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*ManagedSandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		entries = append(entries, sb)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sb := range entries {
		wg.Add(1)
		go func(sb *ManagedSandbox) {
			defer wg.Done()
			if err := sb.Destroy(ctx); err != nil {
				m.logger.Warn(ctx, "sandbox: destroy_all failed", "sandbox_id", sb.ID(), "error", err)
			}
		}(sb)
	}
	wg.Wait()

	m.mu.Lock()
	m.sandboxes = make(map[string]*ManagedSandbox)
	m.sessionSandboxes = make(map[string]*ManagedSandbox)
	m.mu.Unlock()
}

// StartSweep launches the periodic idle/orphan sweep (sandbox_manager.py
// "start_sweep"). Calling it again replaces any running sweep.
func (m *Manager) StartSweep(interval time.Duration) {
	m.StopSweep()
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.sweepCancel = cancel
	m.sweepDone = make(chan struct{})
	go m.sweepLoop(ctx, interval, m.sweepDone)
}

// StopSweep stops the periodic sweep (sandbox_manager.py "stop_sweep").
func (m *Manager) StopSweep() {
	if m.sweepCancel != nil {
		m.sweepCancel()
		<-m.sweepDone
		m.sweepCancel = nil
	}
}

func (m *Manager) sweepLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdleSandboxes(ctx)
			m.sweepOrphanContainers(ctx)
		}
	}
}

// sweepIdleSandboxes destroys sandboxes idle past their
// idle_destroy_timeout (sandbox_manager.py "_sweep_idle_sandboxes").
func (m *Manager) sweepIdleSandboxes(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*ManagedSandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		entries = append(entries, sb)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, sb := range entries {
		timeoutStr := sb.Config().IdleDestroyTimeout
		if timeoutStr == "" {
			timeoutStr = DefaultIdleTimeout
		}
		timeout, err := ParseDuration(timeoutStr)
		if err != nil {
			m.logger.Warn(ctx, "sandbox: invalid idle_destroy_timeout", "sandbox_id", sb.ID(), "error", err)
			continue
		}
		if now.Sub(sb.LastActivityAt()) > timeout {
			m.logger.Info(ctx, "sandbox: destroying idle sandbox", "sandbox_id", sb.ID(), "scope", string(sb.Scope()))
			m.destroyAndRemove(ctx, sb)
		}
	}
}

// sweepOrphanContainers force-removes Docker containers whose worker is
// no longer active and which have aged past OrphanGracePeriod
// (sandbox_manager.py "_sweep_orphan_containers").
func (m *Manager) sweepOrphanContainers(ctx context.Context) {
	if m.containers == nil || m.client == nil {
		return
	}

	activeWorkers, err := m.client.GetActiveWorkerIDs(ctx)
	if err != nil {
		m.logger.Warn(ctx, "sandbox: failed to query active workers, skipping orphan sweep", "error", err)
		return
	}

	containers, err := m.containers.ListManaged(ctx)
	if err != nil {
		m.logger.Warn(ctx, "sandbox: failed to list managed containers", "error", err)
		return
	}

	now := time.Now()
	for _, c := range containers {
		if c.WorkerID == "" {
			continue
		}
		if _, active := activeWorkers[c.WorkerID]; active {
			continue
		}
		if now.Sub(c.CreatedAt) < OrphanGracePeriod {
			continue
		}
		m.logger.Info(ctx, "sandbox: removing orphaned container", "container", c.Name, "worker_id", c.WorkerID)
		if err := m.containers.ForceRemove(ctx, c.ID); err != nil {
			m.logger.Warn(ctx, "sandbox: failed to remove orphaned container", "container", c.Name, "error", err)
		}
	}
}

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polosdev/polos-go/poloserr"
)

// healthCheckDebounce bounds how often a live Docker sandbox is probed
// (sandbox.py "HEALTH_CHECK_DEBOUNCE_S").
const healthCheckDebounce = 30 * time.Second

// defaultWorkspacesDirEnv overrides the base workspace directory
// (sandbox.py "WORKSPACES_DIR_ENV").
const defaultWorkspacesDirEnv = "POLOS_WORKSPACES_DIR"

func defaultWorkspacesDir() string {
	if v := os.Getenv(defaultWorkspacesDirEnv); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".polos", "workspaces")
}

// EnvironmentFactory constructs the concrete backend a ManagedSandbox
// lazily initializes. Supplied by the worker wiring layer so this
// package stays free of a direct docker/local import cycle.
type EnvironmentFactory func(ctx context.Context, cfg ToolsConfig, sandboxID, workerID, sessionID string) (ExecutionEnvironment, error)

type initResult struct {
	env ExecutionEnvironment
	err error
}

// ManagedSandbox wraps one ExecutionEnvironment with identity, lifecycle
// tracking, coalesced lazy initialization, and crash recovery (sandbox.py
// "ManagedSandbox"). The Go rendering of asyncio.Future coalescing is a
// per-attempt channel: concurrent GetEnvironment callers during an
// in-flight init share the same result; a failed init clears the
// pending state so the next call retries from scratch.
type ManagedSandbox struct {
	id        string
	scope     Scope
	config    ToolsConfig
	workerID  string
	projectID string
	sessionID string
	factory   EnvironmentFactory

	mu                sync.Mutex
	activeExecutions  map[string]struct{}
	lastActivityAt    time.Time
	destroyed         bool
	env               ExecutionEnvironment
	pending           chan struct{}
	pendingResult     *initResult
	lastHealthCheckAt time.Time
}

// NewManagedSandbox constructs a not-yet-initialized sandbox. sessionID
// is empty for execution-scoped sandboxes.
func NewManagedSandbox(cfg ToolsConfig, workerID, projectID, sessionID string, factory EnvironmentFactory) *ManagedSandbox {
	id := cfg.ID
	if id == "" {
		id = "sandbox-" + uuid.New().String()[:8]
	}
	scope := cfg.Scope
	if scope == "" {
		scope = ScopeExecution
	}
	return &ManagedSandbox{
		id:               id,
		scope:            scope,
		config:           cfg,
		workerID:         workerID,
		projectID:        projectID,
		sessionID:        sessionID,
		factory:          factory,
		activeExecutions: make(map[string]struct{}),
		lastActivityAt:   time.Now(),
	}
}

func (s *ManagedSandbox) ID() string          { return s.id }
func (s *ManagedSandbox) Scope() Scope        { return s.scope }
func (s *ManagedSandbox) Config() ToolsConfig { return s.config }
func (s *ManagedSandbox) WorkerID() string    { return s.workerID }
func (s *ManagedSandbox) SessionID() string   { return s.sessionID }

func (s *ManagedSandbox) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *ManagedSandbox) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// AttachExecution records execution_id as actively using this sandbox
// (sandbox.py "attach_execution").
func (s *ManagedSandbox) AttachExecution(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeExecutions[executionID] = struct{}{}
}

// DetachExecution removes execution_id from the active set (sandbox.py
// "detach_execution").
func (s *ManagedSandbox) DetachExecution(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeExecutions, executionID)
}

// HasActiveExecution reports whether execution_id is currently attached.
func (s *ManagedSandbox) HasActiveExecution(executionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.activeExecutions[executionID]
	return ok
}

func (s *ManagedSandbox) defaultWorkspaceDir() string {
	leaf := s.sessionID
	if leaf == "" {
		leaf = s.id
	}
	return filepath.Join(defaultWorkspacesDir(), s.projectID, leaf)
}

// GetEnvironment returns the live backend, initializing it on first use
// and coalescing concurrent callers onto the same in-flight attempt
// (sandbox.py "get_environment").
func (s *ManagedSandbox) GetEnvironment(ctx context.Context) (ExecutionEnvironment, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, poloserr.New(poloserr.KindValidation, "sandbox %q has been destroyed", s.id)
	}
	s.lastActivityAt = time.Now()

	if s.env != nil {
		env := s.env
		s.mu.Unlock()
		s.healthCheck(ctx)
		return env, nil
	}

	if s.pending != nil {
		ch := s.pending
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
		res := s.pendingResult
		s.mu.Unlock()
		return res.env, res.err
	}

	ch := make(chan struct{})
	s.pending = ch
	s.mu.Unlock()

	env, err := s.initializeEnvironment(ctx)

	s.mu.Lock()
	s.pendingResult = &initResult{env: env, err: err}
	if err == nil {
		s.env = env
	}
	s.pending = nil
	s.mu.Unlock()
	close(ch)

	return env, err
}

func (s *ManagedSandbox) initializeEnvironment(ctx context.Context) (ExecutionEnvironment, error) {
	cfg := s.config
	if cfg.Env == "" {
		cfg.Env = EnvDocker
	}
	switch cfg.Env {
	case EnvDocker, EnvLocal:
		workspaceDir := s.defaultWorkspaceDir()
		if cfg.Env == EnvDocker && cfg.Docker != nil && cfg.Docker.WorkspaceDir != "" {
			workspaceDir = cfg.Docker.WorkspaceDir
		}
		if cfg.Env == EnvLocal && cfg.Local != nil && cfg.Local.WorkspaceDir != "" {
			workspaceDir = cfg.Local.WorkspaceDir
		}
		if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
			return nil, poloserr.Wrap(poloserr.KindTransient, err, "sandbox %q: create workspace dir", s.id)
		}
		return s.factory(ctx, cfg, s.id, s.workerID, s.sessionID)
	case EnvE2B:
		return nil, poloserr.New(poloserr.KindValidation, "sandbox %q: e2b environment is not implemented", s.id)
	default:
		return nil, poloserr.New(poloserr.KindValidation, "sandbox %q: unknown environment type %q", s.id, cfg.Env)
	}
}

// healthCheck probes a live Docker sandbox at most once per
// healthCheckDebounce, recreating it when the underlying container is
// gone (sandbox.py "_health_check").
func (s *ManagedSandbox) healthCheck(ctx context.Context) {
	s.mu.Lock()
	env := s.env
	if env == nil || env.Type() != "docker" {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	if now.Sub(s.lastHealthCheckAt) < healthCheckDebounce {
		s.mu.Unlock()
		return
	}
	s.lastHealthCheckAt = now
	s.mu.Unlock()

	if _, err := env.Exec(ctx, "true", nil); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "No such container") || strings.Contains(msg, "is not running") {
			_ = s.Recreate(ctx)
			_, _ = s.GetEnvironment(ctx)
		}
	}
}

// Destroy tears down the environment idempotently (sandbox.py
// "destroy").
func (s *ManagedSandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	env := s.env
	s.env = nil
	s.pending = nil
	s.mu.Unlock()

	if env != nil {
		return env.Destroy(ctx)
	}
	return nil
}

// Recreate best-effort destroys the current environment and resets
// state so the next GetEnvironment call re-initializes (sandbox.py
// "recreate").
func (s *ManagedSandbox) Recreate(ctx context.Context) error {
	s.mu.Lock()
	env := s.env
	s.env = nil
	s.pending = nil
	s.destroyed = false
	s.lastHealthCheckAt = time.Time{}
	s.mu.Unlock()

	if env != nil {
		_ = env.Destroy(ctx)
	}
	return nil
}

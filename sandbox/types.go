package sandbox

import "time"

// Env names the execution backend a SandboxToolsConfig requests (spec.md
// §4.8: "env in {local, docker, e2b}").
type Env string

const (
	EnvLocal  Env = "local"
	EnvDocker Env = "docker"
	EnvE2B    Env = "e2b"
)

// Scope controls sandbox reuse across executions within a session
// (spec.md §4.8: "scope in {execution, session}").
type Scope string

const (
	ScopeExecution Scope = "execution"
	ScopeSession   Scope = "session"
)

// Security is the exec tool's approval-gating mode (spec.md §4.8 /
// tools/exec.py "create_exec_tool").
type Security string

const (
	SecurityAllowAlways    Security = "allow-always"
	SecurityAllowlist      Security = "allowlist"
	SecurityApprovalAlways Security = "approval-always"
)

// ApprovalMode gates write/edit tools (tools/write.py, tools/edit.py
// "approval: Literal['always', 'none'] | None").
type ApprovalMode string

const (
	ApprovalAlways ApprovalMode = "always"
	ApprovalNone   ApprovalMode = "none"
)

// DockerConfig configures the docker environment (types.py
// "DockerEnvironmentConfig").
type DockerConfig struct {
	Image            string
	WorkspaceDir     string
	ContainerWorkdir string
	Memory           string
	CPUs             string
	Network          string
	Env              map[string]string
	SetupCommand     string
}

// LocalConfig configures the local environment (types.py
// "LocalEnvironmentConfig"). WorkspaceDir seeds the sandbox's default
// working directory; PathRestriction, when set, confines WriteFile to
// that directory and makes ReadFile reject symlinks. Exec, Glob, Grep and
// FileExists are not confined by it.
type LocalConfig struct {
	WorkspaceDir    string
	PathRestriction string
	// NoPathRestriction explicitly disables the default-to-WorkspaceDir
	// restriction (types.py "path_restriction is False").
	NoPathRestriction bool
}

// E2BConfig configures the e2b-backed environment. Not implemented by
// this runtime (no e2b Go SDK anywhere in the example pack); requesting
// Env: EnvE2B returns an error. See DESIGN.md.
type E2BConfig struct {
	APIKey    string
	Template  string
	TimeoutMS int
}

// ExecConfig configures the exec tool's security gate and defaults
// (types.py "ExecToolConfig").
type ExecConfig struct {
	Security       Security
	Allowlist      []string
	Timeout        time.Duration
	MaxOutputChars int
}

// ToolsConfig is the per-agent sandbox request (types.py
// "SandboxToolsConfig").
type ToolsConfig struct {
	Env                Env
	Scope              Scope
	ID                 string
	IdleDestroyTimeout string
	Cwd                string
	Tools              []string
	Docker             *DockerConfig
	Local              *LocalConfig
	E2B                *E2BConfig
	Exec               *ExecConfig
	// FileApproval gates write/edit regardless of path restriction:
	// ApprovalAlways requires user approval for every write/edit, ApprovalNone skips
	// approval entirely, "" defers to the path restriction (types.py
	// "file_approval").
	FileApproval ApprovalMode
}

// ExecOptions parameterizes one Exec call (types.py "ExecOptions").
type ExecOptions struct {
	Cwd     string
	Env     map[string]string
	Timeout time.Duration
	Stdin   string
}

// ExecResult is the outcome of one Exec call (types.py "ExecResult").
type ExecResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int    `json:"duration_ms"`
	Truncated  bool   `json:"truncated"`
}

// GlobOptions parameterizes one Glob call (types.py "GlobOptions").
type GlobOptions struct {
	Cwd    string
	Ignore []string
}

// GrepOptions parameterizes one Grep call (types.py "GrepOptions").
type GrepOptions struct {
	Cwd          string
	Include      []string
	MaxResults   int
	ContextLines *int
}

// GrepMatch is one grep result line (types.py "GrepMatch").
type GrepMatch struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
}

// EnvironmentInfo describes the live backend (types.py "EnvironmentInfo").
type EnvironmentInfo struct {
	Type      string `json:"type"`
	Cwd       string `json:"cwd"`
	SandboxID string `json:"sandbox_id,omitempty"`
	OS        string `json:"os,omitempty"`
}

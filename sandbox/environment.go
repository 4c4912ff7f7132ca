// Package sandbox implements the sandbox manager and execution
// environments (spec.md §2 component C9, §4.8): per-execution or
// per-session managed sandboxes, their local/docker/e2b backends, and
// the exec/read/write/edit/glob/grep tool surface exposed to agents.
//
// The teacher repo carries no container-management code of its own;
// this package is grounded directly on the Python reference
// implementation under original_source/sdk/python/polos/execution/,
// which this spec was distilled from, rendered in the teacher's Go
// idiom (interfaces, explicit context, typed errors via poloserr).
package sandbox

import "context"

// ExecutionEnvironment is the backend-agnostic interface every sandbox
// runs commands and touches files through (environment.py
// "ExecutionEnvironment").
type ExecutionEnvironment interface {
	Type() string

	Exec(ctx context.Context, command string, opts *ExecOptions) (ExecResult, error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	FileExists(ctx context.Context, path string) (bool, error)
	Glob(ctx context.Context, pattern string, opts *GlobOptions) ([]string, error)
	Grep(ctx context.Context, pattern string, opts *GrepOptions) ([]GrepMatch, error)

	Initialize(ctx context.Context) error
	Destroy(ctx context.Context) error

	GetCwd() string
	GetInfo() EnvironmentInfo
}

// Package localenv implements sandbox.ExecutionEnvironment directly on
// the host filesystem and subprocess execution (spec.md §4.8; grounded
// on original_source/sdk/python/polos/execution/local.py, the Python
// reference this spec was distilled from).
package localenv

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/polosdev/polos-go/poloserr"
	"github.com/polosdev/polos-go/sandbox"
)

// DefaultTimeout bounds one Exec call when ExecOptions.Timeout is unset
// (local.py "DEFAULT_TIMEOUT_SECONDS").
const DefaultTimeout = 300 * time.Second

// Environment runs commands and touches files directly on the host,
// optionally restricted to a directory (local.py "LocalEnvironment").
type Environment struct {
	cwd             string
	pathRestriction string
	maxOutputChars  int
}

// New constructs a host-filesystem environment rooted at cfg.WorkspaceDir
// (or the process cwd when unset).
func New(cfg sandbox.LocalConfig, maxOutputChars int) (*Environment, error) {
	cwd := cfg.WorkspaceDir
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, poloserr.Wrap(poloserr.KindTransient, err, "localenv: resolve working directory")
		}
		cwd = wd
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return nil, poloserr.Wrap(poloserr.KindValidation, err, "localenv: resolve cwd %q", cwd)
	}

	restriction := ""
	switch {
	case cfg.NoPathRestriction:
		restriction = ""
	case cfg.PathRestriction != "":
		restriction = cfg.PathRestriction
	default:
		restriction = abs
	}

	if maxOutputChars <= 0 {
		maxOutputChars = sandbox.DefaultMaxOutputChars
	}
	return &Environment{cwd: abs, pathRestriction: restriction, maxOutputChars: maxOutputChars}, nil
}

func (e *Environment) Type() string { return "local" }

func (e *Environment) Initialize(ctx context.Context) error {
	info, err := os.Stat(e.cwd)
	if err != nil {
		return poloserr.Wrap(poloserr.KindValidation, err, "localenv: working directory does not exist: %s", e.cwd)
	}
	if !info.IsDir() {
		return poloserr.New(poloserr.KindValidation, "localenv: working directory is not a directory: %s", e.cwd)
	}
	return nil
}

func (e *Environment) Destroy(ctx context.Context) error { return nil }

func (e *Environment) GetCwd() string { return e.cwd }

func (e *Environment) GetInfo() sandbox.EnvironmentInfo {
	return sandbox.EnvironmentInfo{Type: "local", Cwd: e.cwd}
}

func (e *Environment) resolvePath(p string) string {
	return filepath.Join(e.cwd, p)
}

func (e *Environment) assertPathSafe(resolved string) error {
	if e.pathRestriction == "" {
		return nil
	}
	restriction, err := filepath.Abs(e.pathRestriction)
	if err != nil {
		return poloserr.Wrap(poloserr.KindValidation, err, "localenv: resolve restriction")
	}
	if resolved != restriction && !strings.HasPrefix(resolved, restriction+string(filepath.Separator)) {
		return poloserr.New(poloserr.KindValidation, "localenv: path traversal detected: %q is outside of %q", resolved, restriction)
	}
	return nil
}

func (e *Environment) assertNotSymlink(resolved string) error {
	if e.pathRestriction == "" {
		return nil
	}
	info, err := os.Lstat(resolved)
	if err != nil {
		return nil // missing path: let the caller's operation surface the error
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return poloserr.New(poloserr.KindValidation, "localenv: symbolic link detected: %q (symlinks are blocked when path_restriction is set)", resolved)
	}
	return nil
}

func (e *Environment) Exec(ctx context.Context, command string, opts *sandbox.ExecOptions) (sandbox.ExecResult, error) {
	cwd := e.cwd
	var env map[string]string
	var stdin string
	timeout := DefaultTimeout
	if opts != nil {
		if opts.Cwd != "" {
			cwd = e.resolvePath(opts.Cwd)
		}
		env = opts.Env
		stdin = opts.Stdin
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
	}

	start := time.Now()
	exitCode, stdout, stderr := spawn(ctx, command, cwd, env, timeout, stdin)
	durationMs := int(time.Since(start).Milliseconds())

	cleanStdout, truncated := sandbox.TruncateOutput(sandbox.StripANSI(stdout), e.maxOutputChars)
	cleanStderr, _ := sandbox.TruncateOutput(sandbox.StripANSI(stderr), e.maxOutputChars)

	return sandbox.ExecResult{
		ExitCode:   exitCode,
		Stdout:     cleanStdout,
		Stderr:     cleanStderr,
		DurationMs: durationMs,
		Truncated:  truncated,
	}, nil
}

// spawn runs command through "sh -c", killing it on timeout and
// salvaging whatever output was buffered (local.py "_spawn_local").
func spawn(ctx context.Context, command, cwd string, extraEnv map[string]string, timeout time.Duration, stdin string) (int, string, string) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = cwd
	if len(extraEnv) > 0 {
		cmd.Env = os.Environ()
		for k, v := range extraEnv {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return 137, stdout.String(), stderr.String() + "\n[Process killed: timeout exceeded]"
	}
	if err == nil {
		return 0, stdout.String(), stderr.String()
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), stdout.String(), stderr.String()
	}
	return 1, stdout.String(), stderr.String()
}

func (e *Environment) ReadFile(ctx context.Context, path string) (string, error) {
	resolved := e.resolvePath(path)
	if err := e.assertNotSymlink(resolved); err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", poloserr.Wrap(poloserr.KindTransient, err, "localenv: read file %q", path)
	}
	if sandbox.IsBinary(data) {
		return "", poloserr.New(poloserr.KindValidation, "localenv: cannot read binary file: %s", path)
	}
	return string(data), nil
}

func (e *Environment) WriteFile(ctx context.Context, path, content string) error {
	resolved := e.resolvePath(path)
	if err := e.assertPathSafe(resolved); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return poloserr.Wrap(poloserr.KindTransient, err, "localenv: create parent directory for %q", path)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return poloserr.Wrap(poloserr.KindTransient, err, "localenv: write file %q", path)
	}
	return nil
}

func (e *Environment) FileExists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(e.resolvePath(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, poloserr.Wrap(poloserr.KindTransient, err, "localenv: stat %q", path)
}

func (e *Environment) Glob(ctx context.Context, pattern string, opts *sandbox.GlobOptions) ([]string, error) {
	cwd := e.cwd
	var ignore []string
	if opts != nil {
		if opts.Cwd != "" {
			cwd = e.resolvePath(opts.Cwd)
		}
		ignore = opts.Ignore
	}

	command := fmt.Sprintf("find %s -type f -name '%s'", cwd, pattern)
	for _, ig := range ignore {
		command += fmt.Sprintf(" ! -path '%s'", ig)
	}
	command += " 2>/dev/null | sort | head -1000"

	result, err := e.Exec(ctx, command, nil)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(result.Stdout)
	if trimmed == "" {
		return nil, nil
	}
	lines := strings.Split(trimmed, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (e *Environment) Grep(ctx context.Context, pattern string, opts *sandbox.GrepOptions) ([]sandbox.GrepMatch, error) {
	cwd := e.cwd
	maxResults := 100
	var include []string
	var contextLines *int
	if opts != nil {
		if opts.Cwd != "" {
			cwd = e.resolvePath(opts.Cwd)
		}
		if opts.MaxResults > 0 {
			maxResults = opts.MaxResults
		}
		include = opts.Include
		contextLines = opts.ContextLines
	}

	command := "grep -rn"
	if contextLines != nil {
		command += fmt.Sprintf(" -C %d", *contextLines)
	}
	for _, inc := range include {
		command += fmt.Sprintf(" --include='%s'", inc)
	}
	escaped := strings.ReplaceAll(pattern, "'", `'\''`)
	command += fmt.Sprintf(" -- '%s' %s", escaped, cwd)
	command += fmt.Sprintf(" 2>/dev/null | head -%d", maxResults)

	result, err := e.Exec(ctx, command, nil)
	if err != nil {
		return nil, err
	}
	return sandbox.ParseGrepOutput(result.Stdout), nil
}

// Package dockerenv implements sandbox.ExecutionEnvironment on top of a
// persistent Docker container: commands run via "docker exec", file
// operations go through a bind-mounted host workspace (spec.md §4.8;
// grounded on original_source/sdk/python/polos/execution/docker.py, the
// Python reference this spec was distilled from, rendered against the
// Docker Go SDK rather than shelling out to the docker CLI).
package dockerenv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/polosdev/polos-go/poloserr"
	"github.com/polosdev/polos-go/sandbox"
)

// DefaultContainerWorkdir is the in-container mount point for the bind-
// mounted workspace (docker.py "DEFAULT_CONTAINER_WORKDIR").
const DefaultContainerWorkdir = "/workspace"

// DefaultTimeout bounds one Exec call when ExecOptions.Timeout is unset
// (docker.py "DEFAULT_TIMEOUT_SECONDS").
const DefaultTimeout = 300 * time.Second

// ManagedLabel flags a container as owned by this runtime, used by the
// orphan sweep's container filter (docker.py's labels dict).
const ManagedLabel = "polos.managed"

// Environment runs commands inside a persistent Docker container
// (docker.py "DockerEnvironment").
type Environment struct {
	cli *client.Client

	config           sandbox.DockerConfig
	labels           map[string]string
	containerWorkdir string
	containerName    string
	containerID      string
	maxOutputChars   int
}

// New constructs a Docker environment. cli is a shared client; the
// wiring layer owns its lifetime. labels are applied to the container at
// creation time (docker.py's labels dict: "polos.managed",
// "polos.sandbox-id", "polos.worker-id", "polos.session-id").
func New(cli *client.Client, cfg sandbox.DockerConfig, labels map[string]string, maxOutputChars int) *Environment {
	workdir := cfg.ContainerWorkdir
	if workdir == "" {
		workdir = DefaultContainerWorkdir
	}
	if maxOutputChars <= 0 {
		maxOutputChars = sandbox.DefaultMaxOutputChars
	}
	return &Environment{
		cli:              cli,
		config:           cfg,
		labels:           labels,
		containerWorkdir: workdir,
		containerName:    "polos-sandbox-" + uuid.New().String()[:8],
		maxOutputChars:   maxOutputChars,
	}
}

func (e *Environment) Type() string { return "docker" }

// Initialize creates, labels, and starts the container, then runs the
// configured setup command (docker.py "initialize").
func (e *Environment) Initialize(ctx context.Context) error {
	hostConfig := &container.HostConfig{
		Binds:       []string{fmt.Sprintf("%s:%s:rw", e.config.WorkspaceDir, e.containerWorkdir)},
		NetworkMode: container.NetworkMode(networkOrDefault(e.config.Network)),
	}
	if e.config.Memory != "" {
		if bytes, err := units.RAMInBytes(e.config.Memory); err == nil {
			hostConfig.Resources.Memory = bytes
		}
	}
	if e.config.CPUs != "" {
		if cpus, err := strconv.ParseFloat(e.config.CPUs, 64); err == nil {
			hostConfig.Resources.NanoCPUs = int64(cpus * 1e9)
		}
	}

	env := make([]string, 0, len(e.config.Env))
	for k, v := range e.config.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	cfg := &container.Config{
		Image:      e.config.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: e.containerWorkdir,
		Env:        env,
		Labels:     e.labels,
	}

	created, err := e.cli.ContainerCreate(ctx, cfg, hostConfig, nil, nil, e.containerName)
	if err != nil {
		return poloserr.Wrap(poloserr.KindTransient, err, "dockerenv: create container")
	}
	e.containerID = created.ID

	if err := e.cli.ContainerStart(ctx, e.containerID, container.StartOptions{}); err != nil {
		return poloserr.Wrap(poloserr.KindTransient, err, "dockerenv: start container")
	}

	if e.config.SetupCommand != "" {
		result, err := e.Exec(ctx, e.config.SetupCommand, nil)
		if err != nil {
			return poloserr.Wrap(poloserr.KindTransient, err, "dockerenv: setup command")
		}
		if result.ExitCode != 0 {
			return poloserr.New(poloserr.KindTransient, "dockerenv: setup command failed (exit %d): %s", result.ExitCode, strings.TrimSpace(result.Stderr))
		}
	}
	return nil
}

func networkOrDefault(network string) string {
	if network == "" {
		return "none"
	}
	return network
}

func (e *Environment) assertInitialized() error {
	if e.containerID == "" {
		return poloserr.New(poloserr.KindValidation, "dockerenv: not initialized")
	}
	return nil
}

// Exec runs command inside the container via "docker exec sh -c"
// (docker.py "exec").
func (e *Environment) Exec(ctx context.Context, command string, opts *sandbox.ExecOptions) (sandbox.ExecResult, error) {
	if err := e.assertInitialized(); err != nil {
		return sandbox.ExecResult{}, err
	}

	cwd := e.containerWorkdir
	var env []string
	var stdin string
	timeout := DefaultTimeout
	if opts != nil {
		if opts.Cwd != "" {
			cwd = opts.Cwd
		}
		for k, v := range opts.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		stdin = opts.Stdin
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	idResp, err := e.cli.ContainerExecCreate(execCtx, e.containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   cwd,
		Env:          env,
		AttachStdin:  stdin != "",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return sandbox.ExecResult{}, poloserr.Wrap(poloserr.KindTransient, err, "dockerenv: exec create")
	}

	attach, err := e.cli.ContainerExecAttach(execCtx, idResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return sandbox.ExecResult{}, poloserr.Wrap(poloserr.KindTransient, err, "dockerenv: exec attach")
	}
	defer attach.Close()

	if stdin != "" {
		_, _ = io.WriteString(attach.Conn, stdin)
		_ = attach.CloseWrite()
	}

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	start := time.Now()
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- copyErr
	}()

	var exitCode int
	select {
	case <-copyDone:
		inspect, inspectErr := e.cli.ContainerExecInspect(ctx, idResp.ID)
		if inspectErr != nil {
			return sandbox.ExecResult{}, poloserr.Wrap(poloserr.KindTransient, inspectErr, "dockerenv: exec inspect")
		}
		exitCode = inspect.ExitCode
	case <-execCtx.Done():
		stderr.WriteString("\n[Process killed: timeout exceeded]")
		exitCode = 137
	}
	durationMs := int(time.Since(start).Milliseconds())

	cleanStdout, truncated := sandbox.TruncateOutput(sandbox.StripANSI(stdout.String()), e.maxOutputChars)
	cleanStderr, _ := sandbox.TruncateOutput(sandbox.StripANSI(stderr.String()), e.maxOutputChars)

	return sandbox.ExecResult{
		ExitCode:   exitCode,
		Stdout:     cleanStdout,
		Stderr:     cleanStderr,
		DurationMs: durationMs,
		Truncated:  truncated,
	}, nil
}

// toHostPath translates a container path to the bind-mounted host path,
// rejecting traversal outside the container workdir (docker.py
// "to_host_path").
func (e *Environment) toHostPath(containerPath string) (string, error) {
	resolved := path.Join(e.containerWorkdir, containerPath)
	resolved = path.Clean(resolved)
	if !strings.HasPrefix(resolved, e.containerWorkdir) {
		return "", poloserr.New(poloserr.KindValidation, "dockerenv: path traversal detected: %q resolves outside workspace", containerPath)
	}
	rel, err := filepath.Rel(e.containerWorkdir, resolved)
	if err != nil {
		return "", poloserr.Wrap(poloserr.KindValidation, err, "dockerenv: resolve relative path")
	}
	return filepath.Join(e.config.WorkspaceDir, rel), nil
}

func (e *Environment) ReadFile(ctx context.Context, filePath string) (string, error) {
	host, err := e.toHostPath(filePath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return "", poloserr.Wrap(poloserr.KindTransient, err, "dockerenv: read file %q", filePath)
	}
	if sandbox.IsBinary(data) {
		return "", poloserr.New(poloserr.KindValidation, "dockerenv: cannot read binary file: %s", filePath)
	}
	return string(data), nil
}

func (e *Environment) WriteFile(ctx context.Context, filePath, content string) error {
	host, err := e.toHostPath(filePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return poloserr.Wrap(poloserr.KindTransient, err, "dockerenv: create parent directory for %q", filePath)
	}
	if err := os.WriteFile(host, []byte(content), 0o644); err != nil {
		return poloserr.Wrap(poloserr.KindTransient, err, "dockerenv: write file %q", filePath)
	}
	return nil
}

func (e *Environment) FileExists(ctx context.Context, filePath string) (bool, error) {
	host, err := e.toHostPath(filePath)
	if err != nil {
		return false, err
	}
	if _, statErr := os.Stat(host); statErr != nil {
		if os.IsNotExist(statErr) {
			return false, nil
		}
		return false, poloserr.Wrap(poloserr.KindTransient, statErr, "dockerenv: stat %q", filePath)
	}
	return true, nil
}

func (e *Environment) Glob(ctx context.Context, pattern string, opts *sandbox.GlobOptions) ([]string, error) {
	cwd := e.containerWorkdir
	var ignore []string
	if opts != nil {
		if opts.Cwd != "" {
			cwd = opts.Cwd
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
	var out []string
	for _, l := range strings.Split(trimmed, "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

func (e *Environment) Grep(ctx context.Context, pattern string, opts *sandbox.GrepOptions) ([]sandbox.GrepMatch, error) {
	cwd := e.containerWorkdir
	maxResults := 100
	var include []string
	var contextLines *int
	if opts != nil {
		if opts.Cwd != "" {
			cwd = opts.Cwd
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

func (e *Environment) Destroy(ctx context.Context) error {
	if e.containerID == "" {
		return nil
	}
	err := e.cli.ContainerRemove(ctx, e.containerID, container.RemoveOptions{Force: true})
	e.containerID = ""
	if err != nil {
		return poloserr.Wrap(poloserr.KindTransient, err, "dockerenv: remove container")
	}
	return nil
}

func (e *Environment) GetCwd() string { return e.containerWorkdir }

func (e *Environment) GetInfo() sandbox.EnvironmentInfo {
	return sandbox.EnvironmentInfo{Type: "docker", Cwd: e.containerWorkdir, SandboxID: e.containerID}
}

// ContainerLister implements sandbox.ContainerLister against the Docker
// API, replacing the reference implementation's `docker ps`/`docker rm`
// subprocess calls (sandbox_manager.py "_sweep_orphan_containers").
type ContainerLister struct {
	cli *client.Client
}

// NewContainerLister constructs a sandbox.ContainerLister backed by cli.
func NewContainerLister(cli *client.Client) *ContainerLister {
	return &ContainerLister{cli: cli}
}

func (l *ContainerLister) ListManaged(ctx context.Context) ([]sandbox.ManagedContainer, error) {
	f := filters.NewArgs(filters.Arg("label", ManagedLabel+"=true"))
	containers, err := l.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, poloserr.Wrap(poloserr.KindTransient, err, "dockerenv: list managed containers")
	}
	out := make([]sandbox.ManagedContainer, 0, len(containers))
	for _, c := range containers {
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, sandbox.ManagedContainer{
			ID:        c.ID,
			Name:      name,
			WorkerID:  c.Labels["polos.worker-id"],
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

func (l *ContainerLister) ForceRemove(ctx context.Context, containerID string) error {
	if err := l.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return poloserr.Wrap(poloserr.KindTransient, err, "dockerenv: force remove container %q", containerID)
	}
	return nil
}

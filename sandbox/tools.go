package sandbox

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/polosdev/polos-go/execctx"
	"github.com/polosdev/polos-go/poloserr"
	"github.com/polosdev/polos-go/step"
	"github.com/polosdev/polos-go/workflow"
)

// Toolset builds the exec/read/write/edit/glob/grep tool descriptors
// sharing one lazily-initialized environment per root execution
// (sandbox_tools.py "sandbox_tools"). idPrefix namespaces the resulting
// workflow.Descriptor IDs so multiple agents can each register their own
// sandbox tools without ID collisions.
type Toolset struct {
	idPrefix string
	manager  *Manager
	config   ToolsConfig
	engine   *step.Engine

	mu    sync.Mutex
	cache map[string]ExecutionEnvironment
}

// NewToolset constructs a Toolset. Call Descriptors to obtain the
// registerable workflow.Descriptor units for whichever tool names
// cfg.Tools selects (default: all six).
func NewToolset(idPrefix string, manager *Manager, cfg ToolsConfig, engine *step.Engine) *Toolset {
	return &Toolset{
		idPrefix: idPrefix,
		manager:  manager,
		config:   cfg,
		engine:   engine,
		cache:    make(map[string]ExecutionEnvironment),
	}
}

// getEnv returns the shared environment for the calling execution's root
// execution, creating it on first use and serializing concurrent
// creators (sandbox_tools.py "get_env").
func (t *Toolset) getEnv(ctx *execctx.Context) (ExecutionEnvironment, error) {
	key := ctx.Identity.RootExecutionID
	if key == "" {
		key = ctx.Identity.ExecutionID
	}

	// Serializes concurrent tool calls from the same execution onto one
	// sandbox creation (sandbox_tools.py: per-root-execution asyncio.Lock).
	t.mu.Lock()
	defer t.mu.Unlock()
	if env, ok := t.cache[key]; ok {
		return env, nil
	}

	sb, err := t.manager.GetOrCreateSandbox(ctx, t.config, key, ctx.Identity.SessionID)
	if err != nil {
		return nil, err
	}
	env, err := sb.GetEnvironment(ctx)
	if err != nil {
		return nil, err
	}
	t.cache[key] = env
	return env, nil
}

func (t *Toolset) includes(name string) bool {
	if len(t.config.Tools) == 0 {
		return true
	}
	for _, n := range t.config.Tools {
		if n == name {
			return true
		}
	}
	return false
}

// pathRestriction returns the directory the file tools
// (read/write/edit/glob/grep) may access without approval, or "" when unrestricted (sandbox_tools.py:
// "path_config ... used by read, write, edit, glob, grep").
func (t *Toolset) pathRestriction() string {
	if t.config.Local != nil && t.config.Local.PathRestriction != "" {
		return t.config.Local.PathRestriction
	}
	return ""
}

// Descriptors returns the workflow.Descriptor for every tool this
// Toolset's config selects.
func (t *Toolset) Descriptors() []*workflow.Descriptor {
	var descs []*workflow.Descriptor
	if t.includes("exec") {
		descs = append(descs, t.execDescriptor())
	}
	if t.includes("read") {
		descs = append(descs, t.readDescriptor())
	}
	if t.includes("write") {
		descs = append(descs, t.writeDescriptor())
	}
	if t.includes("edit") {
		descs = append(descs, t.editDescriptor())
	}
	if t.includes("glob") {
		descs = append(descs, t.globDescriptor())
	}
	if t.includes("grep") {
		descs = append(descs, t.grepDescriptor())
	}
	return descs
}

func (t *Toolset) id(name string) string {
	return t.idPrefix + "_" + name
}

func decodeInput[T any](payload any) (T, error) {
	var v T
	if payload == nil {
		return v, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return v, poloserr.Wrap(poloserr.KindValidation, err, "sandbox: marshal tool payload")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, poloserr.Wrap(poloserr.KindValidation, err, "sandbox: decode tool payload")
	}
	return v, nil
}

// requirePathApproval suspends for user approval when targetPath falls
// outside restriction, raising on rejection (tools/path_approval.py
// "require_path_approval").
func requirePathApproval(ctx *execctx.Context, eng *step.Engine, toolName, targetPath, restriction string) error {
	approvalID, err := step.UUID(ctx, eng, "_approval_id")
	if err != nil {
		return err
	}
	form, _ := json.Marshal(map[string]any{
		"_form": map[string]any{
			"title":       fmt.Sprintf("%s: access outside workspace", toolName),
			"description": fmt.Sprintf("The agent wants to %s a path outside the workspace.", toolName),
			"fields": []map[string]any{
				{"key": "approved", "type": "boolean", "label": "Allow this operation?", "required": true, "default": false},
				{"key": "feedback", "type": "textarea", "label": "Feedback for the agent (optional)", "required": false},
			},
			"context": map[string]any{"tool": toolName, "path": targetPath, "restriction": restriction},
		},
		"_source": "path_approval",
		"_tool":   toolName,
	})
	resp, err := step.Suspend[approvalResponse](ctx, eng, "approve_"+toolName+"_"+approvalID, form, 0)
	if err != nil {
		return err
	}
	if !resp.Approved {
		msg := fmt.Sprintf("Access to %q was rejected by the user.", targetPath)
		if resp.Feedback != "" {
			msg += " Feedback: " + resp.Feedback
		}
		return poloserr.New(poloserr.KindValidation, "%s", msg)
	}
	return nil
}

// approvalResponse is the shape of the data a resume_<step_key> event
// carries back into a suspended exec/path approval (tools/exec.py
// "_request_approval", tools/path_approval.py "require_path_approval").
type approvalResponse struct {
	Approved    bool   `json:"approved"`
	AllowAlways bool   `json:"allow_always"`
	Feedback    string `json:"feedback"`
}

func isPathAllowed(resolved, restriction string) bool {
	abs, err := filepath.Abs(restriction)
	if err != nil {
		return false
	}
	return IsWithinRestriction(resolved, abs)
}

func resolveAgainst(cwd, p string) string {
	abs, err := filepath.Abs(filepath.Join(cwd, p))
	if err != nil {
		return filepath.Join(cwd, p)
	}
	return abs
}

// --- read -------------------------------------------------------------

type readInput struct {
	Path   string `json:"path"`
	Offset *int   `json:"offset,omitempty"`
	Limit  *int   `json:"limit,omitempty"`
}

func (t *Toolset) readDescriptor() *workflow.Descriptor {
	return &workflow.Descriptor{
		ID:   t.id("read"),
		Kind: workflow.KindTool,
		Handler: func(ctx *execctx.Context, payload any) (any, error) {
			in, err := decodeInput[readInput](payload)
			if err != nil {
				return nil, err
			}
			env, err := t.getEnv(ctx)
			if err != nil {
				return nil, err
			}

			if restriction := t.pathRestriction(); restriction != "" {
				resolved := resolveAgainst(env.GetCwd(), in.Path)
				if !isPathAllowed(resolved, restriction) {
					if err := requirePathApproval(ctx, t.engine, "read", resolved, restriction); err != nil {
						return nil, err
					}
				}
			}

			content, err := env.ReadFile(ctx, in.Path)
			if err != nil {
				return nil, err
			}
			if in.Offset != nil || in.Limit != nil {
				lines := strings.Split(content, "\n")
				start := 0
				if in.Offset != nil {
					start = *in.Offset
				}
				end := len(lines)
				if in.Limit != nil {
					end = start + *in.Limit
					if end > len(lines) {
						end = len(lines)
					}
				}
				if start > len(lines) {
					start = len(lines)
				}
				content = strings.Join(lines[start:end], "\n")
			}
			return map[string]any{"content": content, "path": in.Path}, nil
		},
	}
}

// --- write --------------------------------------------------------------

type writeInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *Toolset) writeDescriptor() *workflow.Descriptor {
	return &workflow.Descriptor{
		ID:   t.id("write"),
		Kind: workflow.KindTool,
		Handler: func(ctx *execctx.Context, payload any) (any, error) {
			in, err := decodeInput[writeInput](payload)
			if err != nil {
				return nil, err
			}
			env, err := t.getEnv(ctx)
			if err != nil {
				return nil, err
			}
			if err := t.gateFileMutation(ctx, env, "write", in.Path); err != nil {
				return nil, err
			}
			if err := env.WriteFile(ctx, in.Path, in.Content); err != nil {
				return nil, err
			}
			return map[string]any{"success": true, "path": in.Path}, nil
		},
	}
}

// --- edit -----------------------------------------------------------------

type editInput struct {
	Path    string `json:"path"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

func (t *Toolset) editDescriptor() *workflow.Descriptor {
	return &workflow.Descriptor{
		ID:   t.id("edit"),
		Kind: workflow.KindTool,
		Handler: func(ctx *execctx.Context, payload any) (any, error) {
			in, err := decodeInput[editInput](payload)
			if err != nil {
				return nil, err
			}
			env, err := t.getEnv(ctx)
			if err != nil {
				return nil, err
			}
			if err := t.gateFileMutation(ctx, env, "edit", in.Path); err != nil {
				return nil, err
			}
			content, err := env.ReadFile(ctx, in.Path)
			if err != nil {
				return nil, err
			}
			if !strings.Contains(content, in.OldText) {
				return nil, poloserr.New(poloserr.KindValidation, "sandbox: old_text not found in %s. Make sure the text matches exactly, including whitespace and indentation.", in.Path)
			}
			newContent := strings.Replace(content, in.OldText, in.NewText, 1)
			if err := env.WriteFile(ctx, in.Path, newContent); err != nil {
				return nil, err
			}
			return map[string]any{"success": true, "path": in.Path}, nil
		},
	}
}

// gateFileMutation implements the write/edit approval precedence:
// FileApproval overrides path restriction entirely; absent that, a path
// restriction gates paths outside it (sandbox_tools.py: "file_approval
// overrides path-restriction behavior for write/edit").
func (t *Toolset) gateFileMutation(ctx *execctx.Context, env ExecutionEnvironment, toolName, path string) error {
	switch t.config.FileApproval {
	case ApprovalAlways:
		return requirePathApproval(ctx, t.engine, toolName, resolveAgainst(env.GetCwd(), path), env.GetCwd())
	case ApprovalNone:
		return nil
	}
	if restriction := t.pathRestriction(); restriction != "" {
		resolved := resolveAgainst(env.GetCwd(), path)
		if !isPathAllowed(resolved, restriction) {
			return requirePathApproval(ctx, t.engine, toolName, resolved, restriction)
		}
	}
	return nil
}

// --- glob -------------------------------------------------------------

type globInput struct {
	Pattern string   `json:"pattern"`
	Cwd     string   `json:"cwd,omitempty"`
	Ignore  []string `json:"ignore,omitempty"`
}

func (t *Toolset) globDescriptor() *workflow.Descriptor {
	return &workflow.Descriptor{
		ID:   t.id("glob"),
		Kind: workflow.KindTool,
		Handler: func(ctx *execctx.Context, payload any) (any, error) {
			in, err := decodeInput[globInput](payload)
			if err != nil {
				return nil, err
			}
			env, err := t.getEnv(ctx)
			if err != nil {
				return nil, err
			}
			if restriction := t.pathRestriction(); restriction != "" && in.Cwd != "" {
				resolved := resolveAgainst(env.GetCwd(), in.Cwd)
				if !isPathAllowed(resolved, restriction) {
					if err := requirePathApproval(ctx, t.engine, "glob", resolved, restriction); err != nil {
						return nil, err
					}
				}
			}
			files, err := env.Glob(ctx, in.Pattern, &GlobOptions{Cwd: in.Cwd, Ignore: in.Ignore})
			if err != nil {
				return nil, err
			}
			return map[string]any{"files": files}, nil
		},
	}
}

// --- grep -------------------------------------------------------------

type grepInput struct {
	Pattern      string   `json:"pattern"`
	Cwd          string   `json:"cwd,omitempty"`
	Include      []string `json:"include,omitempty"`
	MaxResults   int      `json:"max_results,omitempty"`
	ContextLines *int     `json:"context_lines,omitempty"`
}

func (t *Toolset) grepDescriptor() *workflow.Descriptor {
	return &workflow.Descriptor{
		ID:   t.id("grep"),
		Kind: workflow.KindTool,
		Handler: func(ctx *execctx.Context, payload any) (any, error) {
			in, err := decodeInput[grepInput](payload)
			if err != nil {
				return nil, err
			}
			env, err := t.getEnv(ctx)
			if err != nil {
				return nil, err
			}
			if restriction := t.pathRestriction(); restriction != "" && in.Cwd != "" {
				resolved := resolveAgainst(env.GetCwd(), in.Cwd)
				if !isPathAllowed(resolved, restriction) {
					if err := requirePathApproval(ctx, t.engine, "grep", resolved, restriction); err != nil {
						return nil, err
					}
				}
			}
			matches, err := env.Grep(ctx, in.Pattern, &GrepOptions{
				Cwd: in.Cwd, Include: in.Include, MaxResults: in.MaxResults, ContextLines: in.ContextLines,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"matches": matches}, nil
		},
	}
}

// --- exec -----------------------------------------------------------------

type execInput struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout int               `json:"timeout,omitempty"`
}

func (t *Toolset) execDescriptor() *workflow.Descriptor {
	return &workflow.Descriptor{
		ID:   t.id("exec"),
		Kind: workflow.KindTool,
		Handler: func(ctx *execctx.Context, payload any) (any, error) {
			in, err := decodeInput[execInput](payload)
			if err != nil {
				return nil, err
			}
			env, err := t.getEnv(ctx)
			if err != nil {
				return nil, err
			}

			security := t.effectiveExecSecurity(env)
			var allowlist []string
			var configuredTimeout time.Duration
			if t.config.Exec != nil {
				allowlist = t.config.Exec.Allowlist
				configuredTimeout = t.config.Exec.Timeout
			}

			switch security {
			case SecurityApprovalAlways:
				approved, feedback, err := requestExecApproval(ctx, t.engine, in.Command, env)
				if err != nil {
					return nil, err
				}
				if !approved {
					return rejectedResult(in.Command, feedback), nil
				}
			case SecurityAllowlist:
				if !EvaluateAllowlist(in.Command, allowlist) {
					approved, feedback, err := requestExecApproval(ctx, t.engine, in.Command, env)
					if err != nil {
						return nil, err
					}
					if !approved {
						return rejectedResult(in.Command, feedback), nil
					}
				}
			}

			timeout := configuredTimeout
			if in.Timeout > 0 {
				timeout = time.Duration(in.Timeout) * time.Second
			}
			result, err := env.Exec(ctx, in.Command, &ExecOptions{
				Cwd: in.Cwd, Env: in.Env, Timeout: timeout,
			})
			if err != nil {
				return nil, err
			}
			return result, nil
		},
	}
}

// effectiveExecSecurity defaults local-environment execution to
// approval-always, since it has no container isolation, unless the
// caller explicitly set a security mode (sandbox_tools.py: "For local
// mode, default exec security to 'approval-always'").
func (t *Toolset) effectiveExecSecurity(env ExecutionEnvironment) Security {
	if t.config.Exec != nil && t.config.Exec.Security != "" {
		return t.config.Exec.Security
	}
	if env.Type() == "local" {
		return SecurityApprovalAlways
	}
	return SecurityAllowAlways
}

func requestExecApproval(ctx *execctx.Context, eng *step.Engine, command string, env ExecutionEnvironment) (approved bool, feedback string, err error) {
	info := env.GetInfo()
	approvalID, err := step.UUID(ctx, eng, "_approval_id")
	if err != nil {
		return false, "", err
	}
	form, _ := json.Marshal(map[string]any{
		"_form": map[string]any{
			"title":       "Approve command execution",
			"description": fmt.Sprintf("The agent wants to run a shell command in the %s environment.", info.Type),
			"fields": []map[string]any{
				{"key": "approved", "type": "boolean", "label": "Approve this command?", "required": true, "default": false},
				{"key": "allow_always", "type": "boolean", "label": "Always allow this command in the future?", "required": false, "default": false},
				{"key": "feedback", "type": "textarea", "label": "Feedback for the agent (optional)", "required": false},
			},
			"context": map[string]any{"command": command, "cwd": env.GetCwd(), "environment": info.Type},
		},
		"_source": "exec_security",
		"_tool":   "exec",
	})
	resp, err := step.Suspend[approvalResponse](ctx, eng, "approve_exec_"+approvalID, form, 0)
	if err != nil {
		return false, "", err
	}
	return resp.Approved, resp.Feedback, nil
}

func rejectedResult(command, feedback string) ExecResult {
	stderr := "Command rejected by user: " + command
	if feedback != "" {
		stderr += "\nUser feedback: " + feedback
	}
	return ExecResult{ExitCode: -1, Stdout: "", Stderr: stderr, DurationMs: 0, Truncated: false}
}

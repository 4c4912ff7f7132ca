// Package wiring builds a sandbox.EnvironmentFactory and
// sandbox.ContainerLister backed by the concrete localenv/dockerenv
// implementations. It exists as a separate package so sandbox itself
// never imports its own backends (dockerenv and localenv both import
// sandbox for the shared types and ExecutionEnvironment interface).
package wiring

import (
	"context"

	"github.com/docker/docker/client"

	"github.com/polosdev/polos-go/poloserr"
	"github.com/polosdev/polos-go/sandbox"
	"github.com/polosdev/polos-go/sandbox/dockerenv"
	"github.com/polosdev/polos-go/sandbox/localenv"
)

// NewEnvironmentFactory returns a sandbox.EnvironmentFactory that builds
// a localenv.Environment or dockerenv.Environment per cfg.Env and calls
// Initialize on the result (sandbox_manager.py's factory dispatch,
// inlined into sandbox.py's "_initialize_environment"). cli may be nil
// when the deployment never requests env: docker; the factory then
// errors only if a docker sandbox is actually requested.
func NewEnvironmentFactory(cli *client.Client) sandbox.EnvironmentFactory {
	return func(ctx context.Context, cfg sandbox.ToolsConfig, sandboxID, workerID, sessionID string) (sandbox.ExecutionEnvironment, error) {
		maxOutputChars := sandbox.DefaultMaxOutputChars
		if cfg.Exec != nil && cfg.Exec.MaxOutputChars > 0 {
			maxOutputChars = cfg.Exec.MaxOutputChars
		}

		switch cfg.Env {
		case sandbox.EnvLocal, "":
			localCfg := sandbox.LocalConfig{}
			if cfg.Local != nil {
				localCfg = *cfg.Local
			}
			if cfg.Cwd != "" && localCfg.WorkspaceDir == "" {
				localCfg.WorkspaceDir = cfg.Cwd
			}
			env, err := localenv.New(localCfg, maxOutputChars)
			if err != nil {
				return nil, err
			}
			if err := env.Initialize(ctx); err != nil {
				return nil, err
			}
			return env, nil

		case sandbox.EnvDocker:
			if cli == nil {
				return nil, poloserr.New(poloserr.KindValidation, "sandbox: docker environment requested but no Docker client is configured")
			}
			if cfg.Docker == nil {
				return nil, poloserr.New(poloserr.KindValidation, "sandbox: env=docker requires a docker config")
			}
			labels := map[string]string{
				dockerenv.ManagedLabel: "true",
				"polos.sandbox-id":     sandboxID,
				"polos.worker-id":      workerID,
			}
			if sessionID != "" {
				labels["polos.session-id"] = sessionID
			}
			env := dockerenv.New(cli, *cfg.Docker, labels, maxOutputChars)
			if err := env.Initialize(ctx); err != nil {
				return nil, err
			}
			return env, nil

		default:
			return nil, poloserr.New(poloserr.KindValidation, "sandbox: unsupported environment %q", cfg.Env)
		}
	}
}

// NewContainerLister returns a sandbox.ContainerLister backed by cli, or
// nil when cli is nil (disabling the orphan-container sweep phase).
func NewContainerLister(cli *client.Client) sandbox.ContainerLister {
	if cli == nil {
		return nil
	}
	return dockerenv.NewContainerLister(cli)
}

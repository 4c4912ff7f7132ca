// Package config loads the POLOS_* environment variables described in
// spec.md §6 into a typed Config. It layers a best-effort .env load
// (github.com/joho/godotenv, grounded on kadirpekel-hector's config
// loader) under plain os.Getenv reads, matching the teacher's preference
// for small explicit option structs over a heavyweight config framework.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every POLOS_* setting with its documented default.
type Config struct {
	APIURL         string
	APIKey         string
	ProjectID      string
	DeploymentID   string
	WorkerServerURL string
	MaxConcurrentWorkflows int
	LocalMode      bool
	WaitThreshold  time.Duration
	AgentMaxSteps  int
	WorkspacesDir  string
	OtelEnabled    bool
	OtelServiceName string
}

// Load reads configuration from the environment, first attempting to
// populate os.Environ from a local .env file (ignored if absent).
// ProjectID and DeploymentID are required; Load returns an error if
// either is missing.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		APIURL:                 getEnv("POLOS_API_URL", "http://localhost:8080"),
		APIKey:                 getEnv("POLOS_API_KEY", ""),
		ProjectID:              getEnv("POLOS_PROJECT_ID", ""),
		DeploymentID:           getEnv("POLOS_DEPLOYMENT_ID", ""),
		WorkerServerURL:        getEnv("POLOS_WORKER_SERVER_URL", "http://localhost:8000"),
		MaxConcurrentWorkflows: getEnvInt("POLOS_MAX_CONCURRENT_WORKFLOWS", 100),
		LocalMode:              getEnvBool("POLOS_LOCAL_MODE", false),
		WaitThreshold:          time.Duration(getEnvInt("POLOS_WAIT_THRESHOLD_SECONDS", 10)) * time.Second,
		AgentMaxSteps:          getEnvInt("POLOS_AGENT_MAX_STEPS", 10),
		WorkspacesDir:          getEnv("POLOS_WORKSPACES_DIR", defaultWorkspacesDir()),
		OtelEnabled:            getEnvBool("POLOS_OTEL_ENABLED", true),
		OtelServiceName:        getEnv("POLOS_OTEL_SERVICE_NAME", "polos"),
	}

	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("config: POLOS_PROJECT_ID is required")
	}
	if cfg.DeploymentID == "" {
		return nil, fmt.Errorf("config: POLOS_DEPLOYMENT_ID is required")
	}
	if cfg.LocalMode && !isLocalhost(cfg.APIURL) {
		return nil, fmt.Errorf("config: POLOS_LOCAL_MODE requires a localhost POLOS_API_URL, got %q", cfg.APIURL)
	}
	return cfg, nil
}

func isLocalhost(rawURL string) bool {
	return strings.Contains(rawURL, "://localhost") || strings.Contains(rawURL, "://127.0.0.1")
}

func defaultWorkspacesDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".polos/workspaces"
	}
	return home + "/.polos/workspaces"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

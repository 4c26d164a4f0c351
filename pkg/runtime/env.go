package runtime

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/kadirpekel/cascade/pkg/model"
)

// Environment variables read by FromEnv. Providers and tools are code, not
// configuration, so the embedder still registers those itself.
const (
	EnvCascadeDir      = "CASCADE_DIR"
	EnvDBDriver        = "CASCADE_DB_DRIVER" // sqlite3, postgres, mysql
	EnvDBDSN           = "CASCADE_DB_DSN"
	EnvMaxWorkers      = "CASCADE_MAX_WORKERS"
	EnvToolParallelism = "CASCADE_TOOL_PARALLELISM"
	EnvMaxDepth        = "CASCADE_MAX_DEPTH"
	EnvMaxSessions     = "CASCADE_MAX_SESSIONS"
	EnvPython          = "CASCADE_PYTHON"
	EnvAnalyticsOff    = "CASCADE_ANALYTICS_DISABLED"

	// envTemplatePrefix marks variables exposed to cell templates: a
	// CASCADE_ENV_REGION=eu-1 becomes {{ env.REGION }}.
	envTemplatePrefix = "CASCADE_ENV_"
)

// FromEnv builds a Config from the process environment, loading a .env file
// first when one exists. The returned config still needs Models (and
// usually Tools) filled in by the embedder.
func FromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("runtime: load .env: %w", err)
	}

	cfg := Config{
		CascadeDir: os.Getenv(EnvCascadeDir),
		Python:     os.Getenv(EnvPython),
		Env:        templateEnv(os.Environ()),
	}

	var err error
	if cfg.MaxWorkers, err = envInt(EnvMaxWorkers); err != nil {
		return Config{}, err
	}
	if cfg.ToolParallelism, err = envInt(EnvToolParallelism); err != nil {
		return Config{}, err
	}
	if cfg.MaxDepth, err = envInt(EnvMaxDepth); err != nil {
		return Config{}, err
	}
	if cfg.MaxSessions, err = envInt(EnvMaxSessions); err != nil {
		return Config{}, err
	}
	if truthy(os.Getenv(EnvAnalyticsOff)) {
		cfg.Analytics.Disabled = true
	}

	if driver := os.Getenv(EnvDBDriver); driver != "" {
		dsn := os.Getenv(EnvDBDSN)
		if dsn == "" {
			return Config{}, fmt.Errorf("runtime: %s is set but %s is empty", EnvDBDriver, EnvDBDSN)
		}
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return Config{}, fmt.Errorf("runtime: open %s store: %w", driver, err)
		}
		cfg.DB = db
		cfg.Dialect = dialectFor(driver)
	}

	return cfg, nil
}

// Local assembles a Runtime from the process environment plus the given
// model registry. Shorthand for FromEnv followed by New.
func Local(models *model.Registry) (*Runtime, error) {
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	cfg.Models = models
	return New(cfg)
}

// dialectFor maps a database/sql driver name to the store dialect.
func dialectFor(driver string) string {
	switch driver {
	case "sqlite3":
		return "sqlite"
	default:
		return driver
	}
}

func templateEnv(environ []string) map[string]string {
	var out map[string]string
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envTemplatePrefix) {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[strings.TrimPrefix(name, envTemplatePrefix)] = value
	}
	return out
}

func envInt(name string) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("runtime: %s=%q is not an integer", name, raw)
	}
	return n, nil
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

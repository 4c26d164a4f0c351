// Package runtime assembles the engine: it wires the prompt engine, run
// log, session stores, tool registry, cell loop, candidate engine,
// scheduler, checkpoint broker, branch manager, and analytics worker into
// one embeddable unit. Embedders construct a Runtime, register providers
// and tools, and call Run.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kadirpekel/cascade/pkg/analytics"
	"github.com/kadirpekel/cascade/pkg/branch"
	"github.com/kadirpekel/cascade/pkg/candidate"
	"github.com/kadirpekel/cascade/pkg/cascade"
	"github.com/kadirpekel/cascade/pkg/cell"
	"github.com/kadirpekel/cascade/pkg/checkpoint"
	"github.com/kadirpekel/cascade/pkg/deterministic"
	"github.com/kadirpekel/cascade/pkg/echo"
	"github.com/kadirpekel/cascade/pkg/model"
	"github.com/kadirpekel/cascade/pkg/pool"
	"github.com/kadirpekel/cascade/pkg/prompt"
	"github.com/kadirpekel/cascade/pkg/runlog"
	"github.com/kadirpekel/cascade/pkg/scheduler"
	"github.com/kadirpekel/cascade/pkg/tool"
)

// Config assembles a Runtime. Models is the only required dependency;
// everything else defaults to in-memory wiring.
type Config struct {
	// Models resolves model names to providers. Required, with at least one
	// provider registered and a default set.
	Models *model.Registry

	// Tools is the deterministic and LLM-facing tool registry. Nil creates
	// an empty one; register tools through Tools() afterwards.
	Tools *tool.Registry

	// CascadeDir is a directory of cascade YAML definitions loaded at
	// startup and resolvable by id. Optional; cascades can also be
	// registered programmatically.
	CascadeDir string

	// DB, when set, persists the run log, session snapshots, checkpoints,
	// and analytics to SQL under the given dialect (postgres, mysql,
	// sqlite). Nil keeps everything in process memory.
	DB      *sql.DB
	Dialect string

	// Env is exposed to cell templates as {{ env.* }}.
	Env map[string]string

	// MaxWorkers bounds parallel candidate variants across all cascades.
	// Default 8.
	MaxWorkers int

	// ToolParallelism bounds per-turn parallel-safe tool dispatch. Default 4.
	ToolParallelism int

	// MaxDepth bounds sub-cascade nesting. Default 8.
	MaxDepth int

	// MaxSessions bounds the in-process session cache. Evicted sessions are
	// snapshotted to the session store first, so later runs restore them.
	// Default echo.DefaultMaxSessions.
	MaxSessions int

	// Retry bounds transient provider retries per turn.
	Retry cell.RetryConfig

	// Selector filters the registry for manifest-mode cells.
	Selector tool.Selector

	// LogConfig tunes the run log writer.
	LogConfig runlog.LoggerConfig

	// Analytics toggles the post-run analytics worker. Default on; set
	// Disabled to skip it entirely.
	Analytics AnalyticsConfig

	// Python is the interpreter for python: deterministic targets.
	Python string

	// Logger is the structured logger; defaults to slog.Default.
	Logger *slog.Logger
}

// AnalyticsConfig tunes the background analytics worker.
type AnalyticsConfig struct {
	Disabled  bool
	Workers   int
	QueueSize int
}

// DefaultMaxWorkers is the default candidate pool size.
const DefaultMaxWorkers = 8

// Runtime is the assembled engine.
type Runtime struct {
	cfg Config
	log *slog.Logger

	runLog    *runlog.Logger
	runStore  analytics.RunLogReader
	sessions  *echo.Manager
	echoStore echo.Store
	broker    *checkpoint.Broker
	sched     *scheduler.Scheduler
	worker    *analytics.Worker
	branches  *branch.Manager

	mu       sync.RWMutex
	cascades map[string]*cascade.Cascade

	closeOnce sync.Once
	closeErr  error
}

// New wires a Runtime from the config. The construction order follows the
// dependency graph: stores, run log, cell loop, candidate engine,
// scheduler, then the surfaces that hang off the scheduler.
func New(cfg Config) (*Runtime, error) {
	if cfg.Models == nil {
		return nil, errors.New("runtime: model registry is required")
	}
	if cfg.Tools == nil {
		cfg.Tools = tool.NewRegistry()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rt := &Runtime{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "runtime"),
		cascades: make(map[string]*cascade.Cascade),
	}
	rt.sessions = echo.NewManagerSized(cfg.MaxSessions, rt.evictSession)

	var (
		logStore       runlog.Store
		analyticsStore analytics.Store
		err            error
	)
	if cfg.DB != nil {
		sqlLog, err := runlog.NewSQLStore(cfg.DB, cfg.Dialect)
		if err != nil {
			return nil, fmt.Errorf("runtime: run log store: %w", err)
		}
		logStore, rt.runStore = sqlLog, sqlLog
		rt.echoStore, err = echo.NewSQLStore(cfg.DB, cfg.Dialect)
		if err != nil {
			return nil, fmt.Errorf("runtime: session store: %w", err)
		}
		analyticsStore, err = analytics.NewSQLStore(cfg.DB, cfg.Dialect)
		if err != nil {
			return nil, fmt.Errorf("runtime: analytics store: %w", err)
		}
	} else {
		memLog := runlog.NewMemoryStore()
		logStore, rt.runStore = memLog, memLog
		rt.echoStore = echo.NewMemoryStore()
		analyticsStore = analytics.NewMemoryStore()
	}
	rt.runLog = runlog.NewLogger(logStore, cfg.LogConfig)

	var checkpointStore checkpoint.Store
	if cfg.DB != nil {
		checkpointStore, err = checkpoint.NewSQLStore(cfg.DB, cfg.Dialect)
		if err != nil {
			return nil, fmt.Errorf("runtime: checkpoint store: %w", err)
		}
	} else {
		checkpointStore = checkpoint.NewMemoryStore()
	}
	rt.broker, err = checkpoint.New(checkpoint.Config{
		Store:  checkpointStore,
		Log:    rt.runLog,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	// The cell loop needs the Launcher before the scheduler exists; bind it
	// late through the runtime itself.
	engine := prompt.New()
	loop, err := cell.New(cell.Config{
		Models:          cfg.Models,
		Engine:          engine,
		Log:             rt.runLog,
		Registry:        cfg.Tools,
		Selector:        cfg.Selector,
		Decider:         rt.broker,
		Launcher:        lateLauncher{rt},
		Retry:           cfg.Retry,
		ToolParallelism: cfg.ToolParallelism,
		Logger:          cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	cands, err := candidate.New(candidate.Config{
		Loop:   loop,
		Engine: engine,
		Pool:   pool.New(cfg.MaxWorkers),
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	executor, err := deterministic.New(deterministic.Config{
		Registry: cfg.Tools,
		Engine:   engine,
		DB:       cfg.DB,
		BaseDir:  cfg.CascadeDir,
		Python:   cfg.Python,
		Log:      rt.runLog,
	})
	if err != nil {
		return nil, err
	}

	if !cfg.Analytics.Disabled {
		rt.worker, err = analytics.New(analytics.Config{
			RunLog:    rt.runStore,
			Store:     analyticsStore,
			Workers:   cfg.Analytics.Workers,
			QueueSize: cfg.Analytics.QueueSize,
			Logger:    cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
	}

	var onCompletion func(string)
	if rt.worker != nil {
		onCompletion = rt.worker.Enqueue
	}

	rt.sched, err = scheduler.New(scheduler.Config{
		Candidates:   cands,
		Executor:     executor,
		Engine:       engine,
		Log:          rt.runLog,
		Library:      scheduler.LibraryFunc(rt.Resolve),
		Store:        rt.echoStore,
		OnCompletion: onCompletion,
		Env:          cfg.Env,
		MaxDepth:     cfg.MaxDepth,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	rt.branches, err = branch.New(branch.Config{
		Checkpoints: checkpointStore,
		Sessions:    rt.echoStore,
		Scheduler:   rt.sched,
		Library:     scheduler.LibraryFunc(rt.Resolve),
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.CascadeDir != "" {
		loaded, err := cascade.LoadDir(cfg.CascadeDir)
		if err != nil {
			return nil, err
		}
		for id, c := range loaded {
			rt.cascades[id] = c
		}
		rt.log.Info("cascade library loaded", "dir", cfg.CascadeDir, "cascades", len(loaded))
	}

	return rt, nil
}

// lateLauncher defers Launch to the scheduler built after the cell loop.
type lateLauncher struct{ rt *Runtime }

func (l lateLauncher) Launch(ctx context.Context, path string, inputs map[string]any) (map[string]any, error) {
	return l.rt.sched.Launch(ctx, path, inputs)
}

// Register adds or replaces a cascade definition under its id.
func (r *Runtime) Register(c *cascade.Cascade) error {
	if c == nil || c.ID == "" {
		return errors.New("runtime: cascade with a non-empty id is required")
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cascades[c.ID] = c
	return nil
}

// Resolve returns the cascade registered under the id, or loads it from
// disk when the path names a YAML file. Sub-cascade launches and branch
// re-runs resolve through here.
func (r *Runtime) Resolve(path string) (*cascade.Cascade, error) {
	r.mu.RLock()
	c, ok := r.cascades[path]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}
	c, err := cascade.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runtime: cascade %q is not registered and not loadable: %w", path, err)
	}
	return c, nil
}

// Cascades lists the registered cascade ids.
func (r *Runtime) Cascades() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cascades))
	for id := range r.cascades {
		out = append(out, id)
	}
	return out
}

// RunOptions tune one run.
type RunOptions struct {
	// SessionID resumes or names the session; empty mints a fresh one.
	SessionID string

	// CallerID stamps the session's caller.
	CallerID string

	// Env overlays the runtime env for this run.
	Env map[string]string
}

// Run executes the cascade registered under the id against the inputs.
func (r *Runtime) Run(ctx context.Context, cascadeID string, inputs map[string]any, opts RunOptions) (*cascade.Result, error) {
	c, err := r.Resolve(cascadeID)
	if err != nil {
		return nil, err
	}

	var ec *echo.Echo
	if opts.SessionID != "" {
		ec = r.attachSession(ctx, opts.SessionID, opts.CallerID)
	}
	return r.sched.Run(ctx, c, inputs, scheduler.RunOptions{
		Echo:     ec,
		CallerID: opts.CallerID,
		Env:      opts.Env,
	})
}

// attachSession resolves a named session: cached, restored from the
// snapshot store when the cache evicted it, or freshly created.
func (r *Runtime) attachSession(ctx context.Context, sessionID, callerID string) *echo.Echo {
	if e, ok := r.sessions.Get(sessionID); ok {
		return e
	}
	snap, err := r.echoStore.Load(ctx, sessionID)
	if err != nil {
		return r.sessions.GetOrCreate(sessionID, callerID, "")
	}
	e := echo.Restore(snap)
	if err := r.sessions.Adopt(e); err != nil {
		// A concurrent run re-cached it first; use that one.
		if cached, ok := r.sessions.Get(sessionID); ok {
			return cached
		}
	}
	return e
}

// evictSession snapshots a session falling out of the cache so a later run
// can restore it.
func (r *Runtime) evictSession(e *echo.Echo) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.echoStore.Save(ctx, e.Snapshot()); err != nil {
		r.log.Warn("Session eviction snapshot failed",
			"session_id", e.SessionID(), "error", err)
	}
}

// Tools returns the tool registry for registration.
func (r *Runtime) Tools() *tool.Registry { return r.cfg.Tools }

// Models returns the model registry.
func (r *Runtime) Models() *model.Registry { return r.cfg.Models }

// Sessions returns the in-process session manager.
func (r *Runtime) Sessions() *echo.Manager { return r.sessions }

// SessionStore returns the snapshot store backing recovery and branching.
func (r *Runtime) SessionStore() echo.Store { return r.echoStore }

// Checkpoints returns the human-decision broker.
func (r *Runtime) Checkpoints() *checkpoint.Broker { return r.broker }

// CheckpointHandler returns the reviewer-facing HTTP surface, ready to
// mount on any mux.
func (r *Runtime) CheckpointHandler() http.Handler { return checkpoint.Handler(r.broker) }

// Branches returns the branch manager.
func (r *Runtime) Branches() *branch.Manager { return r.branches }

// Analytics returns the analytics worker, nil when disabled.
func (r *Runtime) Analytics() *analytics.Worker { return r.worker }

// RunLog returns the session-row reader over the run log store.
func (r *Runtime) RunLog() analytics.RunLogReader { return r.runStore }

// Close drains the run log, stops the analytics worker, and closes the
// providers. Idempotent.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		if r.worker != nil {
			r.worker.Close()
		}
		if err := r.runLog.Close(ctx); err != nil {
			r.closeErr = errors.Join(r.closeErr, err)
		}
		if err := r.cfg.Models.Close(); err != nil {
			r.closeErr = errors.Join(r.closeErr, err)
		}
	})
	return r.closeErr
}

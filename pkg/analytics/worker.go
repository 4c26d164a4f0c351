package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kadirpekel/cascade/pkg/runlog"
)

// RunLogReader is the slice of the run log the worker consumes.
type RunLogReader interface {
	SessionRows(ctx context.Context, sessionID string) ([]runlog.Row, error)
}

// processTimeout bounds one session's analysis, reads and writes included.
const processTimeout = 30 * time.Second

// Config wires the worker.
type Config struct {
	// RunLog serves the finished session's deduplicated rows.
	RunLog RunLogReader

	// Store persists reports and answers baseline queries.
	Store Store

	// Workers is the pool size. Default 2; analytics is bookkeeping, not
	// throughput work.
	Workers int

	// QueueSize bounds pending sessions. Enqueue drops beyond it. Default 64.
	QueueSize int

	// Logger is the structured logger; defaults to slog.Default.
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) validate() error {
	if c.RunLog == nil {
		return fmt.Errorf("analytics: run log reader is required")
	}
	if c.Store == nil {
		return fmt.Errorf("analytics: store is required")
	}
	return nil
}

// Worker analyzes finished sessions in the background. Enqueue never blocks
// and never fails the caller; a full queue or a failed analysis costs a
// warning, not a cascade.
type Worker struct {
	cfg Config
	log *slog.Logger

	queue chan string
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New starts the worker pool.
func New(cfg Config) (*Worker, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "analytics"),
		queue: make(chan string, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		w.wg.Add(1)
		go w.run()
	}
	return w, nil
}

// Enqueue schedules a finished session for analysis. It never blocks: when
// the queue is full or the worker is closed the session is skipped with a
// warning.
func (w *Worker) Enqueue(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.log.Warn("Analytics worker closed, skipping session", "session_id", sessionID)
		return
	}
	select {
	case w.queue <- sessionID:
	default:
		w.log.Warn("Analytics queue full, skipping session", "session_id", sessionID)
	}
}

// Close stops intake and waits for in-flight sessions to finish.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.wg.Wait()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for sessionID := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		if err := w.Process(ctx, sessionID); err != nil {
			w.log.Warn("Session analysis failed", "session_id", sessionID, "error", err)
		}
		cancel()
	}
}

// Process analyzes one session synchronously: aggregate its rows, decorate
// with baselines from prior runs, persist. Exported so embedders can
// backfill sessions the async path missed.
func (w *Worker) Process(ctx context.Context, sessionID string) error {
	rows, err := w.cfg.RunLog.SessionRows(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("analytics: read session %s: %w", sessionID, err)
	}

	rep, cells, contexts, err := buildReports(rows)
	if err != nil {
		return err
	}
	if err := w.decorate(ctx, rep, cells); err != nil {
		return err
	}

	if err := w.cfg.Store.InsertCascade(ctx, *rep); err != nil {
		return fmt.Errorf("analytics: insert cascade report: %w", err)
	}
	if err := w.cfg.Store.InsertCells(ctx, cells); err != nil {
		return fmt.Errorf("analytics: insert cell reports: %w", err)
	}
	if err := w.cfg.Store.InsertContext(ctx, contexts); err != nil {
		return fmt.Errorf("analytics: insert context breakdown: %w", err)
	}

	w.log.Debug("Session analyzed",
		"session_id", sessionID,
		"cascade", rep.CascadeID,
		"category", rep.InputCategory,
		"cost", rep.TotalCost,
		"cost_z", rep.CostZScore)
	return nil
}

// decorate fills baselines and anomaly scores from prior runs. Tiers below
// minSamples stay null with zero z-scores; a run is never penalized for
// being early.
func (w *Worker) decorate(ctx context.Context, rep *CascadeReport, cells []CellReport) error {
	global, err := w.cfg.Store.CascadeSamples(ctx, rep.CascadeID)
	if err != nil {
		return fmt.Errorf("analytics: global baseline: %w", err)
	}
	if len(global) >= minSamples {
		costs, _ := splitSamples(global)
		avg := mean(costs)
		rep.GlobalAvgCost = &avg
	}

	cluster, err := w.cfg.Store.ClusterSamples(ctx, rep.CascadeID, rep.InputCategory)
	if err != nil {
		return fmt.Errorf("analytics: cluster baseline: %w", err)
	}
	if len(cluster) >= minSamples {
		costs, durations := splitSamples(cluster)

		avg := mean(costs)
		sd := stddev(costs, avg)
		rep.ClusterAvgCost = &avg
		rep.ClusterStddevCost = &sd
		rep.CostZScore = zScore(rep.TotalCost, avg, sd)
		rep.IsCostOutlier = math.Abs(rep.CostZScore) > outlierThreshold

		dAvg := mean(durations)
		dSd := stddev(durations, dAvg)
		rep.DurationZScore = zScore(float64(rep.TotalDurationMS), dAvg, dSd)
		rep.IsDurationOutlier = math.Abs(rep.DurationZScore) > outlierThreshold
	}

	if rep.GenusHash != "" {
		genus, err := w.cfg.Store.GenusSamples(ctx, rep.GenusHash)
		if err != nil {
			return fmt.Errorf("analytics: genus baseline: %w", err)
		}
		rep.GenusRunCount = len(genus)
		if len(genus) >= minSamples {
			costs, _ := splitSamples(genus)
			avg := mean(costs)
			rep.GenusAvgCost = &avg
		}
	}

	for i := range cells {
		if cells[i].SpeciesHash == "" {
			continue
		}
		costs, err := w.cfg.Store.SpeciesCosts(ctx, cells[i].SpeciesHash)
		if err != nil {
			return fmt.Errorf("analytics: species baseline for %s: %w", cells[i].CellName, err)
		}
		if len(costs) < minSamples {
			continue
		}
		avg := mean(costs)
		sd := stddev(costs, avg)
		cells[i].SpeciesAvgCost = &avg
		cells[i].SpeciesStddevCost = &sd
		cells[i].CostZScore = zScore(cells[i].CellCost, avg, sd)
		cells[i].IsCostOutlier = math.Abs(cells[i].CostZScore) > outlierThreshold
	}

	return nil
}

// Package analytics is the read side of the run log: after a cascade
// completes, a background worker distills the session's rows into one
// cascade_analytics row, one cell_analytics row per cell, and one
// cell_context_breakdown row per injected context message, then decorates
// them with statistical baselines from earlier runs.
//
// Baselines are computed here rather than in SQL because sqlite has no
// stddev aggregate; the store only hands back raw samples. Tiers with fewer
// than ten prior samples stay null and z-scores stay zero.
package analytics

import (
	"context"
	"time"
)

// Input categories, cut from the complexity score.
const (
	CategoryTiny   = "tiny"
	CategorySmall  = "small"
	CategoryMedium = "medium"
	CategoryLarge  = "large"
	CategoryHuge   = "huge"
)

// minSamples is the tier size below which baselines stay null. A handful of
// runs says nothing about what a normal run costs.
const minSamples = 10

// outlierThreshold flags runs beyond two standard deviations.
const outlierThreshold = 2.0

// CascadeReport is one cascade_analytics row: the per-session aggregate with
// its baselines. Baseline pointers are nil when the tier had fewer than
// minSamples prior runs.
type CascadeReport struct {
	SessionID string `json:"session_id"`
	CascadeID string `json:"cascade_id"`
	GenusHash string `json:"genus_hash,omitempty"`
	Status    string `json:"status,omitempty"`

	InputComplexityScore float64 `json:"input_complexity_score"`
	InputCategory        string  `json:"input_category"`
	InputFingerprint     string  `json:"input_fingerprint,omitempty"`

	TotalCost       float64 `json:"total_cost"`
	TotalDurationMS int64   `json:"total_duration_ms"`
	TokensIn        int     `json:"tokens_in"`
	TokensOut       int     `json:"tokens_out"`
	MessageCount    int     `json:"message_count"`
	CellCount       int     `json:"cell_count"`
	ErrorCount      int     `json:"error_count"`

	GlobalAvgCost     *float64 `json:"global_avg_cost,omitempty"`
	ClusterAvgCost    *float64 `json:"cluster_avg_cost,omitempty"`
	ClusterStddevCost *float64 `json:"cluster_stddev_cost,omitempty"`
	GenusAvgCost      *float64 `json:"genus_avg_cost,omitempty"`
	GenusRunCount     int      `json:"genus_run_count"`

	CostZScore        float64 `json:"cost_z_score"`
	DurationZScore    float64 `json:"duration_z_score"`
	IsCostOutlier     bool    `json:"is_cost_outlier"`
	IsDurationOutlier bool    `json:"is_duration_outlier"`

	CostPerMessage   float64 `json:"cost_per_message"`
	CostPerToken     float64 `json:"cost_per_token"`
	TokensPerMessage float64 `json:"tokens_per_message"`

	TotalContextCostEstimated float64 `json:"total_context_cost_estimated"`
	TotalNewCostEstimated     float64 `json:"total_new_cost_estimated"`
	ContextCostPct            float64 `json:"context_cost_pct"`
	CellsWithContext          int     `json:"cells_with_context"`
	AvgCellContextPct         float64 `json:"avg_cell_context_pct"`
	MaxCellContextPct         float64 `json:"max_cell_context_pct"`

	HourOfDay int  `json:"hour_of_day"`
	DayOfWeek int  `json:"day_of_week"`
	IsWeekend bool `json:"is_weekend"`

	CreatedAt time.Time `json:"created_at"`
}

// CellReport is one cell_analytics row. Cost and tokens come from phase_end
// rows, so candidate fan-outs report the full spend including losing
// variants and the evaluator.
type CellReport struct {
	SessionID   string `json:"session_id"`
	CascadeID   string `json:"cascade_id"`
	CellName    string `json:"cell_name"`
	CellIndex   int    `json:"cell_index"`
	SpeciesHash string `json:"species_hash,omitempty"`

	EntryCount      int     `json:"entry_count"`
	ErrorCount      int     `json:"error_count"`
	CellCost        float64 `json:"cell_cost"`
	CellDurationMS  int64   `json:"cell_duration_ms"`
	CellTokens      int     `json:"cell_tokens"`
	CellCostPct     float64 `json:"cell_cost_pct"`
	CellDurationPct float64 `json:"cell_duration_pct"`

	SpeciesAvgCost    *float64 `json:"species_avg_cost,omitempty"`
	SpeciesStddevCost *float64 `json:"species_stddev_cost,omitempty"`
	CostZScore        float64  `json:"cost_z_score"`
	IsCostOutlier     bool     `json:"is_cost_outlier"`

	ContextCostEstimated    float64 `json:"context_cost_estimated"`
	NewMessageCostEstimated float64 `json:"new_message_cost_estimated"`
	ContextCostPct          float64 `json:"context_cost_pct"`
	ContextDepthAvg         float64 `json:"context_depth_avg"`

	CreatedAt time.Time `json:"created_at"`
}

// ContextEntry is one cell_context_breakdown row: a single context message
// injected into a cell's prompt, attributed back to the cell that produced
// the content.
type ContextEntry struct {
	SessionID     string    `json:"session_id"`
	CellName      string    `json:"cell_name"`
	CellIndex     int       `json:"cell_index"`
	SourceCell    string    `json:"context_message_cell"`
	MessageHash   string    `json:"context_message_hash,omitempty"`
	Tokens        int       `json:"context_message_tokens"`
	CostEstimated float64   `json:"context_message_cost_estimated"`
	PctOfCellCost float64   `json:"context_message_pct"`
	CreatedAt     time.Time `json:"created_at"`
}

// Sample is one prior run's cost and duration, the raw material for
// baseline means and deviations.
type Sample struct {
	Cost       float64
	DurationMS int64
}

// Store persists reports and serves baseline samples. Sample queries return
// previously persisted runs only; the current run is inserted after its
// baselines are computed.
type Store interface {
	InsertCascade(ctx context.Context, rep CascadeReport) error
	InsertCells(ctx context.Context, reps []CellReport) error
	InsertContext(ctx context.Context, entries []ContextEntry) error

	// CascadeSamples returns all prior runs of a cascade (the global tier).
	CascadeSamples(ctx context.Context, cascadeID string) ([]Sample, error)

	// ClusterSamples narrows the global tier to runs with the same input
	// category.
	ClusterSamples(ctx context.Context, cascadeID, inputCategory string) ([]Sample, error)

	// GenusSamples returns prior runs sharing a genus hash, across cascade
	// ids.
	GenusSamples(ctx context.Context, genusHash string) ([]Sample, error)

	// SpeciesCosts returns prior per-cell costs sharing a species hash.
	SpeciesCosts(ctx context.Context, speciesHash string) ([]float64, error)
}

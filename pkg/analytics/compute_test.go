package analytics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cascade/pkg/runlog"
)

func TestComplexityEmptyInput(t *testing.T) {
	assert.Equal(t, 0.0, Complexity(nil))
	assert.Equal(t, 0.0, Complexity(map[string]any{}))
	assert.Equal(t, CategoryTiny, Categorize(Complexity(nil)))
}

func TestComplexitySmallInput(t *testing.T) {
	score := Complexity(map[string]any{"topic": "go"})
	assert.Greater(t, score, 0.0)
	assert.Less(t, score, 0.1)
	assert.Equal(t, CategoryTiny, Categorize(score))
}

func TestComplexityLargeInputClamps(t *testing.T) {
	score := Complexity(map[string]any{"text": strings.Repeat("a", 40000)})
	assert.Equal(t, 1.0, score, "character term alone saturates the score")
	assert.Equal(t, CategoryHuge, Categorize(score))
}

func TestComplexityStructureContributes(t *testing.T) {
	flat := Complexity(map[string]any{"a": "x"})
	nested := Complexity(map[string]any{"a": map[string]any{"b": map[string]any{"c": "x"}}})
	listy := Complexity(map[string]any{"a": []any{"x", "y", "z"}})

	assert.Greater(t, nested, flat, "nesting raises the score")
	assert.Greater(t, listy, flat, "list items raise the score")
}

func TestCategorizeBoundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{0.0, CategoryTiny},
		{0.0999, CategoryTiny},
		{0.1, CategorySmall},
		{0.2999, CategorySmall},
		{0.3, CategoryMedium},
		{0.5999, CategoryMedium},
		{0.6, CategoryLarge},
		{0.8499, CategoryLarge},
		{0.85, CategoryHuge},
		{1.0, CategoryHuge},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Categorize(tc.score), "score %v", tc.score)
	}
}

func TestMeasure(t *testing.T) {
	depth, items := measure(map[string]any{"a": map[string]any{"b": []any{1.0, 2.0, 3.0}}})
	assert.Equal(t, 3, depth)
	assert.Equal(t, 3, items)

	depth, items = measure(map[string]any{"a": "x"})
	assert.Equal(t, 1, depth)
	assert.Equal(t, 0, items)
}

func TestStats(t *testing.T) {
	xs := []float64{1, 2, 3}
	m := mean(xs)
	assert.Equal(t, 2.0, m)
	assert.InDelta(t, 0.8165, stddev(xs, m), 0.0001)

	assert.Equal(t, 4.0, zScore(0.04, 0.02, 0.005))
	assert.Equal(t, 0.0, zScore(0.04, 0.02, 0), "zero deviation yields zero z")
	assert.Equal(t, 0.0, mean(nil))
	assert.Equal(t, 0.0, stddev(nil, 0))
}

// sessionRows is a compact but realistic session: two LLM cells where the
// second consumes the first's output as context, a third cell that fails
// validation, and the terminal summary row.
func sessionRows(sessionID string) []runlog.Row {
	base := time.Date(2025, 6, 7, 14, 30, 0, 0, time.UTC) // a Saturday
	stamp := func(i int) time.Time { return base.Add(time.Duration(i) * time.Millisecond) }

	return []runlog.Row{
		{SessionID: sessionID, CascadeID: "pipeline", GenusHash: "g1", TraceID: "t-run",
			NodeType: runlog.NodeCascadeStart, Content: `{"topic":"go"}`, ContentType: "inputs", Timestamp: stamp(0)},

		{SessionID: sessionID, CascadeID: "pipeline", CellName: "draft", CellIndex: 0, SpeciesHash: "s-draft",
			TraceID: "t-d", NodeType: runlog.NodePhaseStart, Content: "draft", Timestamp: stamp(1)},
		{SessionID: sessionID, CascadeID: "pipeline", CellName: "draft", CellIndex: 0, SpeciesHash: "s-draft",
			TraceID: "t-d-1", NodeType: runlog.NodeTurn, TokensIn: 10, TokensOut: 5, Cost: 0.001, Timestamp: stamp(2)},
		{SessionID: sessionID, CascadeID: "pipeline", CellName: "draft", CellIndex: 0, SpeciesHash: "s-draft",
			TraceID: "t-d", NodeType: runlog.NodePhaseEnd, Content: "draft",
			TokensIn: 10, TokensOut: 5, Cost: 0.001, DurationMS: 100, Timestamp: stamp(3)},

		{SessionID: sessionID, CascadeID: "pipeline", CellName: "polish", CellIndex: 1, SpeciesHash: "s-polish",
			TraceID: "t-p", NodeType: runlog.NodePhaseStart, Content: "polish", Timestamp: stamp(4)},
		{SessionID: sessionID, CascadeID: "pipeline", CellName: "polish", CellIndex: 1, SpeciesHash: "s-polish",
			TraceID: "t-ctx", NodeType: runlog.NodeAssistant, ContentType: "context:draft", ContentHash: "h-ctx",
			TokensIn: 50, Cost: 0.0005, Timestamp: stamp(5)},
		{SessionID: sessionID, CascadeID: "pipeline", CellName: "polish", CellIndex: 1, SpeciesHash: "s-polish",
			TraceID: "t-p-1", NodeType: runlog.NodeTurn, TokensIn: 30, TokensOut: 9, Cost: 0.003, Timestamp: stamp(6)},
		{SessionID: sessionID, CascadeID: "pipeline", CellName: "polish", CellIndex: 1, SpeciesHash: "s-polish",
			TraceID: "t-p", NodeType: runlog.NodePhaseEnd, Content: "polish",
			TokensIn: 30, TokensOut: 9, Cost: 0.003, DurationMS: 200, Timestamp: stamp(7)},

		{SessionID: sessionID, CascadeID: "pipeline", CellName: "flaky", CellIndex: 2, SpeciesHash: "s-flaky",
			TraceID: "t-f", NodeType: runlog.NodePhaseStart, Content: "flaky", Timestamp: stamp(8)},
		{SessionID: sessionID, CascadeID: "pipeline", CellName: "flaky", CellIndex: 2,
			TraceID: "t-err", NodeType: runlog.NodeError, Content: "schema mismatch", ContentType: "validation", Timestamp: stamp(9)},

		{SessionID: sessionID, CascadeID: "pipeline", GenusHash: "g1", TraceID: "t-run",
			NodeType: runlog.NodeCascadeCompleted, Content: `{"status":"success","cells":2}`, ContentType: "summary",
			TokensIn: 40, TokensOut: 14, Cost: 0.004, DurationMS: 350, Timestamp: stamp(350)},
	}
}

func TestBuildReports(t *testing.T) {
	rep, cells, contexts, err := buildReports(sessionRows("s-1"))
	require.NoError(t, err)

	assert.Equal(t, "s-1", rep.SessionID)
	assert.Equal(t, "pipeline", rep.CascadeID)
	assert.Equal(t, "g1", rep.GenusHash)
	assert.Equal(t, "success", rep.Status)
	assert.Equal(t, CategoryTiny, rep.InputCategory)
	assert.Contains(t, rep.InputFingerprint, "topic")

	assert.InEpsilon(t, 0.004, rep.TotalCost, 1e-9)
	assert.Equal(t, 40, rep.TokensIn)
	assert.Equal(t, 14, rep.TokensOut)
	assert.Equal(t, int64(350), rep.TotalDurationMS)
	assert.Equal(t, 3, rep.MessageCount, "two turns plus one context message")
	assert.Equal(t, 3, rep.CellCount)
	assert.Equal(t, 1, rep.ErrorCount)

	assert.Equal(t, 14, rep.HourOfDay)
	assert.Equal(t, int(time.Saturday), rep.DayOfWeek)
	assert.True(t, rep.IsWeekend)

	assert.InEpsilon(t, 0.004/3, rep.CostPerMessage, 1e-9)
	assert.InEpsilon(t, 0.004/54, rep.CostPerToken, 1e-9)
	assert.InEpsilon(t, 18.0, rep.TokensPerMessage, 1e-9)

	assert.InEpsilon(t, 0.0005, rep.TotalContextCostEstimated, 1e-9)
	assert.InEpsilon(t, 0.0035, rep.TotalNewCostEstimated, 1e-9)
	assert.InEpsilon(t, 12.5, rep.ContextCostPct, 1e-9)
	assert.Equal(t, 1, rep.CellsWithContext)
	assert.InDelta(t, 16.6667, rep.AvgCellContextPct, 0.001)
	assert.InDelta(t, 16.6667, rep.MaxCellContextPct, 0.001)

	require.Len(t, cells, 3)
	draft, polish, flaky := cells[0], cells[1], cells[2]

	assert.Equal(t, "draft", draft.CellName)
	assert.Equal(t, 0, draft.CellIndex)
	assert.Equal(t, "s-draft", draft.SpeciesHash)
	assert.Equal(t, 1, draft.EntryCount)
	assert.InEpsilon(t, 0.001, draft.CellCost, 1e-9)
	assert.Equal(t, 15, draft.CellTokens)
	assert.Equal(t, int64(100), draft.CellDurationMS)
	assert.InEpsilon(t, 25.0, draft.CellCostPct, 1e-9)
	assert.InEpsilon(t, 0.001, draft.NewMessageCostEstimated, 1e-9)
	assert.Zero(t, draft.ContextCostPct)

	assert.Equal(t, "polish", polish.CellName)
	assert.Equal(t, 1, polish.CellIndex)
	assert.InEpsilon(t, 0.003, polish.CellCost, 1e-9)
	assert.Equal(t, 39, polish.CellTokens)
	assert.InEpsilon(t, 75.0, polish.CellCostPct, 1e-9)
	assert.InEpsilon(t, 0.0005, polish.ContextCostEstimated, 1e-9)
	assert.InEpsilon(t, 0.0025, polish.NewMessageCostEstimated, 1e-9)
	assert.InDelta(t, 16.6667, polish.ContextCostPct, 0.001)
	assert.InEpsilon(t, 1.0, polish.ContextDepthAvg, 1e-9)

	assert.Equal(t, "flaky", flaky.CellName)
	assert.Equal(t, 1, flaky.EntryCount)
	assert.Equal(t, 1, flaky.ErrorCount)
	assert.Zero(t, flaky.CellCost)

	require.Len(t, contexts, 1)
	ctx := contexts[0]
	assert.Equal(t, "polish", ctx.CellName)
	assert.Equal(t, 1, ctx.CellIndex)
	assert.Equal(t, "draft", ctx.SourceCell)
	assert.Equal(t, "h-ctx", ctx.MessageHash)
	assert.Equal(t, 50, ctx.Tokens)
	assert.InEpsilon(t, 0.0005, ctx.CostEstimated, 1e-9)
	assert.InDelta(t, 16.6667, ctx.PctOfCellCost, 0.001)
}

func TestBuildReportsWithoutTerminalRow(t *testing.T) {
	rows := sessionRows("s-2")
	rows = rows[:len(rows)-1] // session died before cascade_completed

	rep, _, _, err := buildReports(rows)
	require.NoError(t, err)

	assert.InEpsilon(t, 0.004, rep.TotalCost, 1e-9, "falls back to phase sums")
	assert.Equal(t, 40, rep.TokensIn)
	assert.Equal(t, 14, rep.TokensOut)
	assert.Empty(t, rep.Status)
	assert.Equal(t, 14, rep.HourOfDay, "temporal fields fall back to the last row")
}

func TestBuildReportsEmptySession(t *testing.T) {
	_, _, _, err := buildReports(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no log rows")
}

package analytics

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/kadirpekel/cascade/pkg/identity"
	"github.com/kadirpekel/cascade/pkg/runlog"
	"github.com/kadirpekel/cascade/pkg/tokens"
)

// Complexity score weights and scales. Characters dominate, estimated
// tokens refine, structure (nesting and list volume) rounds it out.
const (
	charWeight = 0.4
	charScale  = 10000.0

	tokenWeight = 0.3
	tokenScale  = 2500.0

	depthWeight = 0.15
	depthScale  = 10.0

	itemsWeight = 0.15
	itemsScale  = 1000.0
)

// contextPrefix marks context attribution rows; the suffix names the source
// cell.
const contextPrefix = "context:"

// Complexity scores the top-level input in [0,1]. The empty input is
// defined as zero.
func Complexity(inputs map[string]any) float64 {
	if len(inputs) == 0 {
		return 0
	}
	canon := identity.Canonical(inputs)

	var generic map[string]any
	_ = json.Unmarshal(canon, &generic)
	depth, items := measure(generic)

	score := charWeight*float64(len(canon))/charScale +
		tokenWeight*float64(tokens.Estimate(string(canon)))/tokenScale +
		depthWeight*float64(depth)/depthScale +
		itemsWeight*float64(items)/itemsScale
	return clamp01(score)
}

// Categorize buckets a complexity score. Categories partition [0,1], so
// every score lands somewhere.
func Categorize(score float64) string {
	switch {
	case score < 0.1:
		return CategoryTiny
	case score < 0.3:
		return CategorySmall
	case score < 0.6:
		return CategoryMedium
	case score < 0.85:
		return CategoryLarge
	default:
		return CategoryHuge
	}
}

// measure walks a JSON-generic value for nesting depth and total list
// items. Scalars have depth zero; a flat object has depth one.
func measure(v any) (depth, items int) {
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			d, n := measure(child)
			if d > depth {
				depth = d
			}
			items += n
		}
		return depth + 1, items
	case []any:
		items = len(t)
		for _, child := range t {
			d, n := measure(child)
			if d > depth {
				depth = d
			}
			items += n
		}
		return depth + 1, items
	default:
		return 0, 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// isMessage reports whether a node type counts toward message_count:
// conversational traffic, not lifecycle markers.
func isMessage(nodeType string) bool {
	switch nodeType {
	case runlog.NodeTurn, runlog.NodeToolCall, runlog.NodeToolResult,
		runlog.NodeUser, runlog.NodeAssistant, runlog.NodeSystem:
		return true
	}
	return false
}

// buildReports distills a session's deduplicated rows into reports, before
// baseline decoration. Cell cost and tokens come from phase_end rows; the
// cascade totals come from cascade_completed when present and fall back to
// phase sums for sessions that never finished.
func buildReports(rows []runlog.Row) (*CascadeReport, []CellReport, []ContextEntry, error) {
	if len(rows) == 0 {
		return nil, nil, nil, errors.New("analytics: session has no log rows")
	}

	now := time.Now().UTC()
	rep := &CascadeReport{
		SessionID: rows[0].SessionID,
		CascadeID: rows[0].CascadeID,
		GenusHash: rows[0].GenusHash,
		CreatedAt: now,
	}

	var order []string
	cells := make(map[string]*CellReport)
	contextRows := make(map[string]int)
	var contexts []ContextEntry

	var completedAt time.Time
	var sumCost float64
	var sumIn, sumOut int

	for _, r := range rows {
		if rep.GenusHash == "" && r.GenusHash != "" {
			rep.GenusHash = r.GenusHash
		}

		switch r.NodeType {
		case runlog.NodeCascadeStart:
			var inputs map[string]any
			if r.Content != "" {
				_ = json.Unmarshal([]byte(r.Content), &inputs)
			}
			rep.InputComplexityScore = Complexity(inputs)
			rep.InputFingerprint = string(identity.Canonical(identity.Fingerprint(inputs)))

		case runlog.NodePhaseStart:
			cellFor(cells, &order, r).EntryCount++

		case runlog.NodePhaseEnd:
			c := cellFor(cells, &order, r)
			c.CellCost += r.Cost
			c.CellTokens += r.TokensIn + r.TokensOut
			c.CellDurationMS += r.DurationMS
			sumCost += r.Cost
			sumIn += r.TokensIn
			sumOut += r.TokensOut

		case runlog.NodeError:
			rep.ErrorCount++
			if r.CellName != "" {
				cellFor(cells, &order, r).ErrorCount++
			}

		case runlog.NodeCascadeCompleted:
			rep.TotalCost = r.Cost
			rep.TokensIn = r.TokensIn
			rep.TokensOut = r.TokensOut
			rep.TotalDurationMS = r.DurationMS
			completedAt = r.Timestamp
			var summary struct {
				Status string `json:"status"`
			}
			if json.Unmarshal([]byte(r.Content), &summary) == nil {
				rep.Status = summary.Status
			}
		}

		if isMessage(r.NodeType) {
			rep.MessageCount++
		}

		if src, ok := strings.CutPrefix(r.ContentType, contextPrefix); ok && r.CellName != "" {
			c := cellFor(cells, &order, r)
			c.ContextCostEstimated += r.Cost
			contextRows[r.CellName]++
			contexts = append(contexts, ContextEntry{
				SessionID:     r.SessionID,
				CellName:      r.CellName,
				CellIndex:     r.CellIndex,
				SourceCell:    src,
				MessageHash:   r.ContentHash,
				Tokens:        r.TokensIn,
				CostEstimated: r.Cost,
				CreatedAt:     now,
			})
		}
	}

	rep.InputCategory = Categorize(rep.InputComplexityScore)
	rep.CellCount = len(cells)

	if completedAt.IsZero() {
		// Session never wrote its terminal row; report what the phases spent.
		rep.TotalCost = sumCost
		rep.TokensIn = sumIn
		rep.TokensOut = sumOut
		completedAt = rows[len(rows)-1].Timestamp
	}

	end := completedAt.UTC()
	rep.HourOfDay = end.Hour()
	rep.DayOfWeek = int(end.Weekday())
	rep.IsWeekend = end.Weekday() == time.Saturday || end.Weekday() == time.Sunday

	if rep.MessageCount > 0 {
		rep.CostPerMessage = rep.TotalCost / float64(rep.MessageCount)
		rep.TokensPerMessage = float64(rep.TokensIn+rep.TokensOut) / float64(rep.MessageCount)
	}
	if total := rep.TokensIn + rep.TokensOut; total > 0 {
		rep.CostPerToken = rep.TotalCost / float64(total)
	}

	out := make([]CellReport, 0, len(order))
	for _, name := range order {
		c := cells[name]
		c.SessionID = rep.SessionID
		c.CascadeID = rep.CascadeID
		c.CreatedAt = now

		if rep.TotalCost > 0 {
			c.CellCostPct = c.CellCost / rep.TotalCost * 100
		}
		if rep.TotalDurationMS > 0 {
			c.CellDurationPct = float64(c.CellDurationMS) / float64(rep.TotalDurationMS) * 100
		}
		c.NewMessageCostEstimated = c.CellCost - c.ContextCostEstimated
		if c.NewMessageCostEstimated < 0 {
			c.NewMessageCostEstimated = 0
		}
		if c.CellCost > 0 {
			c.ContextCostPct = c.ContextCostEstimated / c.CellCost * 100
		}
		if c.EntryCount > 0 {
			c.ContextDepthAvg = float64(contextRows[name]) / float64(c.EntryCount)
		}

		rep.TotalContextCostEstimated += c.ContextCostEstimated
		if contextRows[name] > 0 {
			rep.CellsWithContext++
			rep.AvgCellContextPct += c.ContextCostPct
			if c.ContextCostPct > rep.MaxCellContextPct {
				rep.MaxCellContextPct = c.ContextCostPct
			}
		}
		out = append(out, *c)
	}

	rep.TotalNewCostEstimated = rep.TotalCost - rep.TotalContextCostEstimated
	if rep.TotalNewCostEstimated < 0 {
		rep.TotalNewCostEstimated = 0
	}
	if rep.TotalCost > 0 {
		rep.ContextCostPct = rep.TotalContextCostEstimated / rep.TotalCost * 100
	}
	if rep.CellsWithContext > 0 {
		rep.AvgCellContextPct /= float64(rep.CellsWithContext)
	}

	for i := range contexts {
		if c := cells[contexts[i].CellName]; c != nil && c.CellCost > 0 {
			contexts[i].PctOfCellCost = contexts[i].CostEstimated / c.CellCost * 100
		}
	}

	return rep, out, contexts, nil
}

// cellFor returns the named cell's report, creating it in first-seen order.
// The species hash and index stick from the first row that carries them.
func cellFor(cells map[string]*CellReport, order *[]string, r runlog.Row) *CellReport {
	c, ok := cells[r.CellName]
	if !ok {
		c = &CellReport{CellName: r.CellName, CellIndex: r.CellIndex}
		cells[r.CellName] = c
		*order = append(*order, r.CellName)
	}
	if c.SpeciesHash == "" {
		c.SpeciesHash = r.SpeciesHash
	}
	return c
}

// mean of a sample set; zero for empty input.
func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the population standard deviation around m.
func stddev(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// zScore is (value - mean) / stddev, zero when the deviation is zero.
func zScore(value, m, sd float64) float64 {
	if sd <= 0 {
		return 0
	}
	return (value - m) / sd
}

func splitSamples(samples []Sample) (costs, durations []float64) {
	costs = make([]float64, len(samples))
	durations = make([]float64, len(samples))
	for i, s := range samples {
		costs[i] = s.Cost
		durations[i] = float64(s.DurationMS)
	}
	return costs, durations
}

// Package cascade is a declarative pipeline engine for multi-cell LLM
// orchestration. A cascade is an ordered pipeline of cells (language-model
// calls, deterministic tool invocations, and human-in-the-loop checkpoints)
// executed with handoff routing, retries, parallel candidate exploration,
// context threading between cells, and a structured append-only run log.
//
// # Quick Start
//
// Define a cascade in YAML:
//
//	id: triage
//	cells:
//	  - name: load
//	    tool: sql_data
//	    inputs:
//	      query: "SELECT * FROM tickets WHERE status = 'open'"
//	  - name: classify
//	    instructions: "Classify each ticket: {{ outputs.load.rows | totoon }}"
//	    output_schema:
//	      type: object
//	      required: [category]
//
// Assemble a runtime and run it:
//
//	rt, err := runtime.New(runtime.Config{Models: models, CascadeDir: "cascades"})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close(ctx)
//
//	result, err := rt.Run(ctx, "triage", map[string]any{"day": "monday"}, runtime.RunOptions{})
//
// # Packages
//
// The engine is layered leaves-first:
//
//   - pkg/cascade: the declarative model. Cascades, cells, wards, loading,
//     validation, error kinds, results.
//   - pkg/echo: per-session state. Mutable state map, append-only history,
//     lineage, error records.
//   - pkg/runlog: the append-only columnar run log every component writes to.
//   - pkg/identity: deterministic species/genus/content fingerprints.
//   - pkg/prompt, pkg/toon: templating and the tabular TOON encoding.
//   - pkg/cell: the single-cell turn machine (send, tools, validate, retry).
//   - pkg/candidate: parallel variant fan-out with winner selection.
//   - pkg/scheduler: the cascade walk. Handoffs, loops, sub-cascades.
//   - pkg/assembler: context threading between cells with cost attribution.
//   - pkg/analytics: post-run baselines, anomaly scores, and the split of
//     re-injected context cost from new-work cost.
//   - pkg/checkpoint, pkg/branch: human decisions and what-if forks.
//   - pkg/runtime: the embeddable assembly of all of the above.
//
// # License
//
// AGPL-3.0 - See LICENSE.md for details.
package cascade

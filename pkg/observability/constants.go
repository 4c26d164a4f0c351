package observability

const (
	AttrCascadeID       = "cascade.id"
	AttrSessionID       = "session.id"
	AttrCellName        = "cell.name"
	AttrLLMModel        = "llm.model"
	AttrToolName        = "tool.name"
	AttrRunStatus       = "run.status"
	AttrErrorKind       = "error.kind"
	AttrCandidateMode   = "candidates.mode"
	AttrCandidateFactor = "candidates.factor"
	AttrCheckpointEvent = "checkpoint.event"
	AttrHTTPMethod      = "http.method"
	AttrHTTPPath        = "http.path"
	AttrStatusCode      = "http.status_code"

	SpanCascadeRun  = "cascade.run"
	SpanPhase       = "cascade.phase"
	SpanTurn        = "cascade.turn"
	SpanToolCall    = "cascade.tool_call"
	SpanCheckpoint  = "cascade.checkpoint"
	SpanHTTPRequest = "http.request"

	DefaultServiceName  = "cascade"
	DefaultSamplingRate = 1.0
	DefaultMetricsPath  = "/metrics"
)

package telemetry

// Attribute keys shared across Conductor spans
const (
	KeyTaskID        = "conductor.task.id"
	KeyTaskStatus    = "conductor.task.status"
	KeyWorkspace     = "conductor.workspace"
	KeyIteration     = "conductor.iteration"
	KeyModelID       = "conductor.model.id"
	KeyCallCount     = "conductor.dispatch.call_count"
	KeyMaxParallel   = "conductor.dispatch.max_parallel"
	KeyErrorCategory = "conductor.error.category"
	KeyInputTokens   = "conductor.model.input_tokens"
	KeyOutputTokens  = "conductor.model.output_tokens"
	KeyCost          = "conductor.model.cost_usd"
)

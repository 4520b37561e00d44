package scalellm

// BatchEntry describes one sequence's work in a step. Prefill entries
// compute KV cache for a range of known tokens; decode entries feed the
// last token and sample the next one.
type BatchEntry struct {
	SeqID     int64
	RequestID string
	IsPrefill bool
	// InputTokens are the tokens whose KV entries this step computes.
	// For decode work this is just the last token of the history.
	InputTokens []int
	// StartPos is the position of InputTokens[0] within the sequence.
	StartPos int
	// Sample tells the executor to sample a next token after processing
	// this entry. False only for partial prefill chunks.
	Sample bool
	// BlockTable is a snapshot of the sequence's physical block ids.
	BlockTable []int
	Params     *SamplingParams
}

// BatchPlan is one step's unit of work for the model executor. Cache
// management ops (copies for copy-on-write divergence, swaps for
// preemption) must be applied before the forward pass.
type BatchPlan struct {
	Entries      []BatchEntry
	BlocksToCopy []BlockCopy
	SwapIn       []BlockSwap
	SwapOut      []BlockSwap
	// NumTokens is the total number of input tokens across entries.
	NumTokens int
}

// IsEmpty reports whether the plan carries neither compute nor cache ops.
func (p *BatchPlan) IsEmpty() bool {
	return len(p.Entries) == 0 && len(p.BlocksToCopy) == 0 &&
		len(p.SwapIn) == 0 && len(p.SwapOut) == 0
}

// SequenceResult is the executor's verdict for one sequence.
type SequenceResult struct {
	// TokenIDs are the sampled next tokens; empty for partial prefill.
	TokenIDs []int
	Logprobs []float32
	// Status, when set, reports a failure confined to this sequence.
	Status *Status
}

// ExecutionResult maps every scheduled sequence id to its result. The
// executor must return an entry for each sequence in the plan or fail
// the whole plan.
type ExecutionResult struct {
	Results map[int64]*SequenceResult
}

// ModelExecutor runs the model forward pass. It is an external
// collaborator: the scheduler calls Execute synchronously once per step
// and applies the results to its sequences.
type ModelExecutor interface {
	Execute(plan *BatchPlan) (*ExecutionResult, error)
	Close() error
}

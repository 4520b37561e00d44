package scalellm

import "time"

// SequenceGroup is the unit of admission: one client request owning n
// sampled sequences that share a prompt and sampling parameters.
type SequenceGroup struct {
	RequestID   string
	Seqs        []*Sequence
	Params      *SamplingParams
	Priority    float64
	ArrivalTime time.Time
	Streaming   bool

	// cancelled is set when the output callback reports a disconnected
	// consumer; the scheduler finishes the group at the next opportunity.
	// Only the scheduling thread touches it.
	cancelled bool

	// errStatus records an executor-reported failure for final delivery.
	errStatus *Status
}

// NewSequenceGroup creates a waiting group with params.N child sequences
// over a shared prompt.
func NewSequenceGroup(requestID string, promptTokens []int, params *SamplingParams, priority float64, streaming bool) *SequenceGroup {
	g := &SequenceGroup{
		RequestID:   requestID,
		Params:      params,
		Priority:    priority,
		ArrivalTime: time.Now(),
		Streaming:   streaming,
	}
	n := params.N
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		g.Seqs = append(g.Seqs, NewSequence(i, promptTokens))
	}
	return g
}

// NumSeqs returns the number of child sequences.
func (g *SequenceGroup) NumSeqs() int { return len(g.Seqs) }

// SeqsWithStatus returns the children currently in a given state.
func (g *SequenceGroup) SeqsWithStatus(status SequenceStatus) []*Sequence {
	var out []*Sequence
	for _, seq := range g.Seqs {
		if seq.Status == status {
			out = append(out, seq)
		}
	}
	return out
}

// IsFinished reports whether every child sequence reached a terminal
// state; only then is the group reaped and its final output dispatched.
func (g *SequenceGroup) IsFinished() bool {
	for _, seq := range g.Seqs {
		if !seq.IsFinished() {
			return false
		}
	}
	return true
}

// NumPromptBlocks returns the block demand of the shared prompt.
func (g *SequenceGroup) NumPromptBlocks(blockSize int) int {
	return NumBlocksNeeded(len(g.Seqs[0].TokenIDs), blockSize)
}

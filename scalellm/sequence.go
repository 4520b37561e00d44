package scalellm

import "sync/atomic"

// SequenceStatus tracks where a sequence sits in its lifecycle.
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusSwapped
	StatusFinished
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusSwapped:
		return "swapped"
	case StatusFinished:
		return "finished"
	}
	return "unknown"
}

// FinishReason explains why a sequence stopped generating.
type FinishReason string

const (
	FinishNone   FinishReason = ""
	FinishLength FinishReason = "length"
	FinishStop   FinishReason = "stop"
	FinishError  FinishReason = "error"
)

var seqCounter atomic.Int64

// Sequence is a single token-generation stream. Its token history is
// append-only and, once Finished, immutable.
type Sequence struct {
	SeqID int64
	// Index is the sequence's position within its group; it is the index
	// the client sees on streamed outputs.
	Index  int
	Status SequenceStatus

	TokenIDs        []int
	NumPromptTokens int
	// NumComputedTokens counts tokens whose KV cache entries exist on the
	// device. It trails the history length during prefill and resets when
	// a recompute preemption discards the cache.
	NumComputedTokens int
	LastToken         int

	FinishReason FinishReason
	Logprobs     []float32

	blockTable *BlockTable
	// numDispatched marks how much of the completion has been delivered
	// to the output callback, so streamed deltas never repeat tokens.
	numDispatched int
}

// NewSequence creates a waiting sequence over a copy of the prompt.
func NewSequence(index int, promptTokens []int) *Sequence {
	tokens := append([]int(nil), promptTokens...)
	s := &Sequence{
		SeqID:           seqCounter.Add(1) - 1,
		Index:           index,
		Status:          StatusWaiting,
		TokenIDs:        tokens,
		NumPromptTokens: len(tokens),
	}
	if len(tokens) > 0 {
		s.LastToken = tokens[len(tokens)-1]
	}
	return s
}

// Len returns the token history length.
func (s *Sequence) Len() int { return len(s.TokenIDs) }

// IsFinished reports whether the sequence reached a terminal state.
func (s *Sequence) IsFinished() bool { return s.Status == StatusFinished }

// NumCompletionTokens returns how many tokens have been generated.
func (s *Sequence) NumCompletionTokens() int { return len(s.TokenIDs) - s.NumPromptTokens }

// PromptTokenIDs returns the prompt portion of the history.
func (s *Sequence) PromptTokenIDs() []int { return s.TokenIDs[:s.NumPromptTokens] }

// CompletionTokenIDs returns the generated portion of the history.
func (s *Sequence) CompletionTokenIDs() []int { return s.TokenIDs[s.NumPromptTokens:] }

// AppendToken appends one generated token.
func (s *Sequence) AppendToken(tokenID int) {
	if s.Status == StatusFinished {
		panic("sequence: append to finished sequence")
	}
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LastToken = tokenID
}

// BlockTable returns the sequence's block table, nil while waiting.
func (s *Sequence) BlockTable() *BlockTable { return s.blockTable }

func (s *Sequence) finish(reason FinishReason) {
	s.Status = StatusFinished
	s.FinishReason = reason
}

package scalellm

// MockExecutor is a deterministic in-process executor used in tests and
// demos. The sampled token is a pure function of the last input token,
// its position, and the request seed, so a preempted-and-recomputed
// sequence reproduces its original output exactly.
type MockExecutor struct {
	Vocab int
	EOS   int
	// EOSAfter emits EOS once a sequence has generated this many tokens;
	// zero disables it.
	EOSAfter int
	// FailSeqs injects a per-sequence failure status, keyed by sequence id.
	FailSeqs map[int64]*Status
	// FailPlan, when set, fails every Execute call at the plan level.
	FailPlan error

	NumExecutions int
}

// NewMockExecutor creates a mock with a small vocabulary.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{Vocab: 1000, EOS: 2}
}

// Execute produces one deterministic token per sampling entry.
func (m *MockExecutor) Execute(plan *BatchPlan) (*ExecutionResult, error) {
	m.NumExecutions++
	if m.FailPlan != nil {
		return nil, m.FailPlan
	}

	res := &ExecutionResult{Results: make(map[int64]*SequenceResult)}
	for _, entry := range plan.Entries {
		if st, ok := m.FailSeqs[entry.SeqID]; ok {
			res.Results[entry.SeqID] = &SequenceResult{Status: st}
			continue
		}
		sr := &SequenceResult{}
		if entry.Sample {
			sr.TokenIDs = []int{m.nextToken(entry)}
			if entry.Params != nil && entry.Params.Logprobs {
				sr.Logprobs = []float32{-0.5}
			}
		}
		res.Results[entry.SeqID] = sr
	}
	return res, nil
}

func (m *MockExecutor) nextToken(entry BatchEntry) int {
	last := entry.InputTokens[len(entry.InputTokens)-1]
	pos := entry.StartPos + len(entry.InputTokens) - 1
	var seed int64
	if entry.Params != nil {
		seed = entry.Params.Seed
	}
	// EOSAfter is an absolute history-length threshold: once the token
	// being sampled sits at or past it, emit EOS.
	if m.EOSAfter > 0 && pos+1 >= m.EOSAfter {
		return m.EOS
	}
	tok := (last*31 + pos*7 + int(seed)%97 + 3) % m.Vocab
	if tok < 0 {
		tok += m.Vocab
	}
	if tok == m.EOS {
		tok++
	}
	return tok
}

// Close implements ModelExecutor.
func (m *MockExecutor) Close() error { return nil }

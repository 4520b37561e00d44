package scalellm

import "fmt"

// SamplingParams holds the per-request sampling configuration shared by
// every sequence in a group.
type SamplingParams struct {
	N            int
	Temperature  float64
	TopP         float64
	TopK         int
	MaxTokens    int
	IgnoreEOS    bool
	Stop         []string
	StopTokenIDs []int
	Seed         int64
	Logprobs     bool
}

// SamplingOption is a functional option for SamplingParams.
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates SamplingParams with defaults applied. The
// result is not validated here; Validate runs at admission time so that
// bad parameters surface as a rejected request, not a crash.
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		N:           1,
		Temperature: 1.0,
		TopP:        1.0,
		TopK:        -1,
		MaxTokens:   64,
	}
	for _, opt := range opts {
		opt(sp)
	}
	return sp
}

// Validate reports the first invalid parameter, if any.
func (sp *SamplingParams) Validate() error {
	if sp.N < 1 {
		return fmt.Errorf("n must be >= 1, got %d", sp.N)
	}
	if sp.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0, got %g", sp.Temperature)
	}
	if sp.TopP <= 0 || sp.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1], got %g", sp.TopP)
	}
	if sp.TopK < -1 || sp.TopK == 0 {
		return fmt.Errorf("top_k must be -1 (disabled) or >= 1, got %d", sp.TopK)
	}
	if sp.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be >= 1, got %d", sp.MaxTokens)
	}
	return nil
}

// WithN sets the number of sampled sequences per request.
func WithN(n int) SamplingOption {
	return func(sp *SamplingParams) { sp.N = n }
}

// WithTemperature sets the sampling temperature. Zero means greedy.
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) { sp.Temperature = t }
}

// WithTopP sets the nucleus sampling cutoff.
func WithTopP(p float64) SamplingOption {
	return func(sp *SamplingParams) { sp.TopP = p }
}

// WithTopK sets the top-k cutoff; -1 disables it.
func WithTopK(k int) SamplingOption {
	return func(sp *SamplingParams) { sp.TopK = k }
}

// WithMaxTokens sets the maximum number of generated tokens.
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) { sp.MaxTokens = n }
}

// WithIgnoreEOS keeps generating past the EOS token.
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) { sp.IgnoreEOS = b }
}

// WithStop sets stop strings; generation halts when one appears in the
// decoded completion.
func WithStop(stop ...string) SamplingOption {
	return func(sp *SamplingParams) { sp.Stop = stop }
}

// WithStopTokenIDs sets token ids that terminate generation.
func WithStopTokenIDs(ids ...int) SamplingOption {
	return func(sp *SamplingParams) { sp.StopTokenIDs = ids }
}

// WithSeed fixes the sampling seed for reproducible output.
func WithSeed(seed int64) SamplingOption {
	return func(sp *SamplingParams) { sp.Seed = seed }
}

// WithLogprobs requests per-token logprobs in the output.
func WithLogprobs(b bool) SamplingOption {
	return func(sp *SamplingParams) { sp.Logprobs = b }
}

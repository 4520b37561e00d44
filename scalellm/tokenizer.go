package scalellm

import "strings"

// Tokenizer converts between text and token ids. Real implementations
// wrap an external tokenizer library; the core only needs these three
// operations.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(tokenIDs []int) (string, error)
	EOSTokenID() int
}

// Detokenizer is the subset of Tokenizer the scheduler needs for stop
// string matching and streamed text output.
type Detokenizer interface {
	Decode(tokenIDs []int) (string, error)
}

// MockTokenizer maps runes to token ids one-to-one. Useful for tests and
// demos; round-trips any string without special tokens.
type MockTokenizer struct {
	EOS int
}

// NewMockTokenizer creates a mock tokenizer with the given EOS id.
func NewMockTokenizer(eos int) *MockTokenizer {
	return &MockTokenizer{EOS: eos}
}

// Encode maps each rune to its code point.
func (t *MockTokenizer) Encode(text string) ([]int, error) {
	runes := []rune(text)
	tokens := make([]int, len(runes))
	for i, r := range runes {
		tokens[i] = int(r)
	}
	return tokens, nil
}

// Decode maps token ids back to runes, skipping EOS.
func (t *MockTokenizer) Decode(tokenIDs []int) (string, error) {
	var sb strings.Builder
	for _, id := range tokenIDs {
		if id == t.EOS {
			continue
		}
		sb.WriteRune(rune(id))
	}
	return sb.String(), nil
}

// EOSTokenID returns the configured EOS id.
func (t *MockTokenizer) EOSTokenID() int { return t.EOS }

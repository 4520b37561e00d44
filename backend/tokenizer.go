package backend

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

// HFTokenizer wraps a HuggingFace tokenizer.json file. It satisfies the
// engine's Tokenizer interface.
type HFTokenizer struct {
	tk  *tokenizers.Tokenizer
	eos int
}

// NewHFTokenizer loads a tokenizer.json from disk. eosTokenID comes
// from the model's generation config; the tokenizer file does not carry
// it.
func NewHFTokenizer(path string, eosTokenID int) (*HFTokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	return &HFTokenizer{tk: tk, eos: eosTokenID}, nil
}

// Encode converts text to token ids without special tokens; the engine
// manages EOS itself.
func (t *HFTokenizer) Encode(text string) ([]int, error) {
	ids, _ := t.tk.Encode(text, false)
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

// Decode converts token ids back to text, skipping special tokens.
func (t *HFTokenizer) Decode(tokenIDs []int) (string, error) {
	ids := make([]uint32, len(tokenIDs))
	for i, id := range tokenIDs {
		ids[i] = uint32(id)
	}
	return t.tk.Decode(ids, true), nil
}

// EOSTokenID returns the configured end-of-sequence id.
func (t *HFTokenizer) EOSTokenID() int { return t.eos }

// Close releases the underlying native tokenizer.
func (t *HFTokenizer) Close() error {
	t.tk.Close()
	return nil
}

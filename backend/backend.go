// Package backend provides model executors and tokenizers behind the
// engine's interfaces: an in-process ONNX Runtime backend, a remote
// HTTP backend, and a mock for tests and dry runs.
package backend

import (
	"fmt"

	"scalellm-go/scalellm"
)

// Kind names an executor implementation.
type Kind string

const (
	KindMock   Kind = "mock"
	KindONNX   Kind = "onnx"
	KindRemote Kind = "remote"
)

// Options selects and configures a backend.
type Options struct {
	Kind Kind
	// ModelPath locates the ONNX model file (onnx backend).
	ModelPath string
	// TokenizerPath locates a HuggingFace tokenizer.json; empty means a
	// mock tokenizer.
	TokenizerPath string
	// ServerURL addresses the model server (remote backend).
	ServerURL string
	VocabSize int
	EOS       int
}

// NewExecutor builds the model executor the options describe.
func NewExecutor(opts Options) (scalellm.ModelExecutor, error) {
	switch opts.Kind {
	case KindMock, "":
		m := scalellm.NewMockExecutor()
		if opts.VocabSize > 0 {
			m.Vocab = opts.VocabSize
		}
		if opts.EOS > 0 {
			m.EOS = opts.EOS
		}
		return m, nil
	case KindONNX:
		if opts.ModelPath == "" {
			return nil, fmt.Errorf("onnx backend requires a model path")
		}
		return NewONNXExecutor(opts.ModelPath, opts.VocabSize)
	case KindRemote:
		if opts.ServerURL == "" {
			return nil, fmt.Errorf("remote backend requires a server url")
		}
		return NewRemoteExecutor(opts.ServerURL)
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Kind)
	}
}

// NewTokenizer builds the tokenizer the options describe. A configured
// TokenizerPath loads a HuggingFace tokenizer; otherwise a mock
// rune-level tokenizer is returned.
func NewTokenizer(opts Options) (scalellm.Tokenizer, error) {
	if opts.TokenizerPath != "" {
		return NewHFTokenizer(opts.TokenizerPath, opts.EOS)
	}
	return scalellm.NewMockTokenizer(opts.EOS), nil
}

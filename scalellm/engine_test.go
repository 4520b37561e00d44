package scalellm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, exec ModelExecutor, opts ...ConfigOption) *Engine {
	t.Helper()
	return NewEngine(testConfig(t, opts...), exec, NewMockTokenizer(2))
}

func TestEngineGenerate(t *testing.T) {
	exec := NewMockExecutor()
	engine := newTestEngine(t, exec)
	defer engine.Close()

	params := NewSamplingParams(WithMaxTokens(3))
	texts, err := engine.Generate([]string{"hello", "world"}, params)
	require.NoError(t, err)
	require.Len(t, texts, 2)

	// Replay the deterministic generation for the first prompt.
	prompt, err := NewMockTokenizer(2).Encode("hello")
	require.NoError(t, err)
	want, err := NewMockTokenizer(2).Decode(expectedCompletion(exec, prompt, params, 3))
	require.NoError(t, err)
	assert.Equal(t, want, texts[0])
	assert.NotEmpty(t, texts[1])
}

func TestEngineAddRequestStreaming(t *testing.T) {
	exec := NewMockExecutor()
	engine := newTestEngine(t, exec)
	defer engine.Close()

	var deltas []string
	var finished bool
	id, err := engine.AddRequest(Request{
		Prompt: "hi",
		Params: NewSamplingParams(WithMaxTokens(4)),
		Stream: true,
	}, func(out RequestOutput) bool {
		deltas = append(deltas, out.Outputs[0].Text)
		finished = out.Finished
		return true
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "cmpl-"), "request id %q", id)

	for i := 0; i < 20 && !finished; i++ {
		engine.Scheduler().Step(0)
	}
	require.True(t, finished)
	assert.Len(t, deltas, 4)
}

func TestEngineAddRequestRejectsInvalidParams(t *testing.T) {
	engine := newTestEngine(t, NewMockExecutor())
	defer engine.Close()

	_, err := engine.AddRequest(Request{
		Prompt: "hi",
		Params: NewSamplingParams(WithMaxTokens(0)),
	}, nil)
	var admErr *AdmissionError
	require.ErrorAs(t, err, &admErr)
}

func TestEngineAddRequestPreTokenized(t *testing.T) {
	exec := NewMockExecutor()
	engine := NewEngine(testConfig(t), exec, nil)
	defer engine.Close()

	var final *RequestOutput
	_, err := engine.AddRequest(Request{
		TokenIDs: []int{10, 11, 12},
		Params:   NewSamplingParams(WithMaxTokens(2)),
	}, func(out RequestOutput) bool {
		if out.Finished {
			o := out
			final = &o
		}
		return true
	})
	require.NoError(t, err)

	for i := 0; i < 20 && final == nil; i++ {
		engine.Scheduler().Step(0)
	}
	require.NotNil(t, final)
	assert.Len(t, final.Outputs[0].TokenIDs, 2)
}

func TestEngineRequiresTokensOrTokenizer(t *testing.T) {
	engine := NewEngine(testConfig(t), NewMockExecutor(), nil)
	defer engine.Close()

	_, err := engine.AddRequest(Request{Prompt: "hi"}, nil)
	require.Error(t, err)
}

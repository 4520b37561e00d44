package backend

import (
	"fmt"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"scalellm-go/scalellm"
)

// ONNXExecutor runs a causal language model exported to ONNX through
// ONNX Runtime. It is cacheless: every sampling step reruns the full
// token history, so it trades throughput for having no device-side
// state. BlocksToCopy and swap directives are no-ops for it.
type ONNXExecutor struct {
	modelPath string
	vocabSize int
	history   *historyTracker
	samplers  map[int64]*sampler
	log       *logrus.Entry
}

// NewONNXExecutor initializes ONNX Runtime and prepares an executor for
// the model at modelPath. The model must expose an "input_ids" input
// and a "logits" output of shape [1, seq_len, vocab_size].
func NewONNXExecutor(modelPath string, vocabSize int) (*ONNXExecutor, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnx runtime: %w", err)
		}
	}
	if vocabSize <= 0 {
		return nil, fmt.Errorf("vocab size must be positive, got %d", vocabSize)
	}
	return &ONNXExecutor{
		modelPath: modelPath,
		vocabSize: vocabSize,
		history:   newHistoryTracker(),
		samplers:  make(map[int64]*sampler),
		log:       logrus.WithField("component", "onnx_executor"),
	}, nil
}

// Execute runs every entry of the plan and samples where requested.
func (e *ONNXExecutor) Execute(plan *scalellm.BatchPlan) (*scalellm.ExecutionResult, error) {
	e.pruneStale()
	res := &scalellm.ExecutionResult{Results: make(map[int64]*scalellm.SequenceResult)}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(4); err != nil {
		return nil, fmt.Errorf("set threads: %w", err)
	}

	for _, entry := range plan.Entries {
		tokens := e.history.apply(entry)
		if !entry.Sample {
			res.Results[entry.SeqID] = &scalellm.SequenceResult{}
			continue
		}

		logits, err := e.forward(tokens, options)
		if err != nil {
			res.Results[entry.SeqID] = &scalellm.SequenceResult{
				Status: &scalellm.Status{Code: 500, Message: err.Error()},
			}
			continue
		}

		tok, lp := e.samplerFor(entry).sample(logits, entry.Params)
		sr := &scalellm.SequenceResult{TokenIDs: []int{tok}}
		if entry.Params != nil && entry.Params.Logprobs {
			sr.Logprobs = []float32{lp}
		}
		res.Results[entry.SeqID] = sr
	}
	return res, nil
}

// forward runs the full history through the model and returns the
// logits row of the last position.
func (e *ONNXExecutor) forward(tokens []int, options *ort.SessionOptions) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty token history")
	}
	inputData := make([]int64, len(tokens))
	for i, id := range tokens {
		inputData[i] = int64(id)
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(tokens))), inputData)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputData := make([]float32, len(tokens)*e.vocabSize)
	outputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(tokens)), int64(e.vocabSize)), outputData)
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	session, err := ort.NewAdvancedSession(
		e.modelPath,
		[]string{"input_ids"},
		[]string{"logits"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}

	logits := outputTensor.GetData()
	last := (len(tokens) - 1) * e.vocabSize
	return logits[last : last+e.vocabSize], nil
}

// pruneStale ages out finished sequences. Samplers live exactly as long
// as their histories.
func (e *ONNXExecutor) pruneStale() {
	for _, id := range e.history.tick() {
		delete(e.samplers, id)
	}
}

func (e *ONNXExecutor) samplerFor(entry scalellm.BatchEntry) *sampler {
	s := e.samplers[entry.SeqID]
	if s == nil {
		var seed int64
		if entry.Params != nil {
			seed = entry.Params.Seed
		}
		s = newSampler(seed)
		e.samplers[entry.SeqID] = s
	}
	return s
}

// Close releases executor state. The ONNX Runtime environment stays up
// for other executors in the process.
func (e *ONNXExecutor) Close() error {
	e.samplers = nil
	return nil
}

package scalellm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// stepTimeout bounds how long an idle step blocks waiting for work.
const stepTimeout = 100 * time.Millisecond

// Request describes one generation request. Either Prompt or TokenIDs
// must be set; a non-empty TokenIDs wins and skips tokenization.
type Request struct {
	Prompt   string
	TokenIDs []int
	Params   *SamplingParams
	Priority float64
	Stream   bool
}

// Engine wires the tokenizer, scheduler and model executor into a
// request-level API. AddRequest is safe from any goroutine; the step
// loop runs on the single goroutine that calls Run or Generate.
type Engine struct {
	cfg        *Config
	tokenizer  Tokenizer
	executor   ModelExecutor
	dispatcher *OutputDispatcher
	scheduler  *Scheduler
	log        *logrus.Entry

	closeOnce sync.Once
	closeErr  error
}

// NewEngine creates an engine. tokenizer may be nil when callers submit
// pre-tokenized requests; stop strings and output text are then
// unavailable.
func NewEngine(cfg *Config, executor ModelExecutor, tokenizer Tokenizer) *Engine {
	dispatcher := NewOutputDispatcher()
	var detok Detokenizer
	if tokenizer != nil {
		detok = tokenizer
	}
	return &Engine{
		cfg:        cfg,
		tokenizer:  tokenizer,
		executor:   executor,
		dispatcher: dispatcher,
		scheduler:  NewScheduler(cfg, executor, dispatcher, detok),
		log:        logrus.WithField("component", "engine"),
	}
}

// Scheduler exposes the scheduler, mainly for inspection.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// AddRequest tokenizes (if needed) and admits a request, returning its
// generated request id. cb receives outputs on the scheduling thread:
// incremental deltas for streaming requests, one final aggregate
// otherwise. Rejections surface synchronously as an AdmissionError and
// cb is never invoked.
func (e *Engine) AddRequest(req Request, cb OutputCallback) (string, error) {
	tokens := req.TokenIDs
	if len(tokens) == 0 {
		if e.tokenizer == nil {
			return "", fmt.Errorf("request has no token ids and no tokenizer is configured")
		}
		var err error
		tokens, err = e.tokenizer.Encode(req.Prompt)
		if err != nil {
			return "", fmt.Errorf("tokenize prompt: %w", err)
		}
	}
	params := req.Params
	if params == nil {
		params = NewSamplingParams()
	}

	requestID := "cmpl-" + uuid.NewString()
	group := NewSequenceGroup(requestID, tokens, params, req.Priority, req.Stream)
	if cb != nil {
		e.dispatcher.Register(requestID, cb)
	}
	if err := e.scheduler.ScheduleAsync(group); err != nil {
		e.dispatcher.Unregister(requestID)
		return "", err
	}
	e.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"prompt_len": len(tokens),
		"stream":     req.Stream,
	}).Debug("request added")
	return requestID, nil
}

// Run drives the step loop until ctx is cancelled. Step errors are
// already delivered to the affected requests, so the loop logs and
// keeps going.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine loop started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine loop stopped")
			return ctx.Err()
		default:
		}
		if err := e.scheduler.Step(stepTimeout); err != nil {
			e.log.WithError(err).Warn("step failed")
		}
	}
}

// Generate runs a batch of prompts to completion synchronously and
// returns the generated text per prompt (first sequence of each). It
// drives the step loop itself and must not run concurrently with Run.
func (e *Engine) Generate(prompts []string, params *SamplingParams) ([]string, error) {
	if e.tokenizer == nil {
		return nil, fmt.Errorf("generate requires a tokenizer")
	}

	texts := make([]string, len(prompts))
	var firstErr error
	remaining := len(prompts)
	bar := progressbar.Default(int64(len(prompts)), "generating")

	for i, prompt := range prompts {
		i := i
		_, err := e.AddRequest(Request{Prompt: prompt, Params: params}, func(out RequestOutput) bool {
			if !out.Finished {
				return true
			}
			if out.Status != nil && firstErr == nil {
				firstErr = &ExecutionError{RequestID: out.RequestID, Status: *out.Status}
			}
			if len(out.Outputs) > 0 {
				texts[i] = out.Outputs[0].Text
			}
			remaining--
			bar.Add(1)
			return true
		})
		if err != nil {
			return nil, err
		}
	}

	for remaining > 0 {
		if err := e.scheduler.Step(stepTimeout); err != nil {
			e.log.WithError(err).Warn("step failed")
		}
	}
	bar.Finish()
	return texts, firstErr
}

// Close shuts down the model executor. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.executor.Close()
	})
	return e.closeErr
}

package scalellm

import "sync"

// SequenceOutput is one sequence's contribution to a request output.
// TokenIDs and Text are deltas since the previous dispatch for streaming
// requests, and the full completion on the final output of non-streaming
// requests.
type SequenceOutput struct {
	Index        int          `json:"index"`
	TokenIDs     []int        `json:"token_ids,omitempty"`
	Text         string       `json:"text"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Logprobs     []float32    `json:"logprobs,omitempty"`
}

// RequestOutput is the unit of delivery to the transport layer: an
// incremental or final result for one sequence group.
type RequestOutput struct {
	RequestID string           `json:"request_id"`
	Outputs   []SequenceOutput `json:"outputs"`
	Finished  bool             `json:"finished"`
	Status    *Status          `json:"status,omitempty"`
}

// OutputCallback receives request outputs in generation order. Returning
// false signals that the consumer is gone; the scheduler treats it as a
// cooperative cancellation.
type OutputCallback func(RequestOutput) bool

// OutputDispatcher routes per-group outputs to registered callbacks.
// Registration happens on request-handling goroutines; dispatch happens
// inline on the scheduling thread, which preserves per-group ordering.
type OutputDispatcher struct {
	mu        sync.Mutex
	callbacks map[string]OutputCallback
}

// NewOutputDispatcher creates an empty registry.
func NewOutputDispatcher() *OutputDispatcher {
	return &OutputDispatcher{callbacks: make(map[string]OutputCallback)}
}

// Register installs the callback for a request id.
func (d *OutputDispatcher) Register(requestID string, cb OutputCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks[requestID] = cb
}

// Unregister removes a request's callback.
func (d *OutputDispatcher) Unregister(requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.callbacks, requestID)
}

// Dispatch delivers an output to its callback. It returns false only
// when the callback reports a disconnected consumer; an unregistered
// request id is delivered nowhere and reports success.
func (d *OutputDispatcher) Dispatch(out RequestOutput) bool {
	d.mu.Lock()
	cb := d.callbacks[out.RequestID]
	d.mu.Unlock()
	if cb == nil {
		return true
	}
	return cb(out)
}

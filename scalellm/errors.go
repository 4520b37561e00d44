package scalellm

import (
	"errors"
	"fmt"
)

// ErrNoFreeBlocks signals that the KV cache pool is exhausted. It is a
// scheduling signal, not a failure: the scheduler responds by preempting
// or deferring work.
var ErrNoFreeBlocks = errors.New("no free KV cache blocks")

// AdmissionError is returned synchronously from ScheduleAsync when a
// request can never be admitted: invalid sampling parameters, or a prompt
// whose block demand exceeds the total pool.
type AdmissionError struct {
	RequestID string
	Reason    string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("request %s rejected: %s", e.RequestID, e.Reason)
}

// Status carries an executor-reported failure for one sequence or for a
// whole batch plan.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Status) Error() string {
	return fmt.Sprintf("execution error (code %d): %s", s.Code, s.Message)
}

// ExecutionError wraps an executor failure that terminated a request.
type ExecutionError struct {
	RequestID string
	Status    Status
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("request %s: %s", e.RequestID, e.Status.Error())
}

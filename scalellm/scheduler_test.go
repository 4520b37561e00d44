package scalellm

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.ErrorLevel)
	os.Exit(m.Run())
}

// recordingExecutor captures every plan for later inspection.
type recordingExecutor struct {
	*MockExecutor
	plans []*BatchPlan
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{MockExecutor: NewMockExecutor()}
}

func (r *recordingExecutor) Execute(plan *BatchPlan) (*ExecutionResult, error) {
	r.plans = append(r.plans, plan)
	return r.MockExecutor.Execute(plan)
}

// collector gathers a request's outputs from the dispatcher.
type collector struct {
	outputs []RequestOutput
	final   *RequestOutput
	refuse  bool
}

func (c *collector) cb(out RequestOutput) bool {
	c.outputs = append(c.outputs, out)
	if out.Finished {
		o := out
		c.final = &o
	}
	return !c.refuse
}

func testConfig(t *testing.T, opts ...ConfigOption) *Config {
	t.Helper()
	base := []ConfigOption{
		WithBlockSize(4),
		WithNumBlocks(64),
		WithMaxBatchTokens(256),
		WithMaxModelLen(128),
	}
	cfg, err := NewConfig(append(base, opts...)...)
	require.NoError(t, err)
	return cfg
}

func newTestScheduler(t *testing.T, exec ModelExecutor, opts ...ConfigOption) (*Scheduler, *OutputDispatcher) {
	t.Helper()
	d := NewOutputDispatcher()
	return NewScheduler(testConfig(t, opts...), exec, d, NewMockTokenizer(2)), d
}

func submit(t *testing.T, s *Scheduler, d *OutputDispatcher, id string, prompt []int, params *SamplingParams, priority float64, stream bool) *collector {
	t.Helper()
	c := &collector{}
	d.Register(id, c.cb)
	g := NewSequenceGroup(id, prompt, params, priority, stream)
	require.NoError(t, s.ScheduleAsync(g))
	return c
}

func runUntil(t *testing.T, s *Scheduler, maxSteps int, done func() bool) {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		if done() {
			return
		}
		s.Step(0)
	}
	require.True(t, done(), "condition not reached within %d steps", maxSteps)
}

// expectedCompletion replays the mock's deterministic generation rule.
func expectedCompletion(m *MockExecutor, prompt []int, params *SamplingParams, n int) []int {
	history := append([]int(nil), prompt...)
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		tok := m.nextToken(BatchEntry{InputTokens: history, StartPos: 0, Params: params})
		out = append(out, tok)
		history = append(history, tok)
	}
	return out
}

func TestSchedulerBasicGeneration(t *testing.T) {
	exec := NewMockExecutor()
	s, d := newTestScheduler(t, exec)

	params := NewSamplingParams(WithMaxTokens(4))
	c := submit(t, s, d, "req-1", []int{10, 11, 12}, params, 0, false)

	runUntil(t, s, 20, func() bool { return c.final != nil })

	require.Len(t, c.outputs, 1, "non-streaming requests get exactly one output")
	out := c.final.Outputs[0]
	assert.Equal(t, FinishLength, out.FinishReason)
	assert.Equal(t, expectedCompletion(exec, []int{10, 11, 12}, params, 4), out.TokenIDs)
	assert.True(t, s.IsIdle())
}

func TestSchedulerStreamingDeltas(t *testing.T) {
	exec := NewMockExecutor()
	s, d := newTestScheduler(t, exec)

	params := NewSamplingParams(WithMaxTokens(4))
	c := submit(t, s, d, "req-1", []int{10, 11, 12}, params, 0, true)

	runUntil(t, s, 20, func() bool { return c.final != nil })

	require.Len(t, c.outputs, 4, "one delta per generated token")
	var all []int
	for i, out := range c.outputs {
		require.Len(t, out.Outputs[0].TokenIDs, 1)
		all = append(all, out.Outputs[0].TokenIDs...)
		assert.Equal(t, i == len(c.outputs)-1, out.Finished)
	}
	assert.Equal(t, expectedCompletion(exec, []int{10, 11, 12}, params, 4), all)
}

func TestSchedulerEOSStops(t *testing.T) {
	exec := NewMockExecutor()
	exec.EOSAfter = 6
	s, d := newTestScheduler(t, exec)

	c := submit(t, s, d, "req-1", []int{10, 11, 12}, NewSamplingParams(WithMaxTokens(10)), 0, false)
	runUntil(t, s, 20, func() bool { return c.final != nil })

	// The first three sampled positions sit below the threshold; the
	// fourth crosses it and emits EOS.
	out := c.final.Outputs[0]
	assert.Equal(t, FinishStop, out.FinishReason)
	require.Len(t, out.TokenIDs, 4)
	assert.Equal(t, exec.EOS, out.TokenIDs[3])
}

func TestSchedulerIgnoreEOS(t *testing.T) {
	exec := NewMockExecutor()
	exec.EOSAfter = 6
	s, d := newTestScheduler(t, exec)

	params := NewSamplingParams(WithMaxTokens(5), WithIgnoreEOS(true))
	c := submit(t, s, d, "req-1", []int{10, 11, 12}, params, 0, false)
	runUntil(t, s, 20, func() bool { return c.final != nil })

	out := c.final.Outputs[0]
	assert.Equal(t, FinishLength, out.FinishReason)
	assert.Len(t, out.TokenIDs, 5)
}

func TestSchedulerStopTokenID(t *testing.T) {
	exec := NewMockExecutor()
	s, d := newTestScheduler(t, exec)

	prompt := []int{10, 11, 12}
	first := expectedCompletion(exec, prompt, nil, 1)[0]
	params := NewSamplingParams(WithMaxTokens(10), WithStopTokenIDs(first))
	c := submit(t, s, d, "req-1", prompt, params, 0, false)
	runUntil(t, s, 20, func() bool { return c.final != nil })

	out := c.final.Outputs[0]
	assert.Equal(t, FinishStop, out.FinishReason)
	assert.Equal(t, []int{first}, out.TokenIDs)
}

func TestSchedulerStopString(t *testing.T) {
	exec := NewMockExecutor()
	s, d := newTestScheduler(t, exec)

	prompt := []int{10, 11, 12}
	first := expectedCompletion(exec, prompt, nil, 1)[0]
	params := NewSamplingParams(WithMaxTokens(10), WithStop(string(rune(first))))
	c := submit(t, s, d, "req-1", prompt, params, 0, false)
	runUntil(t, s, 20, func() bool { return c.final != nil })

	out := c.final.Outputs[0]
	assert.Equal(t, FinishStop, out.FinishReason)
	assert.Equal(t, []int{first}, out.TokenIDs)
}

func TestSchedulerMaxModelLen(t *testing.T) {
	exec := NewMockExecutor()
	s, d := newTestScheduler(t, exec, WithMaxModelLen(8))

	c := submit(t, s, d, "req-1", []int{10, 11, 12}, NewSamplingParams(WithMaxTokens(100)), 0, false)
	runUntil(t, s, 20, func() bool { return c.final != nil })

	out := c.final.Outputs[0]
	assert.Equal(t, FinishLength, out.FinishReason)
	assert.Len(t, out.TokenIDs, 5)
}

func TestSchedulerAdmissionErrors(t *testing.T) {
	s, _ := newTestScheduler(t, NewMockExecutor(), WithNumBlocks(4))

	cases := []struct {
		name  string
		group *SequenceGroup
	}{
		{"empty prompt", NewSequenceGroup("r1", nil, NewSamplingParams(), 0, false)},
		{"prompt too long", NewSequenceGroup("r2", seqTokens(200), NewSamplingParams(), 0, false)},
		{"invalid params", NewSequenceGroup("r3", []int{1}, NewSamplingParams(WithTemperature(-1)), 0, false)},
		{"prompt exceeds pool", NewSequenceGroup("r4", seqTokens(20), NewSamplingParams(), 0, false)},
	}
	for _, tc := range cases {
		err := s.ScheduleAsync(tc.group)
		var admErr *AdmissionError
		assert.ErrorAs(t, err, &admErr, tc.name)
	}
	assert.True(t, s.IsIdle())
}

func TestSchedulerHeadOfLineAdmission(t *testing.T) {
	exec := NewMockExecutor()
	s, d := newTestScheduler(t, exec, WithNumBlocks(4))

	var order []string
	track := func(id string) OutputCallback {
		return func(out RequestOutput) bool {
			if out.Finished {
				order = append(order, id)
			}
			return true
		}
	}
	d.Register("req-1", track("req-1"))
	d.Register("req-2", track("req-2"))
	d.Register("req-3", track("req-3"))

	require.NoError(t, s.ScheduleAsync(NewSequenceGroup("req-1", seqTokens(8), NewSamplingParams(WithMaxTokens(4)), 0, false)))
	require.NoError(t, s.ScheduleAsync(NewSequenceGroup("req-2", seqTokens(12), NewSamplingParams(WithMaxTokens(2)), 0, false)))
	require.NoError(t, s.ScheduleAsync(NewSequenceGroup("req-3", seqTokens(4), NewSamplingParams(WithMaxTokens(2)), 0, false)))

	s.Step(0)
	// req-2 does not fit and req-3 must not jump past it.
	assert.Len(t, s.running.Items(), 1)
	assert.Equal(t, "req-1", s.running.Items()[0].RequestID)

	runUntil(t, s, 100, func() bool { return len(order) == 3 })
	assert.Equal(t, []string{"req-1", "req-2", "req-3"}, order)
}

func TestSchedulerPriorityAdmission(t *testing.T) {
	exec := newRecordingExecutor()
	s, d := newTestScheduler(t, exec)

	cLow := submit(t, s, d, "low", []int{10, 11}, NewSamplingParams(WithMaxTokens(2)), 0, false)
	cHigh := submit(t, s, d, "high", []int{20, 21}, NewSamplingParams(WithMaxTokens(2)), 5, false)

	runUntil(t, s, 20, func() bool { return cLow.final != nil && cHigh.final != nil })

	require.NotEmpty(t, exec.plans)
	assert.Equal(t, "high", exec.plans[0].Entries[0].RequestID)
}

func TestSchedulerPreemptionRecomputeTransparent(t *testing.T) {
	exec := NewMockExecutor()
	s, d := newTestScheduler(t, exec, WithNumBlocks(4))
	before := testutil.ToFloat64(preemptionsTotal.WithLabelValues(string(PreemptRecompute)))

	promptA, promptB := seqTokens(4), []int{50, 51, 52, 53}
	params := NewSamplingParams(WithMaxTokens(10))
	cA := submit(t, s, d, "req-a", promptA, params, 0, false)
	cB := submit(t, s, d, "req-b", promptB, params, 0, false)

	runUntil(t, s, 300, func() bool { return cA.final != nil && cB.final != nil })

	after := testutil.ToFloat64(preemptionsTotal.WithLabelValues(string(PreemptRecompute)))
	assert.Greater(t, after, before, "contention must force preemption")

	// Preemption is invisible in the output.
	assert.Equal(t, expectedCompletion(exec, promptA, params, 10), cA.final.Outputs[0].TokenIDs)
	assert.Equal(t, expectedCompletion(exec, promptB, params, 10), cB.final.Outputs[0].TokenIDs)
	assert.Equal(t, 4, s.BlockAllocator().NumFreeBlocks())
}

func TestSchedulerPreemptLowestPriority(t *testing.T) {
	exec := NewMockExecutor()
	s, d := newTestScheduler(t, exec,
		WithNumBlocks(4),
		WithPreemptionPolicy("preempt-lowest-priority"))

	var order []string
	params := NewSamplingParams(WithMaxTokens(10))
	promptA, promptB := seqTokens(4), []int{50, 51, 52, 53}

	cA := &collector{}
	cB := &collector{}
	d.Register("low", func(out RequestOutput) bool {
		if out.Finished {
			order = append(order, "low")
		}
		return cA.cb(out)
	})
	d.Register("high", func(out RequestOutput) bool {
		if out.Finished {
			order = append(order, "high")
		}
		return cB.cb(out)
	})
	require.NoError(t, s.ScheduleAsync(NewSequenceGroup("low", promptA, params, 0, false)))
	require.NoError(t, s.ScheduleAsync(NewSequenceGroup("high", promptB, params, 5, false)))

	runUntil(t, s, 300, func() bool { return cA.final != nil && cB.final != nil })

	assert.Equal(t, []string{"high", "low"}, order)
	assert.Equal(t, expectedCompletion(exec, promptA, params, 10), cA.final.Outputs[0].TokenIDs)
}

func TestSchedulerPreemptionSwap(t *testing.T) {
	exec := newRecordingExecutor()
	s, d := newTestScheduler(t, exec,
		WithNumBlocks(4),
		WithNumSwapBlocks(16),
		WithPreemptionMode(PreemptSwap))
	before := testutil.ToFloat64(preemptionsTotal.WithLabelValues(string(PreemptSwap)))

	promptA, promptB := seqTokens(4), []int{50, 51, 52, 53}
	params := NewSamplingParams(WithMaxTokens(10))
	cA := submit(t, s, d, "req-a", promptA, params, 0, false)
	cB := submit(t, s, d, "req-b", promptB, params, 0, false)

	runUntil(t, s, 300, func() bool { return cA.final != nil && cB.final != nil })

	after := testutil.ToFloat64(preemptionsTotal.WithLabelValues(string(PreemptSwap)))
	assert.Greater(t, after, before)

	var sawSwapOut, sawSwapIn bool
	for _, plan := range exec.plans {
		sawSwapOut = sawSwapOut || len(plan.SwapOut) > 0
		sawSwapIn = sawSwapIn || len(plan.SwapIn) > 0
	}
	assert.True(t, sawSwapOut, "executor must see swap-out directives")
	assert.True(t, sawSwapIn, "executor must see swap-in directives")

	assert.Equal(t, expectedCompletion(exec.MockExecutor, promptA, params, 10), cA.final.Outputs[0].TokenIDs)
	assert.Equal(t, expectedCompletion(exec.MockExecutor, promptB, params, 10), cB.final.Outputs[0].TokenIDs)
	assert.Equal(t, 4, s.BlockAllocator().NumFreeBlocks())
}

// liveBlockExecutor records sequences whose block snapshots reference
// unheld blocks at execute time.
type liveBlockExecutor struct {
	*recordingExecutor
	alloc *BlockAllocator
	stale []int64
}

func (e *liveBlockExecutor) Execute(plan *BatchPlan) (*ExecutionResult, error) {
	for _, entry := range plan.Entries {
		for _, id := range entry.BlockTable {
			if e.alloc.RefCount(id) == 0 {
				e.stale = append(e.stale, entry.SeqID)
				break
			}
		}
	}
	return e.recordingExecutor.Execute(plan)
}

func TestSchedulerSelfPreemptionDropsSiblingEntries(t *testing.T) {
	// Two siblings on a two-block pool: the first child claims the last
	// free block for its decode slot, the second finds none and no other
	// victim, so the group preempts itself. The first child's planned
	// entry now points at released blocks and must never execute.
	exec := &liveBlockExecutor{recordingExecutor: newRecordingExecutor()}
	s, d := newTestScheduler(t, exec, WithNumBlocks(2))
	exec.alloc = s.BlockAllocator()
	before := testutil.ToFloat64(preemptionsTotal.WithLabelValues(string(PreemptRecompute)))

	params := NewSamplingParams(WithN(2), WithMaxTokens(8))
	c := submit(t, s, d, "req-1", seqTokens(4), params, 0, false)

	for i := 0; i < 6; i++ {
		require.NoError(t, s.Step(0))
	}

	assert.Empty(t, exec.stale, "entries referencing released blocks reached the executor")
	require.Len(t, exec.plans, 1, "only the prefill step may execute")
	for _, entry := range exec.plans[0].Entries {
		assert.True(t, entry.IsPrefill)
	}

	after := testutil.ToFloat64(preemptionsTotal.WithLabelValues(string(PreemptRecompute)))
	assert.Equal(t, before+1, after)
	assert.Equal(t, 2, s.BlockAllocator().NumFreeBlocks(), "preemption must return every block")
	// The resumed pair needs four blocks; the group stays parked in the
	// waiting queue.
	assert.Nil(t, c.final)
}

func TestSchedulerForkedSequencesShareAndDiverge(t *testing.T) {
	exec := newRecordingExecutor()
	s, d := newTestScheduler(t, exec, WithNumBlocks(8))

	params := NewSamplingParams(WithN(2), WithMaxTokens(3))
	c := submit(t, s, d, "req-1", seqTokens(6), params, 0, false)

	s.Step(0)
	// Prompt blocks are shared between the two children.
	assert.Equal(t, 6, s.BlockAllocator().NumFreeBlocks())

	s.Step(0)
	// First decode diverges the shared partial block via copy-on-write.
	require.GreaterOrEqual(t, len(exec.plans), 2)
	assert.Len(t, exec.plans[1].BlocksToCopy, 1)
	assert.Equal(t, 5, s.BlockAllocator().NumFreeBlocks())

	runUntil(t, s, 20, func() bool { return c.final != nil })
	require.Len(t, c.final.Outputs, 2)
	assert.Len(t, c.final.Outputs[0].TokenIDs, 3)
	assert.Equal(t, 8, s.BlockAllocator().NumFreeBlocks())
}

func TestSchedulerPrefixCacheSkipsComputedPrefix(t *testing.T) {
	exec := newRecordingExecutor()
	s, d := newTestScheduler(t, exec, WithNumBlocks(8), WithPrefixCaching(true))

	prompt := seqTokens(8)
	params := NewSamplingParams(WithMaxTokens(2))

	cA := submit(t, s, d, "req-a", prompt, params, 0, false)
	runUntil(t, s, 20, func() bool { return cA.final != nil })
	firstPlans := len(exec.plans)

	cB := submit(t, s, d, "req-b", prompt, params, 0, false)
	runUntil(t, s, 20, func() bool { return cB.final != nil })

	// The cache hit shrinks the second request's prefill to the final
	// uncovered token.
	entry := exec.plans[firstPlans].Entries[0]
	assert.True(t, entry.IsPrefill)
	assert.Len(t, entry.InputTokens, 1)
	assert.Equal(t, 7, entry.StartPos)

	assert.Equal(t, cA.final.Outputs[0].TokenIDs, cB.final.Outputs[0].TokenIDs)
}

func TestSchedulerCancellationOnRefusedDelivery(t *testing.T) {
	exec := NewMockExecutor()
	s, d := newTestScheduler(t, exec)

	c := &collector{}
	d.Register("req-1", func(out RequestOutput) bool {
		c.cb(out)
		return len(c.outputs) < 2
	})
	g := NewSequenceGroup("req-1", []int{10, 11, 12}, NewSamplingParams(WithMaxTokens(50)), 0, true)
	require.NoError(t, s.ScheduleAsync(g))

	runUntil(t, s, 20, func() bool { return s.IsIdle() })
	assert.Less(t, len(c.outputs), 10, "cancelled request must stop early")
	assert.Equal(t, 64, s.BlockAllocator().NumFreeBlocks())
}

func TestSchedulerSequenceFailureIsolated(t *testing.T) {
	exec := NewMockExecutor()
	s, d := newTestScheduler(t, exec)

	good := submit(t, s, d, "good", []int{10, 11}, NewSamplingParams(WithMaxTokens(3)), 0, false)

	bad := &collector{}
	d.Register("bad", bad.cb)
	g := NewSequenceGroup("bad", []int{20, 21}, NewSamplingParams(WithMaxTokens(3)), 0, false)
	exec.FailSeqs = map[int64]*Status{
		g.Seqs[0].SeqID: {Code: 507, Message: "out of device memory"},
	}
	require.NoError(t, s.ScheduleAsync(g))

	runUntil(t, s, 20, func() bool { return good.final != nil && bad.final != nil })

	require.NotNil(t, bad.final.Status)
	assert.Equal(t, 507, bad.final.Status.Code)
	assert.Equal(t, FinishError, bad.final.Outputs[0].FinishReason)

	assert.Nil(t, good.final.Status)
	assert.Len(t, good.final.Outputs[0].TokenIDs, 3)
	assert.Equal(t, 64, s.BlockAllocator().NumFreeBlocks())
}

func TestSchedulerPlanFailureFailsScheduledRequests(t *testing.T) {
	exec := NewMockExecutor()
	exec.FailPlan = errors.New("device lost")
	s, d := newTestScheduler(t, exec)

	c1 := submit(t, s, d, "req-1", []int{10, 11}, NewSamplingParams(WithMaxTokens(3)), 0, false)
	c2 := submit(t, s, d, "req-2", []int{20, 21}, NewSamplingParams(WithMaxTokens(3)), 0, false)

	err := s.Step(0)
	require.Error(t, err)

	require.NotNil(t, c1.final)
	require.NotNil(t, c2.final)
	assert.NotNil(t, c1.final.Status)
	assert.NotNil(t, c2.final.Status)
	assert.True(t, s.IsIdle())
	assert.Equal(t, 64, s.BlockAllocator().NumFreeBlocks())
}

func TestSchedulerChunkedPrefill(t *testing.T) {
	exec := newRecordingExecutor()
	s, d := newTestScheduler(t, exec, WithChunkedPrefill(4))

	prompt := seqTokens(10)
	params := NewSamplingParams(WithMaxTokens(2))
	c := submit(t, s, d, "req-1", prompt, params, 0, false)

	runUntil(t, s, 20, func() bool { return c.final != nil })

	first := exec.plans[0].Entries[0]
	assert.Len(t, first.InputTokens, 4)
	assert.False(t, first.Sample)

	third := exec.plans[2].Entries[0]
	assert.Len(t, third.InputTokens, 2)
	assert.True(t, third.Sample)

	assert.Equal(t, expectedCompletion(exec.MockExecutor, prompt, params, 2), c.final.Outputs[0].TokenIDs)
}

func TestSchedulerIdleStepIsNoop(t *testing.T) {
	exec := NewMockExecutor()
	s, _ := newTestScheduler(t, exec)

	start := time.Now()
	require.NoError(t, s.Step(20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.Zero(t, exec.NumExecutions)
}

func TestSchedulerWakesOnAdmission(t *testing.T) {
	exec := NewMockExecutor()
	s, d := newTestScheduler(t, exec)

	c := &collector{}
	d.Register("req-1", c.cb)
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.ScheduleAsync(NewSequenceGroup("req-1", []int{10, 11}, NewSamplingParams(WithMaxTokens(1)), 0, false))
	}()

	require.NoError(t, s.Step(2*time.Second))
	assert.Equal(t, 1, exec.NumExecutions, "admission must wake the idle step")
}

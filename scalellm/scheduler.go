package scalellm

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler owns the waiting, running and swapped queues and runs the
// continuous-batching step loop. Step is single-threaded and is the sole
// mutator of queue membership, sequence status and block tables;
// ScheduleAsync is the only concurrency-safe entry point.
type Scheduler struct {
	cfg        *Config
	alloc      *BlockAllocator
	hostAlloc  *BlockAllocator
	executor   ModelExecutor
	dispatcher *OutputDispatcher
	detok      Detokenizer
	policy     PreemptionPolicy

	mu      sync.Mutex
	pending []*SequenceGroup
	wake    chan struct{}

	waiting groupQueue
	running groupQueue
	swapped groupQueue

	// scheduled maps sequence ids of the in-flight plan back to their
	// sequences and groups; rebuilt every step.
	scheduled map[int64]*schedTarget
	// protected holds groups fully scheduled this step; they are not
	// preemption candidates.
	protected map[*SequenceGroup]bool
	// touched records groups with new results this step, in plan order.
	touched []*SequenceGroup

	stepCount int64
	log       *logrus.Entry
}

type schedTarget struct {
	seq   *Sequence
	group *SequenceGroup
}

// NewScheduler creates a scheduler over a fresh block pool. detok may be
// nil; stop strings and streamed text are then unavailable.
func NewScheduler(cfg *Config, executor ModelExecutor, dispatcher *OutputDispatcher, detok Detokenizer) *Scheduler {
	s := &Scheduler{
		cfg:        cfg,
		alloc:      NewBlockAllocator(cfg.NumBlocks, cfg.BlockSize, cfg.EnablePrefixCaching),
		executor:   executor,
		dispatcher: dispatcher,
		detok:      detok,
		policy:     NewPreemptionPolicy(cfg.PreemptionPolicy),
		wake:       make(chan struct{}, 1),
		log:        logrus.WithField("component", "scheduler"),
	}
	if cfg.PreemptionMode == PreemptSwap {
		s.hostAlloc = NewBlockAllocator(cfg.NumSwapBlocks, cfg.BlockSize, false)
	}
	return s
}

// BlockAllocator exposes the device pool for inspection.
func (s *Scheduler) BlockAllocator() *BlockAllocator { return s.alloc }

// ScheduleAsync admits a sequence group into the waiting queue. It is
// safe to call from any goroutine and never blocks on step progress.
// Requests that can never run are rejected synchronously with an
// AdmissionError.
func (s *Scheduler) ScheduleAsync(group *SequenceGroup) error {
	if err := group.Params.Validate(); err != nil {
		requestsRejected.WithLabelValues("invalid_params").Inc()
		return &AdmissionError{RequestID: group.RequestID, Reason: err.Error()}
	}
	promptLen := len(group.Seqs[0].PromptTokenIDs())
	if promptLen == 0 {
		requestsRejected.WithLabelValues("empty_prompt").Inc()
		return &AdmissionError{RequestID: group.RequestID, Reason: "empty prompt"}
	}
	if promptLen >= s.cfg.MaxModelLen {
		requestsRejected.WithLabelValues("prompt_too_long").Inc()
		return &AdmissionError{
			RequestID: group.RequestID,
			Reason:    fmt.Sprintf("prompt length %d exceeds max model length %d", promptLen, s.cfg.MaxModelLen),
		}
	}
	if need := group.NumPromptBlocks(s.cfg.BlockSize); need > s.alloc.NumTotalBlocks() {
		requestsRejected.WithLabelValues("insufficient_capacity").Inc()
		return &AdmissionError{
			RequestID: group.RequestID,
			Reason:    fmt.Sprintf("prompt needs %d blocks, pool has %d", need, s.alloc.NumTotalBlocks()),
		}
	}

	s.mu.Lock()
	s.pending = append(s.pending, group)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	requestsAdmitted.Inc()
	return nil
}

// Step runs one scheduling iteration: preemption, decode, prefill
// admission, execution, result application, output dispatch and reaping.
// With no eligible work it waits up to timeout for an admission and
// returns without doing anything.
func (s *Scheduler) Step(timeout time.Duration) error {
	start := time.Now()
	s.drainPending()
	if !s.hasWork() {
		if timeout > 0 {
			select {
			case <-s.wake:
				s.drainPending()
			case <-time.After(timeout):
			}
		}
		if !s.hasWork() {
			return nil
		}
	}

	s.stepCount++
	s.scheduled = make(map[int64]*schedTarget)
	s.protected = make(map[*SequenceGroup]bool)
	s.touched = s.touched[:0]
	s.sweepCancelled()

	plan := &BatchPlan{}
	tokenBudget := s.cfg.MaxBatchTokens
	s.scheduleSwapped(plan)
	s.scheduleRunning(plan, &tokenBudget)
	s.schedulePrefill(plan, &tokenBudget)
	s.updateGauges()
	if plan.IsEmpty() {
		return nil
	}

	res, execErr := s.executor.Execute(plan)
	if execErr != nil {
		s.failPlan(plan, execErr)
		s.dispatchOutputs()
		s.reap()
		s.updateGauges()
		return fmt.Errorf("execute batch: %w", execErr)
	}
	s.applyResults(plan, res)
	s.dispatchOutputs()
	s.reap()
	s.updateGauges()
	stepDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (s *Scheduler) drainPending() {
	s.mu.Lock()
	groups := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, g := range groups {
		s.waiting.Push(g)
	}
}

func (s *Scheduler) hasWork() bool {
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	return pending > 0 || s.waiting.Len() > 0 || s.running.Len() > 0 || s.swapped.Len() > 0
}

// sweepCancelled finishes groups whose consumer disconnected since the
// last step.
func (s *Scheduler) sweepCancelled() {
	for _, q := range []*groupQueue{&s.waiting, &s.running, &s.swapped} {
		for _, g := range append([]*SequenceGroup(nil), q.Items()...) {
			if !g.cancelled || g.IsFinished() {
				continue
			}
			s.log.WithField("request_id", g.RequestID).Debug("cancelling disconnected request")
			s.finishGroup(g, FinishStop)
			q.Remove(g)
			s.dispatchFinal(g)
		}
	}
}

// scheduleSwapped brings swapped-out groups back onto the device before
// any new prefill admission, in swap order.
func (s *Scheduler) scheduleSwapped(plan *BatchPlan) {
	for s.swapped.Len() > 0 {
		g := s.swapped.Peek()
		need := 0
		for _, seq := range g.SeqsWithStatus(StatusSwapped) {
			need += seq.blockTable.NumBlocks()
		}
		if need > s.alloc.NumFreeBlocks() {
			return
		}
		s.swapped.Pop()
		for _, seq := range g.SeqsWithStatus(StatusSwapped) {
			swaps, err := seq.blockTable.SwapIn(s.hostAlloc)
			if err != nil {
				// The free-block precheck covers every allocation below.
				panic(fmt.Sprintf("swap-in failed after capacity check: %v", err))
			}
			plan.SwapIn = append(plan.SwapIn, swaps...)
			seq.Status = StatusRunning
		}
		// Freshly swapped-in groups are not preemption candidates this
		// step; a same-step swap-out would race the pending swap-in.
		s.protected[g] = true
		s.running.Push(g)
		s.log.WithField("request_id", g.RequestID).Debug("swapped in")
	}
}

// scheduleRunning advances every running sequence: a continuing prefill
// chunk if its KV cache still trails the token history, otherwise one
// decode slot. Block exhaustion triggers the preemption loop.
func (s *Scheduler) scheduleRunning(plan *BatchPlan, tokenBudget *int) {
	for _, g := range append([]*SequenceGroup(nil), s.running.Items()...) {
		if g.IsFinished() || g.SeqsWithStatus(StatusRunning) == nil {
			continue // preempted or finished while scheduling others
		}
		if *tokenBudget <= 0 {
			s.log.Warn("token budget exhausted, deferring running sequences to next step")
			break
		}
		// Rollback marks. When the group must preempt itself below, the
		// entries already planned for its earlier siblings reference
		// blocks the preemption releases; they must not reach the
		// executor.
		entryMark := len(plan.Entries)
		copyMark := len(plan.BlocksToCopy)
		tokenMark := plan.NumTokens
		budgetMark := *tokenBudget
		scheduledGroup := true
		for _, seq := range g.SeqsWithStatus(StatusRunning) {
			if *tokenBudget <= 0 {
				break
			}
			if seq.NumComputedTokens < seq.Len()-1 || seq.NumCompletionTokens() == 0 {
				s.addPrefillEntries(plan, g, seq, tokenBudget)
				continue
			}
			if !s.ensureDecodeSlot(plan, g, seq) {
				scheduledGroup = false
				break
			}
			entry := BatchEntry{
				SeqID:       seq.SeqID,
				RequestID:   g.RequestID,
				IsPrefill:   false,
				InputTokens: []int{seq.LastToken},
				StartPos:    seq.Len() - 1,
				Sample:      true,
				BlockTable:  seq.blockTable.Blocks(),
				Params:      g.Params,
			}
			plan.Entries = append(plan.Entries, entry)
			plan.NumTokens++
			*tokenBudget--
			s.scheduled[seq.SeqID] = &schedTarget{seq: seq, group: g}
		}
		if !scheduledGroup {
			for _, e := range plan.Entries[entryMark:] {
				delete(s.scheduled, e.SeqID)
			}
			plan.Entries = plan.Entries[:entryMark]
			plan.BlocksToCopy = plan.BlocksToCopy[:copyMark]
			plan.NumTokens = tokenMark
			*tokenBudget = budgetMark
			continue
		}
		s.protected[g] = true
	}
}

// ensureDecodeSlot reserves the KV slot for seq's pending token,
// preempting other running groups until the allocator can satisfy it.
// Returns false when seq's own group got preempted instead.
func (s *Scheduler) ensureDecodeSlot(plan *BatchPlan, g *SequenceGroup, seq *Sequence) bool {
	for {
		cow, err := seq.blockTable.EnsureSlot()
		if err == nil {
			if cow != nil {
				plan.BlocksToCopy = append(plan.BlocksToCopy, *cow)
			}
			return true
		}

		var candidates []*SequenceGroup
		for _, cand := range s.running.Items() {
			if cand != g && !s.protected[cand] {
				candidates = append(candidates, cand)
			}
		}
		victim := s.policy.SelectVictim(candidates)
		if victim == nil {
			s.preempt(g, plan)
			return false
		}
		s.preempt(victim, plan)
	}
}

// schedulePrefill admits waiting groups in priority-then-FCFS order
// while the sequence, token and block budgets hold. Admission never
// forces a preemption: a group that does not fit stays waiting.
func (s *Scheduler) schedulePrefill(plan *BatchPlan, tokenBudget *int) {
	s.waiting.SortForAdmission()
	for s.waiting.Len() > 0 && *tokenBudget > 0 {
		g := s.waiting.Peek()
		if s.numRunningSeqs()+g.NumSeqs() > s.cfg.MaxNumRunningSeqs {
			return
		}
		if !s.admitGroup(g) {
			return
		}
		s.waiting.Pop()
		s.running.Push(g)
		for _, seq := range g.Seqs {
			seq.Status = StatusRunning
			if *tokenBudget <= 0 {
				continue // blocks are allocated; compute starts next step
			}
			s.addPrefillEntries(plan, g, seq, tokenBudget)
		}
		s.log.WithFields(logrus.Fields{
			"request_id":  g.RequestID,
			"prompt_len":  len(g.Seqs[0].PromptTokenIDs()),
			"free_blocks": s.alloc.NumFreeBlocks(),
		}).Debug("admitted")
	}
}

// admitGroup allocates block tables for every child sequence, sharing
// the prompt across siblings when they have not diverged. Returns false
// when the pool cannot hold the group without preemption.
func (s *Scheduler) admitGroup(g *SequenceGroup) bool {
	fresh := true
	for _, seq := range g.Seqs {
		if seq.NumCompletionTokens() > 0 {
			fresh = false
			break
		}
	}

	if fresh {
		need := g.NumPromptBlocks(s.cfg.BlockSize)
		if need > s.alloc.NumFreeBlocks() {
			return false
		}
		first := g.Seqs[0]
		bt := NewBlockTable(s.alloc)
		if err := bt.AllocateForTokens(first.TokenIDs); err != nil {
			return false
		}
		first.blockTable = bt
		s.initComputed(first)
		for _, seq := range g.Seqs[1:] {
			seq.blockTable = bt.Fork()
			s.initComputed(seq)
		}
		return true
	}

	// A resumed group's children may have diverged; allocate per child.
	need := 0
	for _, seq := range g.Seqs {
		if !seq.IsFinished() {
			need += NumBlocksNeeded(seq.Len(), s.cfg.BlockSize)
		}
	}
	if need > s.alloc.NumFreeBlocks() {
		return false
	}
	var allocated []*Sequence
	for _, seq := range g.Seqs {
		if seq.IsFinished() {
			continue
		}
		bt := NewBlockTable(s.alloc)
		if err := bt.AllocateForTokens(seq.TokenIDs); err != nil {
			for _, done := range allocated {
				done.blockTable.Release()
				done.blockTable = nil
			}
			return false
		}
		seq.blockTable = bt
		s.initComputed(seq)
		allocated = append(allocated, seq)
	}
	return true
}

// initComputed seeds NumComputedTokens from the prefix cache, capped so
// at least the last token is recomputed and a first sample happens.
func (s *Scheduler) initComputed(seq *Sequence) {
	computed := seq.blockTable.NumCachedTokens()
	if computed >= seq.Len() {
		computed = seq.Len() - 1
	}
	if computed > seq.NumComputedTokens {
		seq.NumComputedTokens = computed
	}
}

// addPrefillEntries schedules the next chunk of uncomputed history for a
// sequence, sampling a token when the chunk reaches the end.
func (s *Scheduler) addPrefillEntries(plan *BatchPlan, g *SequenceGroup, seq *Sequence, tokenBudget *int) {
	target := seq.Len()
	if s.cfg.ChunkedPrefillSize > 0 && seq.NumComputedTokens+s.cfg.ChunkedPrefillSize < target {
		target = seq.NumComputedTokens + s.cfg.ChunkedPrefillSize
	}
	if seq.NumComputedTokens+*tokenBudget < target {
		target = seq.NumComputedTokens + *tokenBudget
	}
	if target <= seq.NumComputedTokens {
		return
	}
	entry := BatchEntry{
		SeqID:       seq.SeqID,
		RequestID:   g.RequestID,
		IsPrefill:   true,
		InputTokens: seq.TokenIDs[seq.NumComputedTokens:target],
		StartPos:    seq.NumComputedTokens,
		Sample:      target == seq.Len(),
		BlockTable:  seq.blockTable.Blocks(),
		Params:      g.Params,
	}
	plan.Entries = append(plan.Entries, entry)
	plan.NumTokens += len(entry.InputTokens)
	*tokenBudget -= len(entry.InputTokens)
	s.scheduled[seq.SeqID] = &schedTarget{seq: seq, group: g}
}

// preempt evicts a running group. Swap mode relocates its KV cache to
// the host pool; recompute mode (and any unswappable group) drops the
// cache and requeues the group at the head of the waiting queue so it is
// retried before newcomers.
func (s *Scheduler) preempt(g *SequenceGroup, plan *BatchPlan) {
	s.running.Remove(g)

	if s.hostAlloc != nil && s.canSwapOut(g) {
		for _, seq := range g.SeqsWithStatus(StatusRunning) {
			swaps, err := seq.blockTable.SwapOut(s.hostAlloc)
			if err != nil {
				panic(fmt.Sprintf("swap-out failed after capacity check: %v", err))
			}
			plan.SwapOut = append(plan.SwapOut, swaps...)
			seq.Status = StatusSwapped
		}
		s.swapped.Push(g)
		preemptionsTotal.WithLabelValues(string(PreemptSwap)).Inc()
		s.log.WithField("request_id", g.RequestID).Debug("preempted (swap)")
		return
	}

	for _, seq := range g.SeqsWithStatus(StatusRunning) {
		seq.blockTable.Release()
		seq.blockTable = nil
		seq.NumComputedTokens = 0
		seq.Status = StatusWaiting
	}
	s.waiting.PushFront(g)
	preemptionsTotal.WithLabelValues(string(PreemptRecompute)).Inc()
	s.log.WithField("request_id", g.RequestID).Debug("preempted (recompute)")
}

// canSwapOut checks that every block is exclusively owned and the host
// pool can hold them all; otherwise the group falls back to recompute.
func (s *Scheduler) canSwapOut(g *SequenceGroup) bool {
	need := 0
	for _, seq := range g.SeqsWithStatus(StatusRunning) {
		for _, id := range seq.blockTable.Blocks() {
			if s.alloc.RefCount(id) > 1 {
				return false
			}
		}
		need += seq.blockTable.NumBlocks()
	}
	return need <= s.hostAlloc.NumFreeBlocks()
}

func (s *Scheduler) numRunningSeqs() int {
	n := 0
	for _, g := range s.running.Items() {
		n += len(g.SeqsWithStatus(StatusRunning))
	}
	return n
}

// failPlan finishes every group in the plan with an execution error.
// Only called when the executor rejects the plan as a whole.
func (s *Scheduler) failPlan(plan *BatchPlan, err error) {
	st := &Status{Code: 500, Message: err.Error()}
	seen := make(map[*SequenceGroup]bool)
	for _, entry := range plan.Entries {
		target := s.scheduled[entry.SeqID]
		if target == nil || seen[target.group] {
			continue
		}
		seen[target.group] = true
		s.finishGroupError(target.group, st)
	}
}

// applyResults appends sampled tokens, advances computed-token counts,
// evaluates stop conditions and isolates per-sequence failures to their
// own group.
func (s *Scheduler) applyResults(plan *BatchPlan, res *ExecutionResult) {
	for _, entry := range plan.Entries {
		target := s.scheduled[entry.SeqID]
		if target == nil {
			continue
		}
		seq, g := target.seq, target.group
		if g.errStatus != nil {
			continue // a sibling already failed this group
		}
		if seq.Status != StatusRunning {
			// The group was preempted after this entry was planned; its
			// uncommitted results are recomputed on resume.
			continue
		}
		s.markTouched(g)

		r := res.Results[entry.SeqID]
		if r == nil {
			s.finishGroupError(g, &Status{Code: 500, Message: fmt.Sprintf("executor returned no result for sequence %d", entry.SeqID)})
			continue
		}
		if r.Status != nil {
			s.finishGroupError(g, r.Status)
			continue
		}

		if entry.IsPrefill {
			seq.NumComputedTokens = entry.StartPos + len(entry.InputTokens)
		} else {
			seq.NumComputedTokens++
		}
		if entry.Params != nil && entry.Params.Logprobs {
			seq.Logprobs = append(seq.Logprobs, r.Logprobs...)
		}
		for _, tok := range r.TokenIDs {
			s.appendToken(g, seq, tok)
			if seq.IsFinished() {
				break
			}
		}
	}
}

func (s *Scheduler) appendToken(g *SequenceGroup, seq *Sequence, tok int) {
	seq.AppendToken(tok)
	seq.blockTable.CommitToken(seq.TokenIDs)
	generatedTokens.Inc()

	if reason := s.checkStop(g, seq, tok); reason != FinishNone {
		s.finishSeq(seq, reason)
	}
}

// checkStop evaluates every stop condition against the just-appended
// token.
func (s *Scheduler) checkStop(g *SequenceGroup, seq *Sequence, tok int) FinishReason {
	p := g.Params
	if !p.IgnoreEOS && tok == s.cfg.EOS {
		return FinishStop
	}
	for _, stop := range p.StopTokenIDs {
		if tok == stop {
			return FinishStop
		}
	}
	if seq.NumCompletionTokens() >= p.MaxTokens {
		return FinishLength
	}
	if seq.Len() >= s.cfg.MaxModelLen {
		return FinishLength
	}
	if len(p.Stop) > 0 && s.detok != nil {
		text, err := s.detok.Decode(seq.CompletionTokenIDs())
		if err == nil {
			for _, stop := range p.Stop {
				if strings.Contains(text, stop) {
					return FinishStop
				}
			}
		}
	}
	return FinishNone
}

func (s *Scheduler) finishSeq(seq *Sequence, reason FinishReason) {
	seq.finish(reason)
	if seq.blockTable != nil {
		seq.blockTable.Release()
		seq.blockTable = nil
	}
}

// finishGroup force-finishes every child and releases their cache.
func (s *Scheduler) finishGroup(g *SequenceGroup, reason FinishReason) {
	for _, seq := range g.Seqs {
		if seq.IsFinished() {
			continue
		}
		wasSwapped := seq.Status == StatusSwapped
		seq.finish(reason)
		if seq.blockTable != nil {
			if wasSwapped {
				seq.blockTable.ReleaseSwapped(s.hostAlloc)
			} else {
				seq.blockTable.Release()
			}
			seq.blockTable = nil
		}
	}
}

func (s *Scheduler) finishGroupError(g *SequenceGroup, st *Status) {
	g.errStatus = st
	s.finishGroup(g, FinishError)
	s.markTouched(g)
	s.log.WithFields(logrus.Fields{
		"request_id": g.RequestID,
		"code":       st.Code,
	}).Warn(st.Message)
}

func (s *Scheduler) markTouched(g *SequenceGroup) {
	for _, t := range s.touched {
		if t == g {
			return
		}
	}
	s.touched = append(s.touched, g)
}

// dispatchOutputs delivers streamed deltas and final aggregates for every
// group with new results, in plan order. A callback refusing delivery
// marks its group cancelled; the next step finishes it.
func (s *Scheduler) dispatchOutputs() {
	for _, g := range s.touched {
		finished := g.IsFinished()
		if !finished && !g.Streaming {
			continue
		}
		ok := s.dispatcher.Dispatch(s.buildOutput(g, finished))
		if !ok && !finished {
			g.cancelled = true
		}
	}
}

// dispatchFinal delivers the terminal output for a group finished outside
// the normal apply path (cancellation, plan failure).
func (s *Scheduler) dispatchFinal(g *SequenceGroup) {
	s.dispatcher.Dispatch(s.buildOutput(g, true))
	s.dispatcher.Unregister(g.RequestID)
	requestsFinished.WithLabelValues(s.groupFinishLabel(g)).Inc()
}

func (s *Scheduler) buildOutput(g *SequenceGroup, finished bool) RequestOutput {
	out := RequestOutput{
		RequestID: g.RequestID,
		Finished:  finished,
		Status:    g.errStatus,
	}
	for _, seq := range g.Seqs {
		completion := seq.CompletionTokenIDs()
		delta := completion[seq.numDispatched:]
		seq.numDispatched = len(completion)

		so := SequenceOutput{
			Index:        seq.Index,
			TokenIDs:     append([]int(nil), delta...),
			FinishReason: seq.FinishReason,
		}
		if g.Params.Logprobs {
			so.Logprobs = seq.Logprobs
		}
		if s.detok != nil && len(delta) > 0 {
			if text, err := s.detok.Decode(delta); err == nil {
				so.Text = text
			}
		}
		out.Outputs = append(out.Outputs, so)
	}
	return out
}

// reap removes finished groups from every queue and retires their
// callbacks. A plan failure can finish a group that was preempted into
// the waiting or swapped queue earlier in the same step, so all three
// queues are swept.
func (s *Scheduler) reap() {
	for _, q := range []*groupQueue{&s.running, &s.waiting, &s.swapped} {
		for _, g := range append([]*SequenceGroup(nil), q.Items()...) {
			if !g.IsFinished() {
				continue
			}
			q.Remove(g)
			s.dispatcher.Unregister(g.RequestID)
			requestsFinished.WithLabelValues(s.groupFinishLabel(g)).Inc()
		}
	}
}

func (s *Scheduler) groupFinishLabel(g *SequenceGroup) string {
	if g.errStatus != nil {
		return string(FinishError)
	}
	for _, seq := range g.Seqs {
		if seq.FinishReason == FinishLength {
			return string(FinishLength)
		}
	}
	return string(FinishStop)
}

func (s *Scheduler) updateGauges() {
	queueDepth.WithLabelValues("waiting").Set(float64(s.waiting.Len()))
	queueDepth.WithLabelValues("running").Set(float64(s.running.Len()))
	queueDepth.WithLabelValues("swapped").Set(float64(s.swapped.Len()))
	freeBlocksGauge.Set(float64(s.alloc.NumFreeBlocks()))
}

// IsIdle reports whether no request is admitted, queued or in flight.
func (s *Scheduler) IsIdle() bool {
	return !s.hasWork()
}

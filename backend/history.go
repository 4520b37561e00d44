package backend

import "scalellm-go/scalellm"

// staleAfterSteps bounds how long an untouched history survives. Plans
// carry no finish signal, so histories of completed sequences are aged
// out instead.
const staleAfterSteps = 256

// historyTracker reconstructs full token histories from batch entries.
// Cacheless backends rerun the whole history through the model each
// step, so they need more context than the incremental inputs a plan
// carries.
type historyTracker struct {
	step     int64
	seqs     map[int64][]int
	lastSeen map[int64]int64
}

func newHistoryTracker() *historyTracker {
	return &historyTracker{
		seqs:     make(map[int64][]int),
		lastSeen: make(map[int64]int64),
	}
}

// apply extends (or rewinds, after a recompute preemption) the history
// for an entry and returns the full token history including the entry's
// inputs.
func (t *historyTracker) apply(entry scalellm.BatchEntry) []int {
	h := t.seqs[entry.SeqID]
	if entry.StartPos < len(h) {
		h = h[:entry.StartPos]
	}
	h = append(h, entry.InputTokens...)
	t.seqs[entry.SeqID] = h
	t.lastSeen[entry.SeqID] = t.step
	return h
}

// tick advances the step counter, prunes stale histories and returns
// the pruned sequence ids so callers can drop per-sequence state of
// their own.
func (t *historyTracker) tick() []int64 {
	t.step++
	var pruned []int64
	for id, seen := range t.lastSeen {
		if t.step-seen > staleAfterSteps {
			delete(t.seqs, id)
			delete(t.lastSeen, id)
			pruned = append(pruned, id)
		}
	}
	return pruned
}

package scalellm

import "sort"

// groupQueue holds sequence groups waiting in one scheduler queue. Only
// the scheduling thread touches it.
type groupQueue struct {
	items []*SequenceGroup
}

func (q *groupQueue) Len() int { return len(q.items) }

func (q *groupQueue) Push(g *SequenceGroup) {
	q.items = append(q.items, g)
}

// PushFront inserts at the head. Used for preempted groups so they are
// retried before newly arrived groups of equal priority.
func (q *groupQueue) PushFront(g *SequenceGroup) {
	q.items = append([]*SequenceGroup{g}, q.items...)
}

func (q *groupQueue) Peek() *SequenceGroup {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *groupQueue) Pop() *SequenceGroup {
	if len(q.items) == 0 {
		return nil
	}
	g := q.items[0]
	q.items = q.items[1:]
	return g
}

// Remove deletes a group from anywhere in the queue, preserving order.
func (q *groupQueue) Remove(g *SequenceGroup) bool {
	for i, item := range q.items {
		if item == g {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Items exposes the backing slice for iteration; callers must not
// append to or reslice it.
func (q *groupQueue) Items() []*SequenceGroup { return q.items }

// SortForAdmission orders the queue by priority (descending), then
// arrival time (ascending, FCFS), then request id for determinism. The
// sort is stable so a preempted group pushed to the front stays ahead of
// an equal-priority, equal-arrival newcomer.
func (q *groupQueue) SortForAdmission() {
	sort.SliceStable(q.items, func(i, j int) bool {
		a, b := q.items[i], q.items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.ArrivalTime.Equal(b.ArrivalTime) {
			return a.ArrivalTime.Before(b.ArrivalTime)
		}
		return a.RequestID < b.RequestID
	})
}

package scalellm

import "fmt"

// PreemptionPolicy chooses which running group to evict when the block
// pool cannot satisfy the next step's demand.
type PreemptionPolicy interface {
	// SelectVictim picks a victim among the candidates, or nil when the
	// slice is empty. Candidates are running groups; the policy must not
	// mutate them.
	SelectVictim(candidates []*SequenceGroup) *SequenceGroup
}

// PreemptLatestArrival evicts the most recently arrived group, protecting
// the oldest in-flight work (FCFS-favoring, the default).
type PreemptLatestArrival struct{}

func (PreemptLatestArrival) SelectVictim(candidates []*SequenceGroup) *SequenceGroup {
	var victim *SequenceGroup
	for _, g := range candidates {
		if victim == nil ||
			g.ArrivalTime.After(victim.ArrivalTime) ||
			(g.ArrivalTime.Equal(victim.ArrivalTime) && g.RequestID > victim.RequestID) {
			victim = g
		}
	}
	return victim
}

// PreemptLowestPriority evicts the lowest-priority group, breaking ties
// toward the latest arrival.
type PreemptLowestPriority struct{}

func (PreemptLowestPriority) SelectVictim(candidates []*SequenceGroup) *SequenceGroup {
	var victim *SequenceGroup
	for _, g := range candidates {
		if victim == nil {
			victim = g
			continue
		}
		switch {
		case g.Priority < victim.Priority:
			victim = g
		case g.Priority == victim.Priority && g.ArrivalTime.After(victim.ArrivalTime):
			victim = g
		case g.Priority == victim.Priority && g.ArrivalTime.Equal(victim.ArrivalTime) && g.RequestID > victim.RequestID:
			victim = g
		}
	}
	return victim
}

var validPreemptionPolicies = map[string]bool{
	"":                        true,
	"preempt-latest":          true,
	"preempt-lowest-priority": true,
}

// IsValidPreemptionPolicy reports whether the name is recognized.
func IsValidPreemptionPolicy(name string) bool {
	return validPreemptionPolicies[name]
}

// NewPreemptionPolicy creates a policy by name. Empty defaults to
// preempt-latest. Panics on unrecognized names; config validation
// rejects them before this point.
func NewPreemptionPolicy(name string) PreemptionPolicy {
	switch name {
	case "", "preempt-latest":
		return PreemptLatestArrival{}
	case "preempt-lowest-priority":
		return PreemptLowestPriority{}
	default:
		panic(fmt.Sprintf("unknown preemption policy %q", name))
	}
}

package selector

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"dtiqc/internal/config"
	"dtiqc/internal/proclog"
)

// Policy decides the order in which ready candidates are tried.
type Policy interface {
	Name() string
	Order(step string, candidates []proclog.Candidate) []proclog.Candidate
}

// claimObserver is implemented by policies that track what was handed out.
type claimObserver interface {
	Claimed(step, code string)
}

// NewPolicy returns the policy registered under name.
func NewPolicy(name string) (Policy, error) {
	switch name {
	case config.QueuePolicyRandom, "":
		return NewRandom(nil), nil
	case config.QueuePolicyRoundRobin:
		return NewRoundRobin(), nil
	case config.QueuePolicyPriority:
		return Priority{}, nil
	default:
		return nil, fmt.Errorf("unknown queue policy %q", name)
	}
}

// Random shuffles candidates so concurrent reviewers rarely collide.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom builds a Random policy. A nil rng uses a randomly seeded source.
func NewRandom(rng *rand.Rand) *Random {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Random{rng: rng}
}

func (r *Random) Name() string { return config.QueuePolicyRandom }

func (r *Random) Order(_ string, candidates []proclog.Candidate) []proclog.Candidate {
	out := append([]proclog.Candidate(nil), candidates...)
	r.mu.Lock()
	r.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	r.mu.Unlock()
	return out
}

// RoundRobin walks cases in code order, continuing after the last case it
// handed out for each step.
type RoundRobin struct {
	mu   sync.Mutex
	last map[string]string
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{last: make(map[string]string)}
}

func (r *RoundRobin) Name() string { return config.QueuePolicyRoundRobin }

func (r *RoundRobin) Order(step string, candidates []proclog.Candidate) []proclog.Candidate {
	out := append([]proclog.Candidate(nil), candidates...)
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	r.mu.Lock()
	last := r.last[step]
	r.mu.Unlock()
	if last == "" {
		return out
	}
	pivot := sort.Search(len(out), func(i int) bool { return out[i].Code > last })
	return append(out[pivot:], out[:pivot]...)
}

func (r *RoundRobin) Claimed(step, code string) {
	r.mu.Lock()
	r.last[step] = code
	r.mu.Unlock()
}

// Priority serves the case that has waited longest since its predecessors
// completed.
type Priority struct{}

func (Priority) Name() string { return config.QueuePolicyPriority }

func (Priority) Order(_ string, candidates []proclog.Candidate) []proclog.Candidate {
	out := append([]proclog.Candidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ReadySince.Equal(out[j].ReadySince) {
			return out[i].Code < out[j].Code
		}
		return out[i].ReadySince.Before(out[j].ReadySince)
	})
	return out
}

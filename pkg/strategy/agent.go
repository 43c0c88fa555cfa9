package strategy

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/clusterforge/scheduler/pkg/types"
)

// AgentPolicy selects how PickAgent chooses among eligible
// controller-agent candidates for a newly admitted operation
// (spec §4.6 "Operation assignment").
type AgentPolicy string

const (
	// PolicyRandom picks uniformly among agents with free memory at
	// or above the configured threshold.
	PolicyRandom AgentPolicy = "Random"
	// PolicyMemoryBalanced weights selection by
	// (freeMemory/totalMemory)^p, favoring agents with more headroom.
	PolicyMemoryBalanced AgentPolicy = "MemoryBalanced"
)

// AgentCandidate is one controller-agent instance eligible to own an
// operation: its tags (checked against the operation's
// controllerAgentTag filter by the caller) and its current memory
// accounting.
type AgentCandidate struct {
	ID          types.AgentID
	FreeMemory  int64
	TotalMemory int64
}

// PickAgent selects one of candidates per policy. minFreeMemory
// excludes agents below the threshold before either policy applies.
// p is the exponent used by PolicyMemoryBalanced; it is ignored by
// PolicyRandom.
func PickAgent(candidates []AgentCandidate, policy AgentPolicy, minFreeMemory int64, p float64) (types.AgentID, error) {
	eligible := make([]AgentCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.FreeMemory >= minFreeMemory {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return "", fmt.Errorf("strategy: no controller agent with free memory >= %d", minFreeMemory)
	}

	// Sort by id first so the weighted draw below is deterministic
	// given a fixed rand source, independent of map/slice iteration
	// order upstream.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	switch policy {
	case PolicyMemoryBalanced:
		return pickMemoryBalanced(eligible, p), nil
	case PolicyRandom, "":
		return eligible[rand.IntN(len(eligible))].ID, nil
	default:
		return "", fmt.Errorf("strategy: unknown agent policy %q", policy)
	}
}

// pickMemoryBalanced draws from eligible with probability
// proportional to (freeMemory/totalMemory)^p.
func pickMemoryBalanced(eligible []AgentCandidate, p float64) types.AgentID {
	weights := make([]float64, len(eligible))
	total := 0.0
	for i, c := range eligible {
		ratio := 0.0
		if c.TotalMemory > 0 {
			ratio = float64(c.FreeMemory) / float64(c.TotalMemory)
		}
		w := math.Pow(ratio, p)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return eligible[rand.IntN(len(eligible))].ID
	}

	draw := rand.Float64() * total
	cursor := 0.0
	for i, w := range weights {
		cursor += w
		if draw <= cursor {
			return eligible[i].ID
		}
	}
	return eligible[len(eligible)-1].ID
}

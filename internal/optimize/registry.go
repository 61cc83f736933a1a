package optimize

import (
	"context"
	"fmt"
	"sort"
)

// Algorithm names accepted by Lookup.
const (
	AlgorithmAFSA         = "afsa"
	AlgorithmProportional = "proportional"
)

// Algorithm produces a green split from traffic conditions.
type Algorithm interface {
	Name() string
	Parameters() map[string]float64
	Optimize(ctx context.Context, c Conditions) (Result, error)
}

// CycleLimiter is implemented by algorithms that bound the total green time.
type CycleLimiter interface {
	SetCycleLimit(seconds float64)
}

// AlgorithmInfo describes an algorithm in the catalogue.
type AlgorithmInfo struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  map[string]float64 `json:"parameters"`
}

// Lookup returns a fresh algorithm by name. opts apply to the swarm used by
// afsa and are ignored by other algorithms.
func Lookup(name string, opts ...Option) (Algorithm, error) {
	switch name {
	case AlgorithmAFSA:
		return NewSignalOptimizer(NewSwarm(opts...)), nil
	case AlgorithmProportional:
		return NewProportional(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

// Catalogue lists the available algorithms with their default parameters,
// sorted by name.
func Catalogue() []AlgorithmInfo {
	out := []AlgorithmInfo{
		{
			Name:        AlgorithmAFSA,
			Description: "Artificial Fish Swarm Algorithm for traffic signal timing optimization",
			Parameters:  NewSignalOptimizer(nil).Parameters(),
		},
		{
			Name:        AlgorithmProportional,
			Description: "Demand-proportional green split clamped to phase bounds",
			Parameters:  NewProportional().Parameters(),
		},
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

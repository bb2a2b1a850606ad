package queue

import (
	"inference-node/pkg/errors"
)

const (
	SelectorWeighted    = "weighted"
	SelectorProbability = "probability"
	SelectorStrict      = "strict"
)

// Rand is the randomness a Selector draws from.
type Rand interface {
	Float64() float64
	Intn(n int) int
}

// Selector picks the level to extract from when level 0 is empty.
// lens holds the length of every level; the returned level may be empty, in
// which case the queue falls back to the first non-empty level.
type Selector interface {
	Pick(lens []int, rnd Rand) int
}

// NewSelector returns the built-in strategy registered under name.
func NewSelector(name string, levels int, highProb float64) (Selector, error) {
	switch name {
	case SelectorWeighted, "":
		return NewWeightedSelector(levels), nil
	case SelectorProbability:
		if highProb < 0 || highProb > 1 {
			return nil, errors.ErrInvalidProbability
		}

		return ProbabilitySelector{HighProb: highProb}, nil
	case SelectorStrict:
		return StrictSelector{}, nil
	default:
		return nil, errors.InvalidSelectorError{Name: name}
	}
}

// WeightedSelector draws from a triangular weight table: level l (l >= 1) of
// n levels has weight n-l, so the table has n(n-1)/2 slots.
type WeightedSelector struct {
	table []int
}

func NewWeightedSelector(levels int) *WeightedSelector {
	table := make([]int, 0, levels*(levels-1)/2)

	for level := 1; level < levels; level++ {
		for i := 0; i < levels-level; i++ {
			table = append(table, level)
		}
	}

	return &WeightedSelector{table: table}
}

func (s *WeightedSelector) Pick(_ []int, rnd Rand) int {
	if len(s.table) == 0 {
		return 0
	}

	return s.table[rnd.Intn(len(s.table))]
}

// Weights returns the share of draws each level receives, indexed by level.
func (s *WeightedSelector) Weights(levels int) []float64 {
	weights := make([]float64, levels)
	for _, level := range s.table {
		weights[level] += 1 / float64(len(s.table))
	}

	return weights
}

// ProbabilitySelector takes the highest non-empty level below 0 with
// probability HighProb and the lowest non-empty level otherwise.
type ProbabilitySelector struct {
	HighProb float64
}

func (s ProbabilitySelector) Pick(lens []int, rnd Rand) int {
	high, low := -1, -1

	for level := 1; level < len(lens); level++ {
		if lens[level] == 0 {
			continue
		}

		if high < 0 {
			high = level
		}

		low = level
	}

	switch {
	case high < 0:
		return len(lens) - 1
	case high == low:
		return high
	case rnd.Float64() < s.HighProb:
		return high
	default:
		return low
	}
}

// StrictSelector always takes the first non-empty level.
type StrictSelector struct{}

func (StrictSelector) Pick(lens []int, _ Rand) int {
	for level := 1; level < len(lens); level++ {
		if lens[level] > 0 {
			return level
		}
	}

	return len(lens) - 1
}

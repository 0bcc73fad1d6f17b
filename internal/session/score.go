package session

import (
	"fmt"

	"github.com/repcam/backend/internal/fault"
)

// ScoreFunc computes the final session score from the frozen accumulator.
// Implementations must be deterministic and monotone in the accumulated
// values; the machine guarantees the function runs exactly once per session.
type ScoreFunc func(acc Accumulator) float64

// ScoreSum scores a session as the plain sum of its sample values.
func ScoreSum(acc Accumulator) float64 {
	return acc.TotalValue
}

// ScoreWeighted adds one point per active minute on top of the sample sum,
// rewarding sustained effort over short bursts.
func ScoreWeighted(acc Accumulator) float64 {
	return acc.TotalValue + float64(acc.ActiveMillis)/60000.0
}

// ScoreFuncFor resolves a configured policy name.
func ScoreFuncFor(policy string) (ScoreFunc, error) {
	switch policy {
	case "", "sum":
		return ScoreSum, nil
	case "weighted":
		return ScoreWeighted, nil
	default:
		return nil, fmt.Errorf("unknown score policy %q: %w", policy, fault.ErrInvalidArgument)
	}
}

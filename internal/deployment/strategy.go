package deployment

import "fmt"

// Strategy selects how a release request is scheduled. The set is
// closed; ParseStrategy rejects anything else and every dispatch site
// switches over all three values.
type Strategy string

const (
	// StrategySequential deploys one service at a time in
	// dependency-respecting order.
	StrategySequential Strategy = "sequential"

	// StrategyParallel deploys every service concurrently with no
	// ordering constraint. The caller promises the services are
	// independent; declared dependencies are surfaced as a warning.
	StrategyParallel Strategy = "parallel"

	// StrategyDependencyOrder deploys batch by batch, every service in
	// a batch concurrently.
	StrategyDependencyOrder Strategy = "dependency-order"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySequential, StrategyParallel, StrategyDependencyOrder:
		return Strategy(s), nil
	case "":
		return StrategyDependencyOrder, nil
	default:
		return "", fmt.Errorf("unknown deployment strategy: %s", s)
	}
}

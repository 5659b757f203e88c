package graph

import (
	"fmt"
	"strings"
)

// MissingDependencyError is returned when a service declares a dependency
// that is not part of the release request.
type MissingDependencyError struct {
	Missing []string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("missing dependencies: %s", strings.Join(e.Missing, ", "))
}

// CircularDependencyError is returned when the declared dependencies form
// one or more cycles. Every disjoint cycle found is reported.
type CircularDependencyError struct {
	Cycles [][]string
}

func (e *CircularDependencyError) Error() string {
	parts := make([]string, 0, len(e.Cycles))
	for _, cycle := range e.Cycles {
		parts = append(parts, strings.Join(cycle, " -> "))
	}
	return fmt.Sprintf("circular dependencies detected: %s", strings.Join(parts, "; "))
}

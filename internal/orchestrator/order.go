package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vietddude/bootwatch/internal/core/phase"
)

var (
	// ErrCycle is returned when required phases form a cycle.
	ErrCycle = errors.New("dependency cycle")

	// ErrUnknownDependency is returned when a phase requires an undeclared phase.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Order sorts steps so that every phase comes after the phases it requires.
// Among phases that are ready at the same time, declaration order wins, so
// an already valid declaration order is returned unchanged. Optional and
// blocking relations do not affect the order.
func Order(steps []Step) ([]Step, error) {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, ok := index[s.ID()]; ok {
			return nil, fmt.Errorf("%w: %s", phase.ErrDuplicatePhase, s.ID())
		}
		index[s.ID()] = i
	}

	indegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))
	for i, s := range steps {
		for _, dep := range s.Definition.Required {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %s requires %s", ErrUnknownDependency, s.ID(), dep)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	done := make([]bool, len(steps))
	ordered := make([]Step, 0, len(steps))
	for len(ordered) < len(steps) {
		next := -1
		for i := range steps {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(remaining(steps, done), ", "))
		}

		done[next] = true
		ordered = append(ordered, steps[next])
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return ordered, nil
}

func remaining(steps []Step, done []bool) []string {
	var ids []string
	for i, s := range steps {
		if !done[i] {
			ids = append(ids, s.ID())
		}
	}
	return ids
}

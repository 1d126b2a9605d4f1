package orchestrator

import (
	"errors"
	"testing"

	"github.com/vietddude/bootwatch/internal/core/phase"
)

func steps(defs ...phase.Definition) []Step {
	out := make([]Step, len(defs))
	for i, d := range defs {
		out[i] = Step{Definition: d, Body: succeed}
	}
	return out
}

func ids(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID()
	}
	return out
}

func TestOrder(t *testing.T) {
	tests := []struct {
		name string
		defs []phase.Definition
		want []string
	}{
		{
			name: "already ordered",
			defs: []phase.Definition{{ID: "load"}, {ID: "auth", Required: []string{"load"}}, {ID: "mount", Required: []string{"auth"}}},
			want: []string{"load", "auth", "mount"},
		},
		{
			name: "dependency declared later",
			defs: []phase.Definition{{ID: "mount", Required: []string{"auth"}}, {ID: "auth"}, {ID: "ready", Required: []string{"mount"}}},
			want: []string{"auth", "mount", "ready"},
		},
		{
			name: "ties keep declaration order",
			defs: []phase.Definition{{ID: "c"}, {ID: "a"}, {ID: "b"}},
			want: []string{"c", "a", "b"},
		},
		{
			name: "optional and blocking ignored",
			defs: []phase.Definition{{ID: "x", Optional: []string{"y"}, Blocking: []string{"y"}}, {ID: "y"}},
			want: []string{"x", "y"},
		},
		{
			name: "diamond",
			defs: []phase.Definition{
				{ID: "d", Required: []string{"b", "c"}},
				{ID: "b", Required: []string{"a"}},
				{ID: "c", Required: []string{"a"}},
				{ID: "a"},
			},
			want: []string{"a", "b", "c", "d"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Order(steps(tt.defs...))
			if err != nil {
				t.Fatalf("Order: %v", err)
			}
			gotIDs := ids(got)
			if len(gotIDs) != len(tt.want) {
				t.Fatalf("got %v, want %v", gotIDs, tt.want)
			}
			for i := range gotIDs {
				if gotIDs[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", gotIDs, tt.want)
				}
			}
		})
	}
}

func TestOrder_Errors(t *testing.T) {
	_, err := Order(steps(phase.Definition{ID: "a", Required: []string{"missing"}}))
	if !errors.Is(err, ErrUnknownDependency) {
		t.Errorf("expected ErrUnknownDependency, got %v", err)
	}

	_, err = Order(steps(
		phase.Definition{ID: "a", Required: []string{"c"}},
		phase.Definition{ID: "b", Required: []string{"a"}},
		phase.Definition{ID: "c", Required: []string{"b"}},
	))
	if !errors.Is(err, ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}

	_, err = Order(steps(phase.Definition{ID: "a"}, phase.Definition{ID: "a"}))
	if !errors.Is(err, phase.ErrDuplicatePhase) {
		t.Errorf("expected ErrDuplicatePhase, got %v", err)
	}
}

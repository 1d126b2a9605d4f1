package phase

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/vietddude/bootwatch/internal/core/domain"
)

// =============================================================================
// Mocks
// =============================================================================

type recordingHandler struct {
	id      string
	log     *[]string
	fail    bool
	refuse  bool
	cleanup int
}

func (h *recordingHandler) CanRollback(exec *Execution) bool { return !h.refuse }

func (h *recordingHandler) Rollback(ctx context.Context, exec *Execution) error {
	if h.fail {
		return errors.New("unregister failed")
	}
	*h.log = append(*h.log, h.id)
	return nil
}

func (h *recordingHandler) Cleanup(ctx context.Context, exec *Execution) error {
	h.cleanup++
	return nil
}

func setupStack(t *testing.T, ids ...string) (*Manager, map[string]*recordingHandler, *[]string) {
	t.Helper()
	var log []string
	m := NewManager(nil)
	handlers := make(map[string]*recordingHandler)
	for _, id := range ids {
		if err := m.Register(Definition{ID: id}); err != nil {
			t.Fatal(err)
		}
		h := &recordingHandler{id: id, log: &log}
		handlers[id] = h
		m.RegisterRollback(id, h)
		mustStart(t, m, id)
		mustComplete(t, m, id, Result{Success: true})
	}
	return m, handlers, &log
}

// =============================================================================
// Tests
// =============================================================================

func TestRollbackPhase(t *testing.T) {
	m, handlers, log := setupStack(t, "a", "b")

	if err := m.RollbackPhase(context.Background(), "b"); err != nil {
		t.Fatalf("RollbackPhase: %v", err)
	}
	if !slices.Equal(*log, []string{"b"}) || handlers["b"].cleanup != 1 {
		t.Errorf("log = %v, cleanup = %d", *log, handlers["b"].cleanup)
	}
	if m.Status("b") != domain.PhaseStatusRolledBack {
		t.Errorf("status = %s", m.Status("b"))
	}
	if !slices.Equal(m.Stack(), []string{"a"}) || !slices.Equal(m.Completed(), []string{"a"}) {
		t.Errorf("stack = %v completed = %v", m.Stack(), m.Completed())
	}
}

func TestRollbackPhase_Refusals(t *testing.T) {
	m, handlers, _ := setupStack(t, "a", "b")
	_ = m.Register(Definition{ID: "c"})
	mustStart(t, m, "c")
	mustComplete(t, m, "c", Result{Success: true})

	if err := m.RollbackPhase(context.Background(), "c"); !errors.Is(err, ErrNoRollbackHandler) {
		t.Errorf("expected ErrNoRollbackHandler, got %v", err)
	}

	handlers["b"].refuse = true
	if err := m.RollbackPhase(context.Background(), "b"); !errors.Is(err, ErrRollbackRefused) {
		t.Errorf("expected ErrRollbackRefused, got %v", err)
	}
	if m.Status("b") != domain.PhaseStatusCompleted {
		t.Error("refused rollback changed status")
	}
}

func TestRollbackToPhase_ReverseOrder(t *testing.T) {
	m, _, log := setupStack(t, "a", "b", "c", "d")

	rolled, err := m.RollbackToPhase(context.Background(), "a")
	if err != nil {
		t.Fatalf("RollbackToPhase: %v", err)
	}
	if !slices.Equal(*log, []string{"d", "c", "b"}) || !slices.Equal(rolled, []string{"d", "c", "b"}) {
		t.Errorf("log = %v rolled = %v", *log, rolled)
	}
	if !slices.Equal(m.Stack(), []string{"a"}) {
		t.Errorf("stack = %v", m.Stack())
	}
}

func TestRollbackToPhase_PartialUnwind(t *testing.T) {
	m, handlers, log := setupStack(t, "a", "b", "c", "d")
	handlers["c"].fail = true

	rolled, err := m.RollbackToPhase(context.Background(), "")
	if !errors.Is(err, ErrRollbackFailed) {
		t.Fatalf("expected ErrRollbackFailed, got %v", err)
	}
	if !slices.Equal(*log, []string{"d"}) || !slices.Equal(rolled, []string{"d"}) {
		t.Errorf("log = %v rolled = %v", *log, rolled)
	}
	// c failed: it and everything below it stay in place
	if !slices.Equal(m.Stack(), []string{"a", "b", "c"}) {
		t.Errorf("stack = %v", m.Stack())
	}
	if m.Status("c") != domain.PhaseStatusCompleted || m.Status("d") != domain.PhaseStatusRolledBack {
		t.Errorf("statuses c=%s d=%s", m.Status("c"), m.Status("d"))
	}
}

func TestRollbackToPhase_UnknownTarget(t *testing.T) {
	m, _, _ := setupStack(t, "a")
	if _, err := m.RollbackToPhase(context.Background(), "zzz"); !errors.Is(err, ErrNotOnStack) {
		t.Errorf("expected ErrNotOnStack, got %v", err)
	}
}

func TestRollbackThrough(t *testing.T) {
	m, _, log := setupStack(t, "a", "b", "c")

	rolled, err := m.RollbackThrough(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(rolled, []string{"c", "b"}) || !slices.Equal(*log, []string{"c", "b"}) {
		t.Errorf("rolled = %v log = %v", rolled, *log)
	}
	if !slices.Equal(m.Stack(), []string{"a"}) {
		t.Errorf("stack = %v", m.Stack())
	}
}

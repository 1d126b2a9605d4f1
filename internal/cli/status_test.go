package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/bootwatch/internal/core/domain"
)

func TestWritePhases(t *testing.T) {
	var buf bytes.Buffer
	writePhases(&buf, []domain.PhaseRecord{
		{PhaseID: "config", Status: domain.PhaseStatusCompleted, Attempts: 1, Duration: 12 * time.Millisecond},
		{PhaseID: "worker", Status: domain.PhaseStatusFailed, Attempts: 3, Error: "worker registration failed: 503"},
		{PhaseID: "assets", Status: domain.PhaseStatusSkipped},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header and 3 rows, got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "DETAIL") {
		t.Errorf("missing header: %q", lines[0])
	}
	if !strings.Contains(lines[1], "Completed - body succeeded") {
		t.Errorf("completed row without description: %q", lines[1])
	}
	if !strings.Contains(lines[2], "worker registration failed: 503") || strings.Contains(lines[2], "Failed -") {
		t.Errorf("failed row should show its error: %q", lines[2])
	}
	if !strings.Contains(lines[3], "Skipped - bypassed") {
		t.Errorf("skipped row without description: %q", lines[3])
	}
}

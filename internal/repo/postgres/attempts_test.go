package postgres

import (
	"strings"
	"testing"
)

func TestAttemptQueriesAppendOnly(t *testing.T) {
	if !strings.Contains(insertAttemptQuery, "ON CONFLICT (run_id, stage_id, attempt) DO NOTHING") {
		t.Fatalf("expected idempotency conflict clause in insert query")
	}
	if !strings.Contains(listAttemptsByRunQuery, "ORDER BY stage_id ASC, attempt ASC") {
		t.Fatalf("expected deterministic ordering in list query")
	}
	if !strings.Contains(listAttemptsByStageQuery, "ORDER BY attempt ASC") {
		t.Fatalf("expected attempt ordering in stage list query")
	}
}

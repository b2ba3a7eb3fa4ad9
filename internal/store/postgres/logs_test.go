package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shipmate-io/shipmate/internal/models"
)

func TestLogEntriesByTargetAndRun(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	target := createTarget(t, db)
	store := &LogStore{db: db, logger: testLogger()}
	ctx := context.Background()

	runID := uuid.New().String()
	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 4; i++ {
		entry := &models.LogEntry{
			ID:        uuid.New().String(),
			TargetID:  target.ID,
			UnitName:  "app",
			Source:    "stdout",
			Line:      "line",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if i%2 == 0 {
			entry.RunID = runID
		}
		if err := store.Create(ctx, entry); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	entries, err := store.List(ctx, target.ID, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.After(entries[i-1].Timestamp) {
			t.Errorf("entries not ordered newest first")
		}
	}

	byRun, err := store.ListByRun(ctx, runID)
	if err != nil {
		t.Fatalf("ListByRun: %v", err)
	}
	if len(byRun) != 2 {
		t.Errorf("expected 2 run entries, got %d", len(byRun))
	}
	for i := 1; i < len(byRun); i++ {
		if byRun[i].Timestamp.Before(byRun[i-1].Timestamp) {
			t.Errorf("run entries not ordered oldest first")
		}
	}
}

func TestLogDeleteOlderThan(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	target := createTarget(t, db)
	store := &LogStore{db: db, logger: testLogger()}
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	fresh := time.Now().UTC()
	for _, ts := range []time.Time{old, old.Add(time.Hour), fresh} {
		entry := &models.LogEntry{
			ID:        uuid.New().String(),
			TargetID:  target.ID,
			UnitName:  "app",
			Source:    "stdout",
			Line:      "line",
			Timestamp: ts,
		}
		if err := store.Create(ctx, entry); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	cutoff := time.Now().Add(-24 * time.Hour).Unix()
	if err := store.DeleteOlderThan(ctx, target.ID, cutoff); err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}

	remaining, err := store.List(ctx, target.ID, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("expected 1 entry after pruning, got %d", len(remaining))
	}
}

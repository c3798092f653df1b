package cursor_test

import (
	"context"
	"testing"

	"MarginIndexer/internal/cursor"
	"MarginIndexer/internal/testutil"
)

func TestPostgresStore_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := cursor.NewPostgresStore(db)

	if err := store.Save(ctx, "PositionOpened", "c1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, "PositionOpened", "c2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["PositionOpened"] != "c2" || len(got) != 1 {
		t.Fatalf("unexpected cursors: %v", got)
	}
}

package db

import (
	"context"
	"errors"
	"testing"
)

func TestAfterCommitRunsOnlyOnCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	database, err := NewSQLite(ctx, SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if _, err := database.Exec(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	var ran []string
	err = database.Transaction(ctx, func(tx Transaction) error {
		if _, err := tx.Exec(ctx, "INSERT INTO items (id) VALUES (1)"); err != nil {
			return err
		}
		tx.AfterCommit(func() { ran = append(ran, "committed") })
		if len(ran) != 0 {
			t.Fatalf("hook ran before commit")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	boom := errors.New("boom")
	err = database.Transaction(ctx, func(tx Transaction) error {
		if _, err := tx.Exec(ctx, "INSERT INTO items (id) VALUES (2)"); err != nil {
			return err
		}
		tx.AfterCommit(func() { ran = append(ran, "rolled back") })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if len(ran) != 1 || ran[0] != "committed" {
		t.Fatalf("unexpected hooks: %v", ran)
	}
	var count int
	if err := database.QueryRow(ctx, "SELECT COUNT(*) FROM items").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one committed row, got %d", count)
	}
}

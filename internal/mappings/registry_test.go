package mappings

import (
	"context"
	"testing"

	"github.com/basecache/basecache/internal/store"
)

func newTestRegistry(t *testing.T) (*GormRegistry, *store.VersionedStore) {
	t.Helper()
	versioned, err := store.Open(store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to open versioned store: %v", err)
	}
	t.Cleanup(func() {
		versioned.Close() //nolint:errcheck
	})
	registry, err := NewGormRegistry(versioned)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return registry, versioned
}

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "simple", input: "Tasks", expected: "tasks"},
		{name: "spaces collapse", input: "Task  List", expected: "task_list"},
		{name: "punctuation collapses", input: "Orders & Invoices (2024)", expected: "orders_invoices_2024"},
		{name: "leading and trailing junk", input: "  --Archive--  ", expected: "archive"},
		{name: "unicode letters survive", input: "Café Menü", expected: "café_menü"},
		{name: "empty falls back", input: "@#$%", expected: "table"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := NormalizeName(testCase.input); got != testCase.expected {
				t.Fatalf("NormalizeName(%q) = %q, want %q", testCase.input, got, testCase.expected)
			}
		})
	}
}

func TestNormalizedTableNamePrefersStoredMapping(t *testing.T) {
	registry, versioned := newTestRegistry(t)
	ctx := context.Background()

	mapping := store.TableMapping{
		TableID:        "tbl1",
		OriginalName:   "Task List",
		NormalizedName: "task_list",
	}
	if err := registry.Upsert(ctx, versioned.Active(), mapping); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if got := registry.NormalizedTableName(ctx, "tbl1", "Renamed Upstream"); got != "task_list" {
		t.Fatalf("expected stored mapping to win, got %q", got)
	}
	if got := registry.NormalizedTableName(ctx, "tbl-unknown", "Fresh Table"); got != "fresh_table" {
		t.Fatalf("expected fallback normalization, got %q", got)
	}
}

func TestUpsertReplacesExistingMapping(t *testing.T) {
	registry, versioned := newTestRegistry(t)
	ctx := context.Background()

	first := store.TableMapping{TableID: "tbl1", OriginalName: "Tasks", NormalizedName: "tasks"}
	if err := registry.Upsert(ctx, versioned.Active(), first); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	second := store.TableMapping{TableID: "tbl1", OriginalName: "Renamed Tasks", NormalizedName: "renamed_tasks"}
	if err := registry.Upsert(ctx, versioned.Active(), second); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	rows, err := registry.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected a single mapping row, got %d", len(rows))
	}
	if rows[0].OriginalName != "Renamed Tasks" || rows[0].NormalizedName != "renamed_tasks" {
		t.Fatalf("expected updated mapping, got %+v", rows[0])
	}
}

func TestListOrdersByNormalizedName(t *testing.T) {
	registry, versioned := newTestRegistry(t)
	ctx := context.Background()

	for _, mapping := range []store.TableMapping{
		{TableID: "tbl2", OriginalName: "Zebra", NormalizedName: "zebra"},
		{TableID: "tbl1", OriginalName: "Alpha", NormalizedName: "alpha"},
	} {
		if err := registry.Upsert(ctx, versioned.Active(), mapping); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	rows, err := registry.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 2 || rows[0].NormalizedName != "alpha" || rows[1].NormalizedName != "zebra" {
		t.Fatalf("unexpected order: %+v", rows)
	}
}

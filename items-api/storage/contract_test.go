package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"workstream/items-api/domain"
)

// runStoreContract exercises the domain.Store behaviour every backend shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) domain.Store) {
	t.Run("get missing", func(t *testing.T) {
		st := newStore(t)
		if _, err := st.GetItem(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("add assigns id and createdAt", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		started := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
		it, err := st.AddItem(ctx, domain.NewItemRecord{Title: "write", Estimation: domain.Minutes(45), Priority: 2.5, StartedAt: &started})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if it.ID == "" || it.CreatedAt.IsZero() {
			t.Fatalf("expected id and createdAt, got %+v", it)
		}
		got, err := st.GetItem(ctx, it.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Title != "write" || got.Priority != 2.5 || got.ParentID != nil {
			t.Fatalf("unexpected item: %+v", got)
		}
		if m, ok := got.Estimation.Minutes(); !ok || m != 45 {
			t.Fatalf("unexpected estimation: %v", got.Estimation)
		}
		if got.StartedAt == nil || !got.StartedAt.Equal(started) {
			t.Fatalf("unexpected startedAt: %v", got.StartedAt)
		}
	})

	t.Run("update merges patch", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		parent, _ := st.AddItem(ctx, domain.NewItemRecord{Title: "parent"})
		it, _ := st.AddItem(ctx, domain.NewItemRecord{Title: "child", Estimation: domain.Points(3), Priority: 1})

		title := "renamed"
		prio := 7.0
		updated, err := st.UpdateItem(ctx, it.ID, domain.ItemPatch{Title: &title, Priority: &prio, Parent: domain.SetString(parent.ID)})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.Title != "renamed" || updated.Priority != 7 {
			t.Fatalf("unexpected update result: %+v", updated)
		}
		if updated.ParentID == nil || *updated.ParentID != parent.ID {
			t.Fatalf("expected parent %s, got %v", parent.ID, updated.ParentID)
		}
		if p, ok := updated.Estimation.Points(); !ok || p != 3 {
			t.Fatalf("estimation should be untouched, got %v", updated.Estimation)
		}

		cleared, err := st.UpdateItem(ctx, it.ID, domain.ItemPatch{Parent: domain.ClearString()})
		if err != nil {
			t.Fatalf("clear parent: %v", err)
		}
		if cleared.ParentID != nil {
			t.Fatalf("expected root item, got parent %v", *cleared.ParentID)
		}
	})

	t.Run("update missing", func(t *testing.T) {
		st := newStore(t)
		n := 1
		if _, err := st.UpdateItem(context.Background(), "nope", domain.ItemPatch{ChildrenCount: &n}); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		it, _ := st.AddItem(ctx, domain.NewItemRecord{Title: "gone"})
		if err := st.DeleteItem(ctx, it.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := st.DeleteItem(ctx, it.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second delete, got %v", err)
		}
	})

	t.Run("sibling queries", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		parent, _ := st.AddItem(ctx, domain.NewItemRecord{Title: "parent", Priority: 10})
		pid := parent.ID
		for i, p := range []float64{3, 1, 2} {
			if _, err := st.AddItem(ctx, domain.NewItemRecord{Title: string(rune('a' + i)), Priority: p, ParentID: &pid}); err != nil {
				t.Fatalf("add child: %v", err)
			}
		}
		if _, err := st.AddItem(ctx, domain.NewItemRecord{Title: "other root", Priority: -1}); err != nil {
			t.Fatalf("add root: %v", err)
		}

		n, err := st.CountItemsWithParent(ctx, pid)
		if err != nil || n != 3 {
			t.Fatalf("expected 3 children, got %d (%v)", n, err)
		}
		first, err := st.FindFirstByPriorityAsc(ctx, &pid)
		if err != nil || first == nil || first.Priority != 1 {
			t.Fatalf("unexpected first child: %+v (%v)", first, err)
		}
		last, err := st.FindLastByPriorityDesc(ctx, &pid)
		if err != nil || last == nil || last.Priority != 3 {
			t.Fatalf("unexpected last child: %+v (%v)", last, err)
		}
		rootLast, err := st.FindLastByPriorityDesc(ctx, nil)
		if err != nil || rootLast == nil || rootLast.ID != parent.ID {
			t.Fatalf("unexpected last root: %+v (%v)", rootLast, err)
		}

		children, err := st.ListItems(ctx, domain.ChildrenOf(pid))
		if err != nil {
			t.Fatalf("list children: %v", err)
		}
		var titles []string
		for _, c := range children {
			titles = append(titles, c.Title)
		}
		if diff := cmp.Diff([]string{"b", "c", "a"}, titles); diff != "" {
			t.Fatalf("children order mismatch (-want +got):\n%s", diff)
		}

		all, err := st.ListItems(ctx, domain.AllItems())
		if err != nil || len(all) != 5 {
			t.Fatalf("expected 5 items, got %d (%v)", len(all), err)
		}
		roots, err := st.ListItems(ctx, domain.Roots())
		if err != nil || len(roots) != 2 || roots[0].Title != "other root" {
			t.Fatalf("unexpected roots: %+v (%v)", roots, err)
		}
	})

	t.Run("empty context", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		pid := "no-children"
		first, err := st.FindFirstByPriorityAsc(ctx, &pid)
		if err != nil || first != nil {
			t.Fatalf("expected nil first, got %+v (%v)", first, err)
		}
		last, err := st.FindLastByPriorityDesc(ctx, nil)
		if err != nil || last != nil {
			t.Fatalf("expected nil last, got %+v (%v)", last, err)
		}
		n, err := st.CountItemsWithParent(ctx, pid)
		if err != nil || n != 0 {
			t.Fatalf("expected zero count, got %d (%v)", n, err)
		}
	})

	t.Run("clear optional time", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()
		it, _ := st.AddItem(ctx, domain.NewItemRecord{Title: "timer", StartedAt: &now})
		filtered, err := st.UpdateItem(ctx, it.ID, domain.ItemPatch{LastFilteredAt: domain.SetTime(now), StartedAt: domain.ClearTime()})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if filtered.StartedAt != nil {
			t.Fatalf("expected startedAt cleared, got %v", filtered.StartedAt)
		}
		if filtered.LastFilteredAt == nil || filtered.LastFilteredAt.Sub(now).Abs() > time.Millisecond {
			t.Fatalf("unexpected lastFilteredAt: %v", filtered.LastFilteredAt)
		}
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) domain.Store { return NewMemory() })
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) domain.Store {
		st, err := OpenSQLite(filepath.Join(t.TempDir(), "items.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		if err := st.EnsureSchema(context.Background()); err != nil {
			t.Fatalf("schema: %v", err)
		}
		return st
	})
}

func TestMemoryReturnsCopies(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	it, _ := st.AddItem(ctx, domain.NewItemRecord{Title: "original"})
	it.Title = "mutated"
	got, _ := st.GetItem(ctx, it.ID)
	if got.Title != "original" {
		t.Fatalf("store leaked a reference, title %q", got.Title)
	}
}

func TestMemoryOrdersTiesByCreatedAtThenID(t *testing.T) {
	st := NewMemory()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	st.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()
	first, _ := st.AddItem(ctx, domain.NewItemRecord{Title: "first", Priority: 1})
	second, _ := st.AddItem(ctx, domain.NewItemRecord{Title: "second", Priority: 1})

	items, _ := st.ListItems(ctx, domain.Roots())
	if items[0].ID != first.ID || items[1].ID != second.ID {
		t.Fatalf("expected createdAt tie-break, got %s then %s", items[0].Title, items[1].Title)
	}
}

func TestSQLiteRejectsCorruptOptionalTimes(t *testing.T) {
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "items.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	for _, column := range []string{"started_at", "last_filtered_at"} {
		it, err := st.AddItem(ctx, domain.NewItemRecord{Title: column})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if _, err := st.db.ExecContext(ctx, "UPDATE items SET "+column+" = 'yesterday' WHERE id = ?", it.ID); err != nil {
			t.Fatalf("corrupt %s: %v", column, err)
		}
		_, err = st.GetItem(ctx, it.ID)
		if err == nil || !strings.Contains(err.Error(), "parse "+column) {
			t.Fatalf("expected %s parse error, got %v", column, err)
		}
	}
	if _, err := st.ListItems(ctx, domain.AllItems()); err == nil {
		t.Fatal("expected list to report corrupt rows")
	}
}

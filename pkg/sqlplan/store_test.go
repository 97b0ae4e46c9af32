package sqlplan

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

var sampleRows = [][]any{
	{"1", "alice", "alice@example.com"},
	{"2", "bob", nil},
}

// storeContract runs the behavior every Store must share.
func storeContract(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("miss", func(t *testing.T) {
		got, err := store.Get(ctx, "missing")
		if err != nil || got != nil {
			t.Fatalf("expected (nil, nil), got (%v, %v)", got, err)
		}
	})

	t.Run("set then get", func(t *testing.T) {
		entry := must(NewEntry(sampleRows, time.Hour))
		if err := store.Set(ctx, "users:1", entry); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		got, err := store.Get(ctx, "users:1")
		if err != nil || got == nil {
			t.Fatalf("expected an entry, got (%v, %v)", got, err)
		}
		rows, err := got.Decode()
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if !reflect.DeepEqual(rows, sampleRows) {
			t.Errorf("expected %v, got %v", sampleRows, rows)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		entry := must(NewEntry([][]any{{"3"}}, 0))
		if err := store.Set(ctx, "users:1", entry); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		got := must(store.Get(ctx, "users:1"))
		if got == nil {
			t.Fatal("expected an entry")
		}
		if rows := must(got.Decode()); !reflect.DeepEqual(rows, [][]any{{"3"}}) {
			t.Errorf("expected the new rows, got %v", rows)
		}
	})

	t.Run("expired", func(t *testing.T) {
		entry := must(NewEntry(sampleRows, 0))
		entry.ExpiresAt = timestamppb.New(time.Now().Add(-time.Minute))
		if err := store.Set(ctx, "users:old", entry); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if got := must(store.Get(ctx, "users:old")); got != nil {
			t.Errorf("expected an expired entry to miss, got %v", got)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := store.Delete(ctx, "users:1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if got := must(store.Get(ctx, "users:1")); got != nil {
			t.Errorf("expected a deleted entry to miss, got %v", got)
		}
		if err := store.Delete(ctx, "users:1"); err != nil {
			t.Errorf("expected deleting twice to succeed, got %v", err)
		}
	})
}

// ============ Stores ============

func TestInMemoryStore(t *testing.T) {
	storeContract(t, NewInMemoryStore())
}

func TestInMemoryStoreCopiesEntries(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	entry := must(NewEntry(sampleRows, 0))
	if err := store.Set(ctx, "k", entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	entry.Rows.Values = nil

	got := must(store.Get(ctx, "k"))
	if rows := must(got.Decode()); len(rows) != 2 {
		t.Errorf("expected the stored rows to be unaffected, got %v", rows)
	}
}

func TestSQLStoreSQLite(t *testing.T) {
	store := NewSQLStore(openSQLite(t), "", DialectSQLite)
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	storeContract(t, store)
}

// ============ Entries ============

func TestMarshalEntry(t *testing.T) {
	entry := must(NewEntry(sampleRows, time.Minute))

	data, err := MarshalEntry(entry)
	if err != nil {
		t.Fatalf("MarshalEntry failed: %v", err)
	}
	got, err := UnmarshalEntry(data)
	if err != nil {
		t.Fatalf("UnmarshalEntry failed: %v", err)
	}

	if rows := must(got.Decode()); !reflect.DeepEqual(rows, sampleRows) {
		t.Errorf("expected %v, got %v", sampleRows, rows)
	}
	if !got.CreatedAt.AsTime().Equal(entry.CreatedAt.AsTime()) {
		t.Errorf("expected created_at %v, got %v", entry.CreatedAt.AsTime(), got.CreatedAt.AsTime())
	}
	if !got.ExpiresAt.AsTime().Equal(entry.ExpiresAt.AsTime()) {
		t.Errorf("expected expires_at %v, got %v", entry.ExpiresAt.AsTime(), got.ExpiresAt.AsTime())
	}
}

func TestMarshalEntryWithoutExpiry(t *testing.T) {
	got := must(UnmarshalEntry(must(MarshalEntry(must(NewEntry(nil, 0))))))
	if got.ExpiresAt != nil || got.Expired() {
		t.Errorf("expected no expiry, got %v", got.ExpiresAt)
	}
}

func TestUnmarshalEntryRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalEntry([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("expected an error")
	}
}

func TestCacheKey(t *testing.T) {
	q := "SELECT 1"
	a := cacheKey("users", q, []any{int64(1)})

	if !strings.HasPrefix(a, "users:") {
		t.Errorf("expected the resource prefix, got %s", a)
	}
	if a != cacheKey("users", q, []any{int64(1)}) {
		t.Error("expected equal keys for equal queries")
	}
	for _, other := range []string{
		cacheKey("users", q, []any{int64(2)}),
		cacheKey("users", q, []any{"1"}),
		cacheKey("posts", q, []any{int64(1)}),
		cacheKey("users", "SELECT 2", []any{int64(1)}),
	} {
		if other == a {
			t.Errorf("expected %s to differ", other)
		}
	}
}

package kvstore

import (
	"errors"
	"testing"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get("absent"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			if err := s.Set(KeyTokenLedger, []byte("v1")); err != nil {
				t.Fatalf("set: %v", err)
			}
			got, err := s.Get(KeyTokenLedger)
			if err != nil || string(got) != "v1" {
				t.Fatalf("get = %q, %v", got, err)
			}

			// Overwrite replaces.
			if err := s.Set(KeyTokenLedger, []byte("v2")); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, _ = s.Get(KeyTokenLedger)
			if string(got) != "v2" {
				t.Fatalf("after overwrite got %q", got)
			}

			if err := s.Delete(KeyTokenLedger); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := s.Get(KeyTokenLedger); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}

			// Deleting an absent key is not an error.
			if err := s.Delete(KeyTokenLedger); err != nil {
				t.Fatalf("delete absent: %v", err)
			}
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	m := NewMemoryStore()
	original := []byte("data")
	if err := m.Set("k", original); err != nil {
		t.Fatal(err)
	}
	original[0] = 'X'

	got, _ := m.Get("k")
	if string(got) != "data" {
		t.Fatalf("stored value aliased caller slice: %q", got)
	}
	got[0] = 'Y'
	again, _ := m.Get("k")
	if string(again) != "data" {
		t.Fatalf("returned value aliased stored slice: %q", again)
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(KeySubscription, []byte("blob")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, err := reopened.Get(KeySubscription)
	if err != nil || string(got) != "blob" {
		t.Fatalf("get after reopen = %q, %v", got, err)
	}
}

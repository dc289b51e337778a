package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path, opts...)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	return store
}

func jsonRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	if _, err := store.EnsureSchema(context.Background()); err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = store.Close(context.Background())
	}
	return store, cleanup, nil
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

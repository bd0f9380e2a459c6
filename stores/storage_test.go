package stores

import (
	"context"
	"docsync-server/config"
	"docsync-server/core"
	"errors"
	"testing"
	"time"
)

func TestGetStore_Memory(t *testing.T) {
	store, err := GetStore(context.Background(), config.StorageConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("GetStore() failed: %v", err)
	}
	defer store.Close()

	if _, err := store.Load(context.Background(), "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Load() = %v, want ErrNotFound", err)
	}
}

func TestGetStore_Filesystem(t *testing.T) {
	dir := t.TempDir()
	store, err := GetStore(context.Background(), config.StorageConfig{Type: "filesystem", LocalPath: dir})
	if err != nil {
		t.Fatalf("GetStore() failed: %v", err)
	}
	defer store.Close()

	_, created, err := store.CreateDefault(context.Background(), "doc")
	if err != nil || !created {
		t.Fatalf("CreateDefault() = %v, %v", created, err)
	}
	if _, ok := store.(core.DocumentLister); !ok {
		t.Error("filesystem store does not list documents")
	}
}

func TestGetStore_WithBreaker(t *testing.T) {
	store, err := GetStore(context.Background(), config.StorageConfig{
		Type:            "memory",
		BreakerEnabled:  true,
		BreakerFailures: 3,
		BreakerTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("GetStore() failed: %v", err)
	}
	defer store.Close()

	lister, ok := store.(core.DocumentLister)
	if !ok {
		t.Fatal("breaker store does not expose List")
	}
	if _, err := lister.List(context.Background()); err != nil {
		t.Errorf("List() through breaker failed: %v", err)
	}
}

func TestGetStore_UnknownType(t *testing.T) {
	if _, err := GetStore(context.Background(), config.StorageConfig{Type: "mongo"}); err == nil {
		t.Error("GetStore() accepted an unknown storage type")
	}
}

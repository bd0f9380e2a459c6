package memory

import (
	"context"
	"docsync-server/core"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestNewDocumentStore(t *testing.T) {
	store := NewDocumentStore()
	if store == nil {
		t.Fatal("NewDocumentStore() returned nil")
	}
}

func TestCreateDefault_NewDocument(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	content, created, err := store.CreateDefault(ctx, "doc-42")
	if err != nil {
		t.Fatalf("CreateDefault() failed: %v", err)
	}

	if !created {
		t.Error("CreateDefault() should report creation for an unseen id")
	}

	if string(content) != string(core.DefaultContent) {
		t.Errorf("Content mismatch: got %s, want %s", content, core.DefaultContent)
	}
}

func TestCreateDefault_Idempotent(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	existing := core.Content(`{"ops":[{"insert":"kept\n"}]}`)
	if err := store.Save(ctx, "doc-1", existing); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	content, created, err := store.CreateDefault(ctx, "doc-1")
	if err != nil {
		t.Fatalf("CreateDefault() failed: %v", err)
	}

	if created {
		t.Error("CreateDefault() reported creation for an existing id")
	}

	if string(content) != string(existing) {
		t.Errorf("CreateDefault() overwrote existing content: got %s", content)
	}
}

func TestLoad_NotFound(t *testing.T) {
	store := NewDocumentStore()

	_, err := store.Load(context.Background(), "nonexistent-id")
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Load() error mismatch: got %v, want ErrNotFound", err)
	}
}

func TestSave_Overwrites(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	if _, _, err := store.CreateDefault(ctx, "doc"); err != nil {
		t.Fatalf("CreateDefault() failed: %v", err)
	}

	updated := core.Content(`{"ops":[{"insert":"hello\n"}]}`)
	if err := store.Save(ctx, "doc", updated); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	content, err := store.Load(ctx, "doc")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if string(content) != string(updated) {
		t.Errorf("Load() after Save() mismatch: got %s, want %s", content, updated)
	}
}

func TestSave_CancelledContext(t *testing.T) {
	store := NewDocumentStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Save(ctx, "doc", core.DefaultContent)
	if !errors.Is(err, core.ErrStorageUnavailable) {
		t.Errorf("Save() with cancelled context = %v, want ErrStorageUnavailable", err)
	}
}

func TestLoad_ReturnsCopy(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	if _, _, err := store.CreateDefault(ctx, "doc"); err != nil {
		t.Fatalf("CreateDefault() failed: %v", err)
	}

	content, _ := store.Load(ctx, "doc")
	content[0] = 'X'

	again, _ := store.Load(ctx, "doc")
	if string(again) != string(core.DefaultContent) {
		t.Errorf("mutating a loaded value changed the store: %s", again)
	}
}

func TestConcurrentCreateDefault(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	numGoroutines := 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := store.CreateDefault(ctx, "shared-doc")
			if err != nil {
				t.Errorf("Concurrent CreateDefault() failed: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if createdCount != 1 {
		t.Errorf("Expected exactly 1 creation, got %d", createdCount)
	}
}

func TestConcurrentReadWrite(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	if _, _, err := store.CreateDefault(ctx, "doc"); err != nil {
		t.Fatalf("CreateDefault() failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := store.Load(ctx, "doc"); err != nil {
					t.Errorf("Concurrent Load() failed: %v", err)
				}
			}
		}()
		go func(index int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				content := core.Content(fmt.Sprintf(`{"ops":[{"insert":"writer-%d-%d\n"}]}`, index, j))
				if err := store.Save(ctx, "doc", content); err != nil {
					t.Errorf("Concurrent Save() failed: %v", err)
				}
			}
		}(i)
	}

	wg.Wait()

	content, err := store.Load(ctx, "doc")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !strings.Contains(string(content), "writer-") {
		t.Errorf("final content is not one of the written snapshots: %s", content)
	}
}

func TestList(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		if _, _, err := store.CreateDefault(ctx, id); err != nil {
			t.Fatalf("CreateDefault(%s) failed: %v", id, err)
		}
	}

	ids, err := store.(core.DocumentLister).List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}

	if strings.Join(ids, ",") != "a,b,c" {
		t.Errorf("List() mismatch: got %v", ids)
	}
}

package breaker

import (
	"context"
	"docsync-server/core"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// flakyStore fails every call with ErrStorageUnavailable while failing is set.
type flakyStore struct {
	failing atomic.Bool
	calls   atomic.Int32
}

func (f *flakyStore) err(op string) error {
	f.calls.Add(1)
	if f.failing.Load() {
		return core.Unavailable(op, errors.New("backend down"))
	}
	return nil
}

func (f *flakyStore) Load(ctx context.Context, id string) (core.Content, error) {
	if err := f.err("load"); err != nil {
		return nil, err
	}
	if id == "missing" {
		return nil, fmt.Errorf("document with id %s: %w", id, core.ErrNotFound)
	}
	return core.DefaultContent.Clone(), nil
}

func (f *flakyStore) CreateDefault(ctx context.Context, id string) (core.Content, bool, error) {
	if err := f.err("create"); err != nil {
		return nil, false, err
	}
	return core.DefaultContent.Clone(), true, nil
}

func (f *flakyStore) Save(ctx context.Context, id string, content core.Content) error {
	return f.err("save")
}

func (f *flakyStore) Close() error { return nil }

func TestWrap_PassesThrough(t *testing.T) {
	next := &flakyStore{}
	store := Wrap(next, Settings{Name: "test-pass"})
	ctx := context.Background()

	content, created, err := store.CreateDefault(ctx, "doc")
	if err != nil {
		t.Fatalf("CreateDefault() failed: %v", err)
	}
	if !created || string(content) != string(core.DefaultContent) {
		t.Errorf("CreateDefault() = %s, %v", content, created)
	}
	if err := store.Save(ctx, "doc", core.DefaultContent); err != nil {
		t.Errorf("Save() failed: %v", err)
	}
}

func TestWrap_NotFoundDoesNotTrip(t *testing.T) {
	next := &flakyStore{}
	store := Wrap(next, Settings{Name: "test-notfound", ConsecutiveFailures: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.Load(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("Load() = %v, want ErrNotFound", err)
		}
	}
	if _, err := store.Load(ctx, "doc"); err != nil {
		t.Errorf("breaker opened on not-found results: %v", err)
	}
}

func TestWrap_OpensAfterFailures(t *testing.T) {
	next := &flakyStore{}
	next.failing.Store(true)
	store := Wrap(next, Settings{Name: "test-open", ConsecutiveFailures: 3, OpenTimeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.Save(ctx, "doc", core.DefaultContent); !errors.Is(err, core.ErrStorageUnavailable) {
			t.Fatalf("Save() #%d = %v, want ErrStorageUnavailable", i, err)
		}
	}

	callsBefore := next.calls.Load()
	err := store.Save(ctx, "doc", core.DefaultContent)
	if !errors.Is(err, core.ErrStorageUnavailable) {
		t.Errorf("Save() with open breaker = %v, want ErrStorageUnavailable", err)
	}
	if next.calls.Load() != callsBefore {
		t.Error("open breaker should not call the wrapped store")
	}
}

func TestWrap_RecoversAfterTimeout(t *testing.T) {
	next := &flakyStore{}
	next.failing.Store(true)
	store := Wrap(next, Settings{Name: "test-recover", ConsecutiveFailures: 1, OpenTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_ = store.Save(ctx, "doc", core.DefaultContent)
	next.failing.Store(false)
	time.Sleep(50 * time.Millisecond)

	if err := store.Save(ctx, "doc", core.DefaultContent); err != nil {
		t.Errorf("Save() after recovery failed: %v", err)
	}
}

func TestWrap_ListUnsupported(t *testing.T) {
	store := Wrap(&flakyStore{}, Settings{Name: "test-list"})

	_, err := store.(core.DocumentLister).List(context.Background())
	if !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("List() = %v, want ErrUnsupported", err)
	}
}

func TestWrap_CancelledCallsDoNotTrip(t *testing.T) {
	next := &flakyStore{}
	next.failing.Store(true)
	store := Wrap(next, Settings{Name: "test-cancelled", ConsecutiveFailures: 2, OpenTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		if err := store.Save(ctx, "doc", core.DefaultContent); err == nil {
			t.Fatalf("Save() #%d succeeded against a failing store", i)
		}
	}

	next.failing.Store(false)
	if _, err := store.Load(context.Background(), "doc"); err != nil {
		t.Errorf("breaker opened on cancelled calls: %v", err)
	}
}

// slowStore blocks saves until the caller gives up.
type slowStore struct {
	flakyStore
	started chan struct{}
}

func (s *slowStore) Save(ctx context.Context, id string, content core.Content) error {
	s.started <- struct{}{}
	<-ctx.Done()
	return core.Unavailable("save", ctx.Err())
}

func TestWrap_SavesCancelledMidFlightDoNotTrip(t *testing.T) {
	next := &slowStore{started: make(chan struct{})}
	store := Wrap(next, Settings{Name: "test-midflight", ConsecutiveFailures: 3, OpenTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() { errc <- store.Save(ctx, "doc", core.DefaultContent) }()
		<-next.started
		cancel()
		if err := <-errc; !errors.Is(err, context.Canceled) {
			t.Fatalf("Save() #%d = %v, want context.Canceled in the chain", i, err)
		}
	}

	if _, err := store.Load(context.Background(), "doc"); err != nil {
		t.Errorf("Load() after cancelled saves = %v, want nil", err)
	}
}

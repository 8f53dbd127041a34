package eventstore_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"paperline/internal/db"
	"paperline/internal/domain"
	"paperline/internal/domain/event"
	"paperline/internal/eventstore"
	"paperline/internal/migrate"
)

func newStore(t *testing.T) eventstore.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := eventstore.New(conn)
	store.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return store
}

func TestAppendAndLoad(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	alice := domain.User("alice")

	evt, err := store.Append(ctx, "sub-1", 0, alice, &event.CreateSubmission{})
	if err != nil {
		t.Fatalf("append create: %v", err)
	}
	if evt.Version != 1 {
		t.Fatalf("first event version %d", evt.Version)
	}
	if _, err := store.Append(ctx, "sub-1", 1, alice, &event.SetTitle{Title: "Hello"}); err != nil {
		t.Fatalf("append title: %v", err)
	}

	events, err := store.Load(ctx, "sub-1", 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Version != int64(i+1) {
			t.Fatalf("event %d has version %d", i, e.Version)
		}
	}
	title, ok := events[1].Payload.(*event.SetTitle)
	if !ok || title.Title != "Hello" {
		t.Fatalf("payload roundtrip: %#v", events[1].Payload)
	}
	if events[0].Creator != alice {
		t.Fatalf("creator roundtrip: %+v", events[0].Creator)
	}
}

func TestVersionConflict(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	alice := domain.User("alice")

	if _, err := store.Append(ctx, "sub-1", 0, alice, &event.CreateSubmission{}); err != nil {
		t.Fatalf("append create: %v", err)
	}
	// Stale expected version.
	_, err := store.Append(ctx, "sub-1", 0, alice, &event.SetTitle{Title: "stale"})
	if !errors.Is(err, eventstore.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	// An expected version ahead of the log must also conflict, never create a gap.
	_, err = store.Append(ctx, "sub-1", 5, alice, &event.SetTitle{Title: "ahead"})
	if !errors.Is(err, eventstore.ErrVersionConflict) {
		t.Fatalf("expected version conflict for future version, got %v", err)
	}
	v, err := store.CurrentVersion(ctx, "sub-1")
	if err != nil || v != 1 {
		t.Fatalf("current version %d (%v)", v, err)
	}
}

func TestConcurrentAppendSameVersion(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	alice := domain.User("alice")

	if _, err := store.Append(ctx, "sub-1", 0, alice, &event.CreateSubmission{}); err != nil {
		t.Fatalf("append create: %v", err)
	}

	// All racers read version 1 and try to take slot 2; exactly one may win.
	const racers = 8
	start := make(chan struct{})
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := store.Append(ctx, "sub-1", 1, alice,
				&event.SetTitle{Title: fmt.Sprintf("racer %d", i)})
			errs <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	wins, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, eventstore.ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected append error: %v", err)
		}
	}
	if wins != 1 || conflicts != racers-1 {
		t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
	}
	v, err := store.CurrentVersion(ctx, "sub-1")
	if err != nil || v != 2 {
		t.Fatalf("current version %d (%v)", v, err)
	}
}

func TestLoadUnknownSubmission(t *testing.T) {
	store := newStore(t)
	_, err := store.Load(context.Background(), "missing", 0)
	if !errors.Is(err, eventstore.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLoadUpTo(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	alice := domain.User("alice")

	if _, err := store.Append(ctx, "sub-1", 0, alice, &event.CreateSubmission{}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(ctx, "sub-1", 1, alice, &event.SetTitle{Title: "one"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(ctx, "sub-1", 2, alice, &event.SetTitle{Title: "two"}); err != nil {
		t.Fatal(err)
	}
	events, err := store.Load(ctx, "sub-1", 2)
	if err != nil {
		t.Fatalf("load up to 2: %v", err)
	}
	if len(events) != 2 || events[len(events)-1].Version != 2 {
		t.Fatalf("expected 2 events ending at v2, got %d", len(events))
	}
}

func TestExistsAndListIDs(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	alice := domain.User("alice")

	ok, err := store.Exists(ctx, "sub-1")
	if err != nil || ok {
		t.Fatalf("exists before create: %v %v", ok, err)
	}
	for _, id := range []string{"sub-a", "sub-b"} {
		if _, err := store.Append(ctx, id, 0, alice, &event.CreateSubmission{}); err != nil {
			t.Fatal(err)
		}
	}
	ok, err = store.Exists(ctx, "sub-a")
	if err != nil || !ok {
		t.Fatalf("exists after create: %v %v", ok, err)
	}
	ids, err := store.ListSubmissionIDs(ctx)
	if err != nil {
		t.Fatalf("list ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != "sub-a" || ids[1] != "sub-b" {
		t.Fatalf("ids: %v", ids)
	}
}

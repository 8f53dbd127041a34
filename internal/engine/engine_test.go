package engine_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"paperline/internal/db"
	"paperline/internal/domain"
	"paperline/internal/domain/event"
	"paperline/internal/engine"
	"paperline/internal/eventstore"
	"paperline/internal/migrate"
	"paperline/internal/projection"
)

type testEnv struct {
	Engine *engine.Engine
	Conn   *db.Conn
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, log.New(io.Discard, "", 0))
	eng.Store.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Conn: conn, Ctx: context.Background()}
}

func TestCommitRequiresEditRights(t *testing.T) {
	env := newTestEnv(t)
	alice := domain.User("alice")

	if _, _, err := env.Engine.Commit(env.Ctx, "sub-1", 0, alice, &event.CreateSubmission{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A stranger may not touch alice's submission.
	_, _, err := env.Engine.Commit(env.Ctx, "sub-1", 1, domain.User("mallory"), &event.SetTitle{Title: "mine now"})
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	sub, err := env.Engine.GetSubmission(env.Ctx, "sub-1")
	if err != nil || sub.Version != 1 {
		t.Fatalf("version advanced after forbidden commit: v%d (%v)", sub.Version, err)
	}

	// A delegate gains edit rights; system agents always have them.
	if _, _, err := env.Engine.Commit(env.Ctx, "sub-1", 1, alice, &event.AddDelegate{Delegate: domain.User("bob")}); err != nil {
		t.Fatalf("add delegate: %v", err)
	}
	if _, _, err := env.Engine.Commit(env.Ctx, "sub-1", 2, domain.User("bob"), &event.SetTitle{Title: "by bob"}); err != nil {
		t.Fatalf("delegate edit: %v", err)
	}
	if _, _, err := env.Engine.Commit(env.Ctx, "sub-1", 3, domain.System("qa"), &event.SetComments{Comments: "checked"}); err != nil {
		t.Fatalf("system edit: %v", err)
	}

	// A client acting for the owner edits; one acting for someone else does not.
	if _, _, err := env.Engine.Commit(env.Ctx, "sub-1", 4, domain.Client("ingest-bot", "alice"), &event.SetDOI{DOI: "10.1000/x"}); err != nil {
		t.Fatalf("client for owner: %v", err)
	}
	_, _, err = env.Engine.Commit(env.Ctx, "sub-1", 5, domain.Client("ingest-bot", "mallory"), &event.SetDOI{DOI: "10.1000/y"})
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden for foreign client, got %v", err)
	}
}

func TestCommitPipeline(t *testing.T) {
	env := newTestEnv(t)
	alice := domain.User("alice")

	sub, evt, err := env.Engine.Commit(env.Ctx, "sub-1", 0, alice, &event.CreateSubmission{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.Version != 1 || evt.Version != 1 {
		t.Fatalf("expected version 1, got sub=%d evt=%d", sub.Version, evt.Version)
	}
	if sub.Status != domain.StatusWorking {
		t.Fatalf("status %s", sub.Status)
	}

	sub, _, err = env.Engine.Commit(env.Ctx, "sub-1", 1, alice, &event.SetTitle{Title: "Committed"})
	if err != nil {
		t.Fatalf("set title: %v", err)
	}
	if sub.Metadata.Title != "Committed" {
		t.Fatalf("title %q", sub.Metadata.Title)
	}

	// The cached projection serves reads.
	got, err := env.Engine.GetSubmission(env.Ctx, "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 || got.Metadata.Title != "Committed" {
		t.Fatalf("projection: v%d %q", got.Version, got.Metadata.Title)
	}

	// Both commits landed in the outbox.
	rows, err := env.Engine.Outbox.Latest(env.Ctx, 10)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 outbox rows, got %d", len(rows))
	}
}

func TestCommitVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	alice := domain.User("alice")

	if _, _, err := env.Engine.Commit(env.Ctx, "sub-1", 0, alice, &event.CreateSubmission{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _, err := env.Engine.Commit(env.Ctx, "sub-1", 0, alice, &event.SetTitle{Title: "stale"})
	if !errors.Is(err, eventstore.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestCommitValidationFailure(t *testing.T) {
	env := newTestEnv(t)
	alice := domain.User("alice")

	if _, _, err := env.Engine.Commit(env.Ctx, "sub-1", 0, alice, &event.CreateSubmission{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// A second create on the same log is illegal.
	_, _, err := env.Engine.Commit(env.Ctx, "sub-1", 1, alice, &event.CreateSubmission{})
	var verr *event.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	// Nothing was appended.
	v, err := env.Engine.Store.CurrentVersion(env.Ctx, "sub-1")
	if err != nil || v != 1 {
		t.Fatalf("version after rejection: %d (%v)", v, err)
	}
}

func TestCommitLatest(t *testing.T) {
	env := newTestEnv(t)
	alice := domain.User("alice")

	if _, _, err := env.Engine.Commit(env.Ctx, "sub-1", 0, alice, &event.CreateSubmission{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := env.Engine.Commit(env.Ctx, "sub-1", 1, alice, &event.SetTitle{Title: "one"}); err != nil {
		t.Fatalf("title: %v", err)
	}
	sub, evt, err := env.Engine.CommitLatest(env.Ctx, "sub-1", alice, &event.SetAbstract{Abstract: "latest"})
	if err != nil {
		t.Fatalf("commit latest: %v", err)
	}
	if evt.Version != 3 || sub.Metadata.Abstract != "latest" {
		t.Fatalf("v%d abstract %q", evt.Version, sub.Metadata.Abstract)
	}
}

func TestGetSubmissionAt(t *testing.T) {
	env := newTestEnv(t)
	alice := domain.User("alice")

	if _, _, err := env.Engine.Commit(env.Ctx, "sub-1", 0, alice, &event.CreateSubmission{}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.Commit(env.Ctx, "sub-1", 1, alice, &event.SetTitle{Title: "first"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.Commit(env.Ctx, "sub-1", 2, alice, &event.SetTitle{Title: "second"}); err != nil {
		t.Fatal(err)
	}
	at, err := env.Engine.GetSubmissionAt(env.Ctx, "sub-1", 2)
	if err != nil {
		t.Fatalf("at v2: %v", err)
	}
	if at.Metadata.Title != "first" {
		t.Fatalf("title at v2: %q", at.Metadata.Title)
	}
	if _, err := env.Engine.GetSubmissionAt(env.Ctx, "sub-1", 9); !errors.Is(err, eventstore.ErrNotFound) {
		t.Fatalf("expected not found for missing version, got %v", err)
	}
}

func TestRebuild(t *testing.T) {
	env := newTestEnv(t)
	alice := domain.User("alice")

	if _, _, err := env.Engine.Commit(env.Ctx, "sub-1", 0, alice, &event.CreateSubmission{}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.Commit(env.Ctx, "sub-1", 1, alice, &event.SetTitle{Title: "rebuilt"}); err != nil {
		t.Fatal(err)
	}
	// Corrupt the cached projection, then rebuild from the log.
	if _, err := env.Conn.Exec(`DELETE FROM projections`); err != nil {
		t.Fatalf("drop cache: %v", err)
	}
	n, err := env.Engine.RebuildAll(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("rebuild all: %d (%v)", n, err)
	}
	got, err := env.Engine.Cache.Get(env.Ctx, "sub-1")
	if err != nil {
		t.Fatalf("cache after rebuild: %v", err)
	}
	if got.Metadata.Title != "rebuilt" || got.Version != 2 {
		t.Fatalf("rebuilt projection: v%d %q", got.Version, got.Metadata.Title)
	}
}

func TestRebuildAllDropsOrphanSnapshots(t *testing.T) {
	env := newTestEnv(t)
	alice := domain.User("alice")

	if _, _, err := env.Engine.Commit(env.Ctx, "sub-1", 0, alice, &event.CreateSubmission{}); err != nil {
		t.Fatal(err)
	}
	// A snapshot with no events behind it, left by a truncated log.
	if _, err := env.Conn.Exec(env.Conn.Rebind(
		`INSERT INTO projections (submission_id, version, state_json) VALUES (?, ?, ?)`),
		"ghost", 1, `{"id":"ghost","version":1}`); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}
	n, err := env.Engine.RebuildAll(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("rebuild all: %d (%v)", n, err)
	}
	if _, err := env.Engine.Cache.Get(env.Ctx, "sub-1"); err != nil {
		t.Fatalf("live snapshot missing: %v", err)
	}
	if _, err := env.Engine.Cache.Get(env.Ctx, "ghost"); !errors.Is(err, projection.ErrNoSnapshot) {
		t.Fatalf("expected orphan snapshot gone, got %v", err)
	}
}

func TestCommittedHook(t *testing.T) {
	env := newTestEnv(t)
	var seen []string
	env.Engine.Committed = func(e event.Event) { seen = append(seen, e.Type) }

	if _, _, err := env.Engine.Commit(env.Ctx, "sub-1", 0, domain.User("alice"), &event.CreateSubmission{}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != "CreateSubmission" {
		t.Fatalf("hook calls: %v", seen)
	}
}

package agent

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paperline/internal/db"
	"paperline/internal/domain"
	"paperline/internal/domain/event"
	"paperline/internal/engine"
	"paperline/internal/migrate"
	"paperline/internal/schedule"
)

func newSchedulerEnv(t *testing.T) (*Scheduler, *engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	logger := log.New(io.Discard, "", 0)
	eng := engine.New(conn, logger)
	eng.Store.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	clock, err := schedule.NewClock("UTC")
	require.NoError(t, err)
	return NewScheduler(eng, conn, clock, logger), eng
}

func submitTestDraft(t *testing.T, eng *engine.Engine, id string) {
	t.Helper()
	ctx := context.Background()
	alice := domain.User("alice")
	for _, p := range []event.Payload{
		&event.CreateSubmission{},
		&event.SetTitle{Title: "Scheduled Work"},
		&event.SetAbstract{Abstract: "Scheduling."},
		&event.SetAuthors{Authors: []domain.Author{{Surname: "Hopper"}}},
		&event.SetLicense{License: domain.License{URI: "https://example.org/license"}},
		&event.SetPrimaryClassification{Category: "cs.DL"},
		&event.ConfirmPolicy{},
		&event.ConfirmContactInformation{},
		&event.SetUploadPackage{Content: domain.SubmissionContent{SourceID: "src", Checksum: "c"}},
		&event.ConfirmPreview{Preview: domain.Preview{SourceID: "src", SourceChecksum: "c", PreviewChecksum: "p"}},
		&event.FinalizeSubmission{},
		&event.PassQAChecks{},
	} {
		_, _, err := eng.CommitLatest(ctx, id, alice, p)
		require.NoError(t, err, p.EventType())
	}
}

func TestSchedulerSchedulesSubmitted(t *testing.T) {
	s, eng := newSchedulerEnv(t)
	ctx := context.Background()
	submitTestDraft(t, eng, "sub-1")

	// Before the freeze: same-day announcement.
	s.Now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	require.NoError(t, s.Tick(ctx))

	sub, err := eng.GetSubmission(ctx, "sub-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusScheduled, sub.Status)
	require.NotNil(t, sub.AnnounceAt)
	require.Equal(t, time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC), sub.AnnounceAt.UTC())
}

func TestSchedulerWindowFollowsSubmissionTime(t *testing.T) {
	s, eng := newSchedulerEnv(t)
	ctx := context.Background()
	// QA passed at 09:00, before the freeze.
	submitTestDraft(t, eng, "sub-1")

	// The sweep only runs after the freeze. The window still comes from
	// when the submission was accepted, so it announces same day.
	s.Now = func() time.Time { return time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC) }
	require.NoError(t, s.Tick(ctx))

	sub, err := eng.GetSubmission(ctx, "sub-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusScheduled, sub.Status)
	require.NotNil(t, sub.AnnounceAt)
	require.Equal(t, time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC), sub.AnnounceAt.UTC())
}

func TestSchedulerSkipsHeldSubmissions(t *testing.T) {
	s, eng := newSchedulerEnv(t)
	ctx := context.Background()
	submitTestDraft(t, eng, "sub-1")
	_, _, err := eng.CommitLatest(ctx, "sub-1", domain.System("moderation"), &event.ApplyHold{Reason: "review"})
	require.NoError(t, err)

	s.Now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	require.NoError(t, s.Tick(ctx))

	sub, err := eng.GetSubmission(ctx, "sub-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusOnHold, sub.Status)
	require.Nil(t, sub.AnnounceAt)
}

func TestSchedulerPublishesDueSubmissions(t *testing.T) {
	s, eng := newSchedulerEnv(t)
	ctx := context.Background()
	submitTestDraft(t, eng, "sub-1")
	submitTestDraft(t, eng, "sub-2")

	s.Now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	require.NoError(t, s.Tick(ctx))

	// Not yet due: nothing published.
	s.Now = func() time.Time { return time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC) }
	require.NoError(t, s.Tick(ctx))
	sub, err := eng.GetSubmission(ctx, "sub-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusScheduled, sub.Status)

	s.Now = func() time.Time { return time.Date(2026, 3, 2, 20, 0, 1, 0, time.UTC) }
	require.NoError(t, s.Tick(ctx))

	var ids []string
	for _, id := range []string{"sub-1", "sub-2"} {
		sub, err := eng.GetSubmission(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.StatusPublished, sub.Status)
		require.NotEmpty(t, sub.PaperID)
		ids = append(ids, sub.PaperID)
	}
	// Sequential ids within the announcement month.
	require.ElementsMatch(t, []string{"2603.00001", "2603.00002"}, ids)
}

func TestAllocatePaperIDSequence(t *testing.T) {
	s, _ := newSchedulerEnv(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)

	first, err := s.allocatePaperID(ctx, at)
	require.NoError(t, err)
	require.Equal(t, "2603.00001", first)
	second, err := s.allocatePaperID(ctx, at)
	require.NoError(t, err)
	require.Equal(t, "2603.00002", second)

	// A new month starts its own sequence.
	next, err := s.allocatePaperID(ctx, at.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Equal(t, "2604.00001", next)
}

package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paperline/internal/domain"
	"paperline/internal/domain/event"
)

func testEvent(eventType string, payload event.Payload) event.Event {
	return event.Event{
		SubmissionID: "sub-1",
		Version:      3,
		Type:         eventType,
		Creator:      domain.User("alice"),
		CreatedAt:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Payload:      payload,
	}
}

func TestLoadRuleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: classify-on-finalize
    on: FinalizeSubmission
    process: classification
  - id: overlap-on-source
    on: "Set*"
    condition: 'event.type == "SetUploadPackage"'
    process: overlap
    params:
      threshold: 0.8
`), 0o644))

	rules, err := NewRules()
	require.NoError(t, err)
	require.NoError(t, rules.Load(path))

	matched, err := rules.Match(testEvent("FinalizeSubmission", &event.FinalizeSubmission{}), &domain.Submission{ID: "sub-1"})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Equal(t, "classify-on-finalize", matched[0].ID)
}

func TestMatchWildcardAndCondition(t *testing.T) {
	rules, err := NewRules()
	require.NoError(t, err)
	require.NoError(t, rules.Replace([]Rule{
		{ID: "any", On: "*", Process: "audit"},
		{ID: "sets", On: "Set*", Process: "review"},
		{ID: "big-title", On: "SetTitle", Condition: `size(event.payload.title) > 5`, Process: "review"},
	}))

	matched, err := rules.Match(testEvent("SetTitle", &event.SetTitle{Title: "hi"}), nil)
	require.NoError(t, err)
	require.Len(t, matched, 2) // any + sets; condition filters big-title

	matched, err = rules.Match(testEvent("SetTitle", &event.SetTitle{Title: "a longer title"}), nil)
	require.NoError(t, err)
	require.Len(t, matched, 3)

	matched, err = rules.Match(testEvent("Publish", &event.Publish{PaperID: "2603.00001"}), nil)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Equal(t, "any", matched[0].ID)
}

func TestConditionSeesState(t *testing.T) {
	rules, err := NewRules()
	require.NoError(t, err)
	require.NoError(t, rules.Replace([]Rule{
		{ID: "held-only", On: "*", Condition: `has(state.holds) && size(state.holds) > 0`, Process: "notify-mods"},
	}))

	held := &domain.Submission{ID: "sub-1", Holds: []domain.Hold{{ID: "h1", CreatedBy: domain.User("mod")}}}
	matched, err := rules.Match(testEvent("ApplyHold", &event.ApplyHold{}), held)
	require.NoError(t, err)
	require.Len(t, matched, 1)

	matched, err = rules.Match(testEvent("SetTitle", &event.SetTitle{Title: "x"}), &domain.Submission{ID: "sub-1"})
	require.NoError(t, err)
	require.Empty(t, matched)
}

func TestReplaceRejectsBadRules(t *testing.T) {
	rules, err := NewRules()
	require.NoError(t, err)

	require.Error(t, rules.Replace([]Rule{{ID: "", On: "*", Process: "p"}}))
	require.Error(t, rules.Replace([]Rule{
		{ID: "dup", On: "*", Process: "p"},
		{ID: "dup", On: "*", Process: "q"},
	}))
	require.Error(t, rules.Replace([]Rule{{ID: "bad", On: "*", Condition: `event ==`, Process: "p"}}))
	// A non-boolean condition fails at evaluation time.
	require.NoError(t, rules.Replace([]Rule{{ID: "notbool", On: "*", Condition: `"hello"`, Process: "p"}}))
	_, err = rules.Match(testEvent("SetTitle", &event.SetTitle{Title: "x"}), nil)
	require.Error(t, err)
}

func TestReplaceKeepsOldSetOnFailure(t *testing.T) {
	rules, err := NewRules()
	require.NoError(t, err)
	require.NoError(t, rules.Replace([]Rule{{ID: "keep", On: "*", Process: "p"}}))
	require.Error(t, rules.Replace([]Rule{{ID: "", On: "", Process: ""}}))

	matched, err := rules.Match(testEvent("SetTitle", &event.SetTitle{Title: "x"}), nil)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Equal(t, "keep", matched[0].ID)
}

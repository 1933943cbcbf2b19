package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/orchestra-go/events"
	"github.com/dshills/orchestra-go/workflow"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func makeWorkflow(id, worktree string, status workflow.Status) workflow.Workflow {
	return workflow.Workflow{
		ID:           id,
		IssueID:      "PROJ-" + id,
		WorktreePath: worktree,
		ProfileID:    "default",
		Status:       status,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	wf := makeWorkflow("wf-1", "/work/a", workflow.StatusPending)
	require.NoError(t, st.Create(ctx, wf))

	got, err := st.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, wf.IssueID, got.IssueID)
	assert.Equal(t, workflow.StatusPending, got.Status)
	assert.Nil(t, got.StartedAt)

	_, err = st.Get(ctx, "wf-missing")
	var notFound *WorkflowNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestSQLiteStore_CreateConflicts(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, makeWorkflow("wf-1", "/work/a", workflow.StatusPending)))

	t.Run("duplicate id", func(t *testing.T) {
		err := st.Create(ctx, makeWorkflow("wf-1", "/work/b", workflow.StatusPending))
		var conflict *WorkflowConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "wf-1", conflict.ID)
	})

	t.Run("worktree already held by an active workflow", func(t *testing.T) {
		err := st.Create(ctx, makeWorkflow("wf-2", "/work/a", workflow.StatusPending))
		var conflict *WorkflowConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "/work/a", conflict.WorktreePath)
	})

	t.Run("terminal workflow releases the worktree", func(t *testing.T) {
		require.NoError(t, st.SetStatus(ctx, "wf-1", workflow.StatusCancelled, ""))
		assert.NoError(t, st.Create(ctx, makeWorkflow("wf-3", "/work/a", workflow.StatusPending)))
	})
}

func TestSQLiteStore_SetStatus(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, makeWorkflow("wf-1", "/work/a", workflow.StatusPending)))

	require.NoError(t, st.SetStatus(ctx, "wf-1", workflow.StatusInProgress, ""))
	got, err := st.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusInProgress, got.Status)
	require.NotNil(t, got.StartedAt, "first in_progress stamps started_at")

	require.NoError(t, st.SetStatus(ctx, "wf-1", workflow.StatusFailed, "step exploded"))
	got, _ = st.Get(ctx, "wf-1")
	assert.Equal(t, "step exploded", got.FailureReason)
	assert.NotNil(t, got.CompletedAt)

	t.Run("invalid transition rejected", func(t *testing.T) {
		err := st.SetStatus(ctx, "wf-1", workflow.StatusCompleted, "")
		var tErr *workflow.InvalidStateTransitionError
		assert.ErrorAs(t, err, &tErr)
	})

	t.Run("unknown workflow", func(t *testing.T) {
		err := st.SetStatus(ctx, "ghost", workflow.StatusInProgress, "")
		var notFound *WorkflowNotFoundError
		assert.ErrorAs(t, err, &notFound)
	})
}

func TestSQLiteStore_GetByWorktree(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, makeWorkflow("wf-1", "/work/a", workflow.StatusPending)))

	got, err := st.GetByWorktree(ctx, "/work/a")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.ID)

	// A terminal workflow no longer claims the worktree.
	require.NoError(t, st.SetStatus(ctx, "wf-1", workflow.StatusCancelled, ""))
	_, err = st.GetByWorktree(ctx, "/work/a")
	var notFound *WorkflowNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestSQLiteStore_ListAndCount(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	for i, status := range []workflow.Status{
		workflow.StatusPending, workflow.StatusInProgress, workflow.StatusBlocked,
	} {
		wf := makeWorkflow(string(rune('a'+i)), "/work/"+string(rune('a'+i)), workflow.StatusPending)
		require.NoError(t, st.Create(ctx, wf))
		if status != workflow.StatusPending {
			require.NoError(t, st.SetStatus(ctx, wf.ID, workflow.StatusInProgress, ""))
		}
		if status == workflow.StatusBlocked {
			require.NoError(t, st.SetStatus(ctx, wf.ID, workflow.StatusBlocked, ""))
		}
	}

	active, err := st.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3)

	n, err := st.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	blocked, err := st.ListByStatus(ctx, workflow.StatusBlocked)
	require.NoError(t, err)
	require.Len(t, blocked, 1)

	n, err = st.CountByFilter(ctx, ListFilter{Statuses: []workflow.Status{workflow.StatusPending}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteStore_ListPagination(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		wf := makeWorkflow(string(rune('a'+i)), "/work/"+string(rune('a'+i)), workflow.StatusPending)
		wf.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.Create(ctx, wf))
	}

	page1, cursor, err := st.List(ctx, ListFilter{}, 2, "")
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotEmpty(t, cursor)
	assert.Equal(t, "e", page1[0].ID, "newest first")

	page2, cursor, err := st.List(ctx, ListFilter{}, 2, cursor)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.NotEmpty(t, cursor)

	page3, cursor, err := st.List(ctx, ListFilter{}, 2, cursor)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Empty(t, cursor, "exhausted")

	seen := make(map[string]bool)
	for _, wf := range append(append(page1, page2...), page3...) {
		assert.False(t, seen[wf.ID], "no duplicates across pages")
		seen[wf.ID] = true
	}
	assert.Len(t, seen, 5)
}

func TestSQLiteStore_EventLog(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	ev := func(seq int64, typ events.EventType) events.WorkflowEvent {
		return events.WorkflowEvent{
			ID: "ev-" + string(rune('0'+seq)), WorkflowID: "wf-1", Sequence: seq,
			Timestamp: time.Now().UTC(), Type: typ, Level: events.LevelFor(typ),
			Message: string(typ),
			Payload: map[string]any{"seq": float64(seq)},
		}
	}

	require.NoError(t, st.SaveEvent(ctx, ev(1, events.EventWorkflowStarted)))
	require.NoError(t, st.SaveEvent(ctx, ev(2, events.EventStageStarted)))
	require.NoError(t, st.SaveEvent(ctx, ev(3, events.EventStageCompleted)))

	t.Run("duplicate sequence rejected", func(t *testing.T) {
		dup := ev(2, events.EventAgentMessage)
		dup.ID = "ev-dup"
		assert.Error(t, st.SaveEvent(ctx, dup))
	})

	t.Run("max sequence", func(t *testing.T) {
		maxSeq, err := st.GetMaxEventSequence(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), maxSeq)

		maxSeq, err = st.GetMaxEventSequence(ctx, "wf-none")
		require.NoError(t, err)
		assert.Zero(t, maxSeq)
	})

	t.Run("ordered replay after a sequence", func(t *testing.T) {
		got, err := st.Events(ctx, "wf-1", 1)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, int64(2), got[0].Sequence)
		assert.Equal(t, int64(3), got[1].Sequence)
		assert.Equal(t, map[string]any{"seq": float64(2)}, got[0].Payload)
	})
}

func TestSQLiteStore_DeleteEventsBefore(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-72 * time.Hour)
	save := func(id string, seq int64, ts time.Time, level events.Level) {
		require.NoError(t, st.SaveEvent(ctx, events.WorkflowEvent{
			ID: id, WorkflowID: "wf-1", Sequence: seq, Timestamp: ts,
			Type: events.EventStream, Level: level, Message: "m",
		}))
	}
	save("e1", 1, old, events.LevelTrace)
	save("e2", 2, old, events.LevelInfo)
	save("e3", 3, time.Now().UTC(), events.LevelTrace)

	n, err := st.DeleteEventsBefore(ctx, time.Now().UTC().Add(-24*time.Hour),
		events.LevelTrace, events.LevelDebug)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only old trace/debug events removed")

	remaining, err := st.Events(ctx, "wf-1", 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestSQLiteStore_UsageTrend(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	day1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)
	records := []TokenUsage{
		{WorkflowID: "wf-1", Model: "claude", InputTokens: 100, OutputTokens: 50, CostUSD: 0.01, RecordedAt: day1},
		{WorkflowID: "wf-1", Model: "claude", InputTokens: 200, OutputTokens: 80, CostUSD: 0.02, RecordedAt: day1},
		{WorkflowID: "wf-2", Model: "gpt", InputTokens: 10, OutputTokens: 5, CostUSD: 0.001, RecordedAt: day1},
		{WorkflowID: "wf-2", Model: "gpt", InputTokens: 30, OutputTokens: 15, CostUSD: 0.003, RecordedAt: day2},
	}
	for _, r := range records {
		require.NoError(t, st.SaveTokenUsage(ctx, r))
	}

	trend, err := st.UsageTrend(ctx, day1.Add(-time.Hour), day2.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, trend, 2)

	first := trend[0]
	assert.Equal(t, "2026-08-01", first.Date)
	assert.Equal(t, int64(310), first.InputTokens)
	assert.Equal(t, int64(135), first.OutputTokens)
	assert.Equal(t, int64(300), first.ByModel["claude"].InputTokens)
	assert.Equal(t, int64(10), first.ByModel["gpt"].InputTokens)

	assert.Equal(t, "2026-08-02", trend[1].Date)
	assert.Equal(t, int64(30), trend[1].InputTokens)
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 24, 9, 30, 0, 123456789, time.UTC)
	cursor := EncodeCursor(ts, "wf-9")

	gotTime, gotID, err := DecodeCursor(cursor)
	require.NoError(t, err)
	assert.True(t, ts.Equal(gotTime))
	assert.Equal(t, "wf-9", gotID)

	_, _, err = DecodeCursor("not base64!!")
	assert.Error(t, err)

	_, _, err = DecodeCursor("aGVsbG8=") // valid base64, no separator
	assert.Error(t, err)
}

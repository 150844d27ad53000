package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netgate/internal/testutil"
	"netgate/pkg/model"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(Options{DSN: ":memory:", Prefix: "netgate_", Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalRecordsTerminalEvents(t *testing.T) {
	j := openJournal(t)
	now := time.Now()

	j.Observe(model.Event{Type: model.EventStarted, RequestID: "r1", Time: now})
	j.Observe(model.Event{
		Type:      model.EventCompleted,
		Profile:   "default",
		RequestID: "r1",
		URL:       "https://example.com/b",
		Method:    "GET",
		Resource:  "main_frame",
		Attempt:   2,
		Status:    200,
		Bytes:     42,
		Result:    "success",
		Redirects: []string{"https://example.com/b"},
		Time:      now,
	})
	j.Observe(model.Event{
		Type:      model.EventFailed,
		Profile:   "other",
		RequestID: "r2",
		URL:       "https://ads.example.net/",
		Result:    "blocked_by_client",
		Error:     "net: blocked by client",
		Time:      now,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, j.Flush(ctx))
	assert.EqualValues(t, 2, j.Written())

	recs, err := j.Recent(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "r2", recs[0].RequestID)
	assert.Equal(t, "net: blocked by client", recs[0].ErrorMessage())

	rec, err := j.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
	assert.EqualValues(t, 42, rec.Bytes)
	assert.Equal(t, 1, rec.Redirects)
	assert.Equal(t, []string{"https://example.com/b"}, rec.RedirectChain())
	assert.Empty(t, rec.ErrorMessage())

	blocked, err := j.Recent(ctx, Query{Result: "blocked_by_client"})
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "other", blocked[0].Profile)

	byProfile, err := j.Recent(ctx, Query{Profile: "default", Limit: 10})
	require.NoError(t, err)
	require.Len(t, byProfile, 1)
}

func TestJournalGetMissing(t *testing.T) {
	j := openJournal(t)
	_, err := j.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJournalCloseStopsObserving(t *testing.T) {
	j, err := Open(Options{Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)
	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Close(), ErrClosed)

	j.Observe(model.Event{Type: model.EventCompleted, RequestID: "late"})
	assert.ErrorIs(t, j.Flush(context.Background()), ErrClosed)
}

func TestJournalDropsWhenBufferFull(t *testing.T) {
	j := &Journal{log: testutil.NewTestLogger(t), ch: make(chan entry, 1)}
	j.Observe(model.Event{Type: model.EventCompleted, RequestID: "a"})
	j.Observe(model.Event{Type: model.EventCompleted, RequestID: "b"})
	assert.EqualValues(t, 1, j.Dropped())
}

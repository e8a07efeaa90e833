package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codmonbridge/internal/codmon"
	"codmonbridge/internal/sync"
)

type fakeContactBook struct {
	comments  map[string][]codmon.Record // keyed by window start (YYYY-MM-DD)
	responses map[string][]codmon.Record
	windows   []codmon.Window
	err       error
}

func (f *fakeContactBook) Comments(_ context.Context, _ string, w codmon.Window) ([]codmon.Record, error) {
	f.windows = append(f.windows, w)
	if f.err != nil {
		return nil, f.err
	}
	return f.comments[w.Start.Format("2006-01-02")], nil
}

func (f *fakeContactBook) ContactResponses(_ context.Context, _ string, w codmon.Window) ([]codmon.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.responses[w.Start.Format("2006-01-02")], nil
}

func contactRec(id, date string) codmon.Record {
	return codmon.Record{ID: id, TimelineKind: "contact", DisplayDate: date}
}

func TestContactWalkChunksByMonth(t *testing.T) {
	fetcher := &fakeContactBook{
		comments: map[string][]codmon.Record{
			"2025-01-01": {contactRec("c1", "2025-01-15")},
			"2025-02-01": {contactRec("c2", "2025-02-03")},
		},
		responses: map[string][]codmon.Record{
			"2025-02-01": {contactRec("r1", "2025-02-04")},
		},
	}
	sink := &recordingSink{}

	w, err := sync.NewContactWalker(fetcher, zap.NewNop(), 0, func(time.Duration) {})
	require.NoError(t, err)

	window := codmon.Window{
		Start: time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC),
	}
	sum, err := w.Walk(context.Background(), "9001", window, sync.Incremental, sink)
	require.NoError(t, err)

	require.Len(t, fetcher.windows, 2, "one comments fetch per month")
	assert.Equal(t, sync.StopEndOfData, sum.Stop)
	assert.Equal(t, 3, sum.Fetched)
	assert.ElementsMatch(t, []string{"c1", "c2", "r1"}, sink.handled)
}

func TestContactWalkSkipsDoneAndDatelessRecords(t *testing.T) {
	fetcher := &fakeContactBook{
		comments: map[string][]codmon.Record{
			"2025-03-01": {
				contactRec("done", "2025-03-01"),
				contactRec("dateless", ""),
				contactRec("fresh", "2025-03-02"),
			},
		},
	}
	sink := &recordingSink{done: map[string]bool{"done": true}}

	w, err := sync.NewContactWalker(fetcher, zap.NewNop(), 0, func(time.Duration) {})
	require.NoError(t, err)

	window := codmon.Window{
		Start: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	sum, err := w.Walk(context.Background(), "9001", window, sync.Incremental, sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"fresh"}, sink.handled)
	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 1, sum.Emitted)
}

func TestContactWalkFullScanRevisitsDoneRecords(t *testing.T) {
	fetcher := &fakeContactBook{
		comments: map[string][]codmon.Record{
			"2025-03-01": {contactRec("done", "2025-03-01")},
		},
	}
	sink := &recordingSink{done: map[string]bool{"done": true}}

	w, err := sync.NewContactWalker(fetcher, zap.NewNop(), 0, func(time.Duration) {})
	require.NoError(t, err)

	window := codmon.Window{
		Start: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	_, err = w.Walk(context.Background(), "9001", window, sync.FullScan, sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"done"}, sink.handled)
}

func TestContactWalkSurvivesFetchFailures(t *testing.T) {
	fetcher := &fakeContactBook{err: errors.New("server unhappy")}
	sink := &recordingSink{}

	w, err := sync.NewContactWalker(fetcher, zap.NewNop(), 0, func(time.Duration) {})
	require.NoError(t, err)

	window := codmon.Window{
		Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC),
	}
	sum, err := w.Walk(context.Background(), "9001", window, sync.Incremental, sink)
	require.NoError(t, err, "failed months are skipped, not fatal")
	assert.Equal(t, 0, sum.Fetched)
	assert.Len(t, fetcher.windows, 2, "the walk still visits every month")
}

func TestMonthWindows(t *testing.T) {
	start := time.Date(2024, 11, 15, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)

	windows := sync.MonthWindows(start, end)
	require.Len(t, windows, 4)

	assert.Equal(t, "2024-11-01", windows[0].Start.Format("2006-01-02"), "first window opens at the first of the month")
	assert.Equal(t, "2024-11-30", windows[0].End.Format("2006-01-02"))
	assert.Equal(t, "2024-12-31", windows[1].End.Format("2006-01-02"))
	assert.Equal(t, "2025-01-31", windows[2].End.Format("2006-01-02"))
	assert.Equal(t, "2025-02-10", windows[3].End.Format("2006-01-02"), "last window is clamped to the range end")
}

func TestMonthWindowsEmptyRange(t *testing.T) {
	start := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	assert.Nil(t, sync.MonthWindows(start, start.AddDate(0, 0, -1)))
}

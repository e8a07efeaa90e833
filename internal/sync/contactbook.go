package sync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"codmonbridge/internal/codmon"
)

// ContactFetcher retrieves the two contact-book lists for one member.
type ContactFetcher interface {
	Comments(ctx context.Context, memberID string, w codmon.Window) ([]codmon.Record, error)
	ContactResponses(ctx context.Context, memberID string, w codmon.Window) ([]codmon.Record, error)
}

// ContactWalker fetches contact-book records month by month. The contact-book
// endpoints are not paginated; chunking the window to calendar months keeps
// each response bounded.
type ContactWalker struct {
	fetcher ContactFetcher
	log     *zap.Logger
	delay   time.Duration
	sleep   func(time.Duration)
}

// NewContactWalker constructs a ContactWalker.
func NewContactWalker(fetcher ContactFetcher, log *zap.Logger, delay time.Duration, sleep func(time.Duration)) (*ContactWalker, error) {
	if fetcher == nil {
		return nil, errors.New("sync: contact walker requires a fetcher")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if sleep == nil {
		sleep = time.Sleep
	}
	return &ContactWalker{fetcher: fetcher, log: log, delay: delay, sleep: sleep}, nil
}

// Walk queries both contact-book endpoints for every month in the window.
// Already-done records are skipped individually (the lists are not ordered
// newest-first, so the timeline resume shortcut does not apply). A failed
// month fetch is logged and the walk moves on to the next month.
func (w *ContactWalker) Walk(ctx context.Context, memberID string, window codmon.Window, mode Mode, sink Sink) (Summary, error) {
	var sum Summary

	for _, month := range MonthWindows(window.Start, window.End) {
		if err := ctx.Err(); err != nil {
			return sum, errors.Wrap(err, "sync: contact walk cancelled")
		}
		w.log.Info("fetching contact book",
			zap.String("member_id", memberID),
			zap.String("from", month.Start.Format("2006-01-02")),
			zap.String("to", month.End.Format("2006-01-02")))

		comments, err := w.fetcher.Comments(ctx, memberID, month)
		if err != nil {
			w.log.Error("contact-book fetch failed, skipping month",
				zap.String("member_id", memberID), zap.Error(err))
		} else {
			w.process(ctx, comments, mode, sink, &sum)
		}

		responses, err := w.fetcher.ContactResponses(ctx, memberID, month)
		if err != nil {
			w.log.Error("contact-response fetch failed, skipping month",
				zap.String("member_id", memberID), zap.Error(err))
		} else {
			w.process(ctx, responses, mode, sink, &sum)
		}

		w.sleep(w.delay)
	}

	sum.Stop = StopEndOfData
	return sum, nil
}

func (w *ContactWalker) process(ctx context.Context, records []codmon.Record, mode Mode, sink Sink, sum *Summary) {
	sum.Fetched += len(records)
	for _, rec := range records {
		// Entries without a display date cannot be bucketed; skip them.
		if rec.DisplayDate == "" {
			sum.Skipped++
			continue
		}

		if mode != FullScan {
			done, err := sink.Done(rec)
			if err != nil {
				w.log.Warn("dedup check failed, treating record as new",
					zap.String("id", rec.ID), zap.Error(err))
			} else if done {
				sum.Skipped++
				continue
			}
		}

		if err := sink.Handle(ctx, rec); err != nil {
			w.log.Error("contact record handling failed, skipping",
				zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		sum.Emitted++
	}
}

// MonthWindows splits [start, end] into calendar-month windows. The first
// window starts at the first of start's month; the last is clamped to end.
func MonthWindows(start, end time.Time) []codmon.Window {
	if end.Before(start) {
		return nil
	}

	var windows []codmon.Window
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, start.Location())

	for !cur.After(end) {
		monthEnd := cur.AddDate(0, 1, -1)
		if monthEnd.After(end) {
			monthEnd = end
		}
		windows = append(windows, codmon.Window{Start: cur, End: monthEnd})
		cur = cur.AddDate(0, 1, 0)
	}
	return windows
}

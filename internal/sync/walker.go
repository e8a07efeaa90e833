// Package sync implements the incremental paginated synchronizer shared by
// the archive and relay flows: it walks vendor timeline pages newest-first,
// decides which records are new, and hands them to a sink.
package sync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"codmonbridge/internal/codmon"
)

// Fetcher retrieves one timeline page.
type Fetcher interface {
	Timeline(ctx context.Context, q codmon.TimelineQuery) ([]codmon.Record, error)
}

// Sink consumes new records. Done consults the sink's persistent dedup state;
// Handle processes one record. A Handle failure is logged and skipped: one
// bad record never aborts a facility walk.
type Sink interface {
	Done(rec codmon.Record) (bool, error)
	Handle(ctx context.Context, rec codmon.Record) error
}

// Mode selects the resume policy for a walk.
type Mode int

const (
	// Incremental stops the walk at the first already-done record. The
	// vendor returns newest-first, so everything after it was seen too.
	Incremental Mode = iota
	// SkipSeen skips already-done records individually but keeps walking.
	// The relay flow uses this: posted and unposted records can interleave
	// within its bounded history window.
	SkipSeen
	// FullScan ignores done markers and revisits every record up to the
	// page ceiling. Used for backfill and repair.
	FullScan
)

// StopReason records why a walk ended.
type StopReason string

const (
	StopEndOfData    StopReason = "end_of_data"
	StopResume       StopReason = "resume"
	StopPageCeiling  StopReason = "page_ceiling"
	StopLoopDetected StopReason = "loop_detected"
	StopFetchError   StopReason = "fetch_error"
)

// Summary describes one completed walk.
type Summary struct {
	Pages   int
	Fetched int
	Emitted int
	Skipped int
	Stop    StopReason
}

// Walker drives the page loop for one facility at a time.
type Walker struct {
	fetcher Fetcher
	log     *zap.Logger
	ceiling int
	delay   time.Duration
	sleep   func(time.Duration)
}

// Option configures a Walker.
type Option func(*Walker)

// WithPageCeiling bounds the number of pages fetched in one walk.
func WithPageCeiling(n int) Option {
	return func(w *Walker) {
		if n > 0 {
			w.ceiling = n
		}
	}
}

// WithPageDelay sets the fixed pause between page fetches.
func WithPageDelay(d time.Duration) Option {
	return func(w *Walker) {
		w.delay = d
	}
}

// WithSleeper overrides the sleep function (tests pass a no-op).
func WithSleeper(fn func(time.Duration)) Option {
	return func(w *Walker) {
		if fn != nil {
			w.sleep = fn
		}
	}
}

// NewWalker constructs a Walker.
func NewWalker(fetcher Fetcher, log *zap.Logger, opts ...Option) (*Walker, error) {
	if fetcher == nil {
		return nil, errors.New("sync: walker requires a fetcher")
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &Walker{
		fetcher: fetcher,
		log:     log,
		ceiling: 3000,
		delay:   time.Second,
		sleep:   time.Sleep,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Walk pages through one facility's timeline. Stop conditions, in the order
// they are checked: page ceiling, fetch failure (treated as end-of-data for
// the run; the next scheduled run retries the window), empty page, resume
// policy, and whole-page repetition (the vendor serving the same data instead
// of advancing pages).
//
// Records are examined in vendor order (newest-first) so the resume policy
// holds, but each page's surviving records are handed to the sink
// oldest-first, keeping sink output chronological within a page.
func (w *Walker) Walk(ctx context.Context, serviceID string, window codmon.Window, mode Mode, sink Sink) (Summary, error) {
	var sum Summary
	seenRun := make(map[string]struct{})

	for page := 1; ; page++ {
		if page > w.ceiling {
			w.log.Warn("page ceiling reached, stopping walk",
				zap.String("service_id", serviceID), zap.Int("ceiling", w.ceiling))
			sum.Stop = StopPageCeiling
			return sum, nil
		}
		if err := ctx.Err(); err != nil {
			return sum, errors.Wrap(err, "sync: walk cancelled")
		}

		records, err := w.fetcher.Timeline(ctx, codmon.TimelineQuery{
			ServiceID: serviceID,
			Page:      page,
			Window:    window,
		})
		if err != nil {
			w.log.Error("page fetch failed, treating as end of data",
				zap.String("service_id", serviceID), zap.Int("page", page), zap.Error(err))
			sum.Stop = StopFetchError
			return sum, nil
		}
		if len(records) == 0 {
			sum.Stop = StopEndOfData
			return sum, nil
		}

		sum.Pages++
		sum.Fetched += len(records)
		w.log.Info("page fetched",
			zap.String("service_id", serviceID),
			zap.Int("page", page),
			zap.Int("records", len(records)),
			zap.String("around", records[0].BestDate()))

		newInRun := 0
		fresh := make([]codmon.Record, 0, len(records))
		stopAfterPage := false

		for _, rec := range records {
			if _, ok := seenRun[rec.ID]; !ok {
				seenRun[rec.ID] = struct{}{}
				newInRun++
			}

			done, derr := sink.Done(rec)
			if derr != nil {
				w.log.Warn("dedup check failed, treating record as new",
					zap.String("id", rec.ID), zap.Error(derr))
				done = false
			}

			if done {
				switch mode {
				case Incremental:
					w.log.Info("reached already-synced record, stopping facility walk",
						zap.String("id", rec.ID), zap.String("date", rec.BestDate()))
					sum.Skipped++
					stopAfterPage = true
				case SkipSeen:
					sum.Skipped++
					continue
				case FullScan:
					w.log.Debug("revisiting synced record", zap.String("id", rec.ID))
					fresh = append(fresh, rec)
				}
				if stopAfterPage {
					break
				}
				continue
			}
			fresh = append(fresh, rec)
		}

		// A page with no ids new to this run means the vendor stopped
		// advancing; its records were already emitted on first sighting.
		if newInRun == 0 && !stopAfterPage {
			w.log.Warn("entire page already observed this run, vendor may be looping",
				zap.String("service_id", serviceID), zap.Int("page", page))
			sum.Stop = StopLoopDetected
			return sum, nil
		}

		w.emit(ctx, sink, fresh, &sum)

		if stopAfterPage {
			sum.Stop = StopResume
			return sum, nil
		}

		w.sleep(w.delay)
	}
}

// emit hands records to the sink in reverse (oldest-first) order.
func (w *Walker) emit(ctx context.Context, sink Sink, fresh []codmon.Record, sum *Summary) {
	for i := len(fresh) - 1; i >= 0; i-- {
		rec := fresh[i]
		if err := sink.Handle(ctx, rec); err != nil {
			w.log.Error("record handling failed, skipping",
				zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		sum.Emitted++
	}
}

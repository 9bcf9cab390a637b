package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsSource provides functions to retrieve current counts for gauge
// metrics. Nil functions are skipped.
type StatsSource struct {
	UserCount      func() int64
	BookshelfCount func() int64
	BookCount      func() int64
	CommentCount   func() int64
	ActivityCount  func() int64

	FirehoseConnected func() bool
	BreakerState      func() int
}

// StartCollector launches a goroutine that periodically updates gauge metrics.
// It runs every interval until the context is cancelled.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	// Do an initial collection immediately
	collect(src)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collect(src)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("Metrics collector started")
}

func collect(src StatsSource) {
	var total int64

	if src.UserCount != nil {
		KnownUsersTotal.Set(float64(src.UserCount()))
	}
	if src.BookshelfCount != nil {
		n := src.BookshelfCount()
		total += n
		IndexedRecordsByCollection.WithLabelValues("bookshelf").Set(float64(n))
	}
	if src.BookCount != nil {
		n := src.BookCount()
		total += n
		IndexedRecordsByCollection.WithLabelValues("book").Set(float64(n))
	}
	if src.CommentCount != nil {
		n := src.CommentCount()
		total += n
		IndexedRecordsByCollection.WithLabelValues("comment").Set(float64(n))
	}
	IndexedRecordsTotal.Set(float64(total))

	if src.ActivityCount != nil {
		ActivityEntriesTotal.Set(float64(src.ActivityCount()))
	}
	if src.FirehoseConnected != nil {
		if src.FirehoseConnected() {
			FirehoseConnectionState.Set(1)
		} else {
			FirehoseConnectionState.Set(0)
		}
	}
	if src.BreakerState != nil {
		BreakerState.Set(float64(src.BreakerState()))
	}
}

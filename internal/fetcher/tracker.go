package fetcher

import (
	"context"
	"time"

	"fundingflow/internal/model"
	"fundingflow/internal/storage"
	"fundingflow/logger"
)

// Narrow checks persisted coverage for a task and either narrows its
// resume point to just past the newest stored hour or reports the task
// as already complete. A pair is complete when every UTC date of its
// window has at least one stored row.
func Narrow(ctx context.Context, store *storage.Store, task model.FetchTask) (model.FetchTask, bool, error) {
	start := task.FetchStart()
	end := task.WindowEnd

	got, err := store.DistinctDays(ctx, task.Symbol, task.Exchange, start, end)
	if err != nil {
		return task, false, err
	}
	// The date count only proves full coverage when the window ends on
	// a day boundary: a trailing partial day gets counted as soon as a
	// single hour of it is stored, so it falls through to the resume
	// check instead.
	if got >= expectedDays(start, end) && dayAligned(end) {
		logger.GetLogger().WithComponent("tracker").WithFields(logger.Fields{
			"symbol":   task.Symbol,
			"exchange": task.Exchange,
			"days":     got,
		}).Info("window already covered, skipping")
		return task, true, nil
	}

	latest, ok, err := store.LatestTimestamp(ctx, task.Symbol, task.Exchange, start, end)
	if err != nil {
		return task, false, err
	}
	if ok {
		resume := latest.Add(time.Hour)
		if !resume.Before(end) {
			return task, true, nil
		}
		task.ResumePoint = resume
		logger.GetLogger().WithComponent("tracker").WithFields(logger.Fields{
			"symbol":   task.Symbol,
			"exchange": task.Exchange,
			"resume":   resume,
		}).Info("resuming from last stored hour")
	}
	return task, false, nil
}

func dayAligned(t time.Time) bool {
	u := t.UTC()
	return u.Equal(u.Truncate(24 * time.Hour))
}

// expectedDays counts the distinct UTC dates touched by [start, end).
func expectedDays(start, end time.Time) int {
	if !end.After(start) {
		return 0
	}
	first := start.UTC().Truncate(24 * time.Hour)
	last := end.UTC().Add(-time.Nanosecond).Truncate(24 * time.Hour)
	return int(last.Sub(first)/(24*time.Hour)) + 1
}

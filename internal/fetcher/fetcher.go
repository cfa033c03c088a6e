package fetcher

import (
	"context"
	"sync"
	"time"

	appconfig "fundingflow/config"
	"fundingflow/internal/exchange"
	"fundingflow/internal/grid"
	"fundingflow/internal/model"
	"fundingflow/internal/storage"
	"fundingflow/logger"
)

// Adapters is the subset of the exchange registry the fetcher needs.
type Adapters interface {
	Adapter(ex model.Exchange) (exchange.Adapter, bool)
}

// Archiver receives the gridded rows of a completed task for cold
// storage. A nil Archiver disables archiving.
type Archiver interface {
	Archive(ctx context.Context, task model.FetchTask, rows []model.FundingRateEvent) error
}

// Fetcher runs fetch tasks under a bounded worker pool. Each task
// narrows against stored coverage, pulls its window in fixed-size
// chunks, reconciles every chunk onto the hourly grid and upserts it
// before moving to the next chunk, so an interrupted task leaves a
// resumable prefix behind.
type Fetcher struct {
	store    *storage.Store
	adapters Adapters
	cfg      *appconfig.Config
	archiver Archiver
	log      *logger.Log
}

func New(store *storage.Store, adapters Adapters, cfg *appconfig.Config, archiver Archiver) *Fetcher {
	return &Fetcher{
		store:    store,
		adapters: adapters,
		cfg:      cfg,
		archiver: archiver,
		log:      logger.GetLogger(),
	}
}

// Run executes all tasks and returns one outcome per task, in no
// particular order.
func (f *Fetcher) Run(ctx context.Context, tasks []model.FetchTask) []model.TaskOutcome {
	concurrency := f.cfg.Fetcher.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	sem := make(chan struct{}, concurrency)
	outcomes := make([]model.TaskOutcome, len(tasks))
	var wg sync.WaitGroup

	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task model.FetchTask) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				outcomes[i] = model.TaskOutcome{Task: task, Status: model.TaskFailed, Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			outcomes[i] = f.runTask(ctx, task)
		}(i, task)
	}
	wg.Wait()

	return outcomes
}

func (f *Fetcher) runTask(ctx context.Context, task model.FetchTask) model.TaskOutcome {
	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"symbol":   task.Symbol,
		"exchange": task.Exchange,
	})

	task, skip, err := Narrow(ctx, f.store, task)
	if err != nil {
		return model.TaskOutcome{Task: task, Status: model.TaskFailed, Err: err}
	}
	if skip {
		return model.TaskOutcome{Task: task, Status: model.TaskSkipped}
	}

	adapter, ok := f.adapters.Adapter(task.Exchange)
	if !ok {
		return model.TaskOutcome{Task: task, Status: model.TaskFailed, Err: &exchange.ProtocolError{
			Op: "fetcher", Msg: "no adapter for exchange " + string(task.Exchange),
		}}
	}

	chunk := time.Duration(f.cfg.Fetcher.ChunkDays) * 24 * time.Hour
	if chunk <= 0 {
		chunk = 5 * 24 * time.Hour
	}

	start := time.Now()
	outcome := model.TaskOutcome{Task: task, Status: model.TaskCompleted}
	var archived []model.FundingRateEvent

	for cursor := task.FetchStart(); cursor.Before(task.WindowEnd); cursor = cursor.Add(chunk) {
		chunkEnd := cursor.Add(chunk)
		if chunkEnd.After(task.WindowEnd) {
			chunkEnd = task.WindowEnd
		}

		events, ferr := adapter.FetchWindow(ctx, task.NativePair, cursor, chunkEnd)
		outcome.Events += len(events)

		gridEnd := chunkEnd
		if ferr != nil {
			// Only hours up to the last fetched event were actually
			// checked; gridding past them would record false gaps.
			gridEnd = cursor
			if n := len(events); n > 0 {
				gridEnd = events[n-1].Time().Truncate(time.Hour).Add(time.Hour)
			}
		}

		if gridEnd.After(cursor) {
			rows := grid.Reconcile(events, task.Symbol, task.Exchange, cursor, gridEnd)
			written, werr := f.store.UpsertFundingRates(ctx, rows)
			outcome.RowsWritten += written
			if werr != nil {
				outcome.Status = model.TaskFailed
				outcome.Err = werr
				return outcome
			}
			archived = append(archived, rows...)
		}

		if ferr != nil {
			log.WithError(ferr).WithFields(logger.Fields{
				"chunk_start": cursor,
				"salvaged":    outcome.RowsWritten,
			}).Error("chunk fetch failed")
			outcome.Status = model.TaskFailed
			outcome.Err = ferr
			return outcome
		}
	}

	if f.archiver != nil && len(archived) > 0 {
		if aerr := f.archiver.Archive(ctx, task, archived); aerr != nil {
			// Archive loss is not data loss; the rows are already in
			// the primary store.
			log.WithError(aerr).Warn("failed to archive task rows")
		}
	}

	logger.LogPerformanceEntry(log, "fetcher", "task", time.Since(start), logger.Fields{
		"rows":   outcome.RowsWritten,
		"events": outcome.Events,
	})
	return outcome
}

package resolver

import (
	"context"
	"errors"
	"time"

	appconfig "fundingflow/config"
	"fundingflow/internal/discovery"
	"fundingflow/internal/exchange"
	"fundingflow/internal/model"
	"fundingflow/internal/storage"
	"fundingflow/logger"
)

// Adapters is the subset of the exchange registry the resolver needs.
type Adapters interface {
	Adapter(ex model.Exchange) (exchange.Adapter, bool)
}

// Resolver expands a requested (symbols x exchanges) matrix into fetch
// tasks, dropping pairs that are unsupported or outside their listing
// window. Unknown listing dates are discovered on demand and persisted
// so later runs skip the probes.
type Resolver struct {
	store    *storage.Store
	adapters Adapters
	cfg      *appconfig.Config
	now      func() time.Time
	log      *logger.Log
}

func New(store *storage.Store, adapters Adapters, cfg *appconfig.Config) *Resolver {
	return &Resolver{
		store:    store,
		adapters: adapters,
		cfg:      cfg,
		now:      time.Now,
		log:      logger.GetLogger(),
	}
}

// Resolve builds the task list for one run over the half-open window
// [start, end).
func (r *Resolver) Resolve(ctx context.Context, symbols []string, exchanges []model.Exchange, start, end time.Time) ([]model.FetchTask, []model.SkippedTask, error) {
	start = start.UTC()
	end = end.UTC()

	var tasks []model.FetchTask
	var skipped []model.SkippedTask

	for _, symbol := range symbols {
		for _, ex := range exchanges {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}

			adapter, ok := r.adapters.Adapter(ex)
			if !ok {
				skipped = append(skipped, model.SkippedTask{Symbol: symbol, Exchange: ex, Reason: "no adapter configured"})
				continue
			}

			task, skip, err := r.resolveOne(ctx, adapter, symbol, ex, start, end)
			if err != nil {
				return nil, nil, err
			}
			if skip != nil {
				r.log.WithComponent("resolver").WithFields(logger.Fields{
					"symbol":   skip.Symbol,
					"exchange": skip.Exchange,
					"reason":   skip.Reason,
				}).Info("pair skipped")
				skipped = append(skipped, *skip)
				continue
			}
			tasks = append(tasks, *task)
		}
	}

	r.log.WithComponent("resolver").WithFields(logger.Fields{
		"tasks":   len(tasks),
		"skipped": len(skipped),
	}).Info("task list resolved")
	return tasks, skipped, nil
}

func (r *Resolver) resolveOne(ctx context.Context, adapter exchange.Adapter, symbol string, ex model.Exchange, start, end time.Time) (*model.FetchTask, *model.SkippedTask, error) {
	rec, found, err := r.store.Support(ctx, symbol, ex)
	if err != nil {
		return nil, nil, err
	}
	if found && !rec.Supported {
		return nil, &model.SkippedTask{Symbol: symbol, Exchange: ex, Reason: "pair not supported on exchange"}, nil
	}
	// Tasks require confirmed support. Without a record the only way to
	// confirm it is discovery.
	if !found && !r.cfg.Discovery.Enabled {
		return nil, &model.SkippedTask{Symbol: symbol, Exchange: ex, Reason: "exchange support unknown"}, nil
	}

	listing := rec.ListingDate
	if listing == nil && r.cfg.Discovery.Enabled {
		listing, err = r.discoverListing(ctx, adapter, symbol, ex)
		if err != nil {
			switch {
			case errors.Is(err, discovery.ErrNoHistory):
				if uerr := r.store.UpsertSupport(ctx, model.SupportRecord{Symbol: symbol, Exchange: ex, Supported: false}); uerr != nil {
					return nil, nil, uerr
				}
				return nil, &model.SkippedTask{Symbol: symbol, Exchange: ex, Reason: "no funding history on exchange"}, nil
			case errors.Is(err, discovery.ErrDiscoveryExhausted):
				return nil, &model.SkippedTask{Symbol: symbol, Exchange: ex, Reason: "listing date discovery exhausted"}, nil
			case ctx.Err() != nil:
				return nil, nil, err
			default:
				return nil, &model.SkippedTask{Symbol: symbol, Exchange: ex, Reason: "listing date discovery failed"}, nil
			}
		}
	}

	windowStart := start
	if listing != nil && listing.After(windowStart) {
		windowStart = *listing
	}
	if !windowStart.Before(end) {
		return nil, &model.SkippedTask{Symbol: symbol, Exchange: ex, Reason: "window empty after listing bound"}, nil
	}

	return &model.FetchTask{
		Symbol:      symbol,
		NativePair:  adapter.NativePair(symbol),
		Exchange:    ex,
		WindowStart: windowStart,
		WindowEnd:   end,
		ResumePoint: windowStart,
		ListingDate: listing,
	}, nil, nil
}

func (r *Resolver) discoverListing(ctx context.Context, adapter exchange.Adapter, symbol string, ex model.Exchange) (*time.Time, error) {
	floor, err := r.cfg.Discovery.FloorTime()
	if err != nil {
		return nil, err
	}

	pair := adapter.NativePair(symbol)
	probe := func(ctx context.Context, start, end time.Time) (bool, error) {
		events, err := adapter.FetchWindow(ctx, pair, start, end)
		if err != nil {
			return false, err
		}
		return len(events) > 0, nil
	}

	finder := discovery.NewFinder(probe, r.cfg.Discovery.ProbeWindow, r.cfg.Discovery.MaxProbes)
	listing, err := finder.Find(ctx, floor, r.now().UTC())
	if err != nil {
		return nil, err
	}

	if err := r.store.UpsertSupport(ctx, model.SupportRecord{
		Symbol:      symbol,
		Exchange:    ex,
		Supported:   true,
		ListingDate: &listing,
	}); err != nil {
		return nil, err
	}
	return &listing, nil
}

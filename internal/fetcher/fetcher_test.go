package fetcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appconfig "fundingflow/config"
	"fundingflow/internal/exchange"
	"fundingflow/internal/model"
	"fundingflow/internal/storage"
)

type fakeAdapter struct {
	name     model.Exchange
	interval time.Duration

	mu          sync.Mutex
	calls       int
	inFlight    int32
	maxInFlight int32

	failOn func(start time.Time) error
}

func (a *fakeAdapter) Name() model.Exchange            { return a.name }
func (a *fakeAdapter) NativePair(symbol string) string { return symbol + "USDT" }

func (a *fakeAdapter) FetchWindow(ctx context.Context, pair string, start, end time.Time) ([]model.RawEvent, error) {
	cur := atomic.AddInt32(&a.inFlight, 1)
	for {
		max := atomic.LoadInt32(&a.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&a.maxInFlight, max, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	defer atomic.AddInt32(&a.inFlight, -1)

	a.mu.Lock()
	a.calls++
	failOn := a.failOn
	a.mu.Unlock()

	if failOn != nil {
		if err := failOn(start); err != nil {
			return nil, err
		}
	}

	interval := a.interval
	if interval <= 0 {
		interval = 8 * time.Hour
	}
	var events []model.RawEvent
	for ts := start.Truncate(interval); ts.Before(end); ts = ts.Add(interval) {
		if ts.Before(start) {
			continue
		}
		events = append(events, model.RawEvent{TimestampMs: ts.UnixMilli(), Rate: 0.0001})
	}
	return events, nil
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeRegistry map[model.Exchange]*fakeAdapter

func (r fakeRegistry) Adapter(ex model.Exchange) (exchange.Adapter, bool) {
	a, ok := r[ex]
	return a, ok
}

func testFetcher(t *testing.T, reg fakeRegistry, concurrency int) (*Fetcher, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "funding.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &appconfig.Config{
		Fetcher: appconfig.FetcherConfig{
			Concurrency: concurrency,
			ChunkDays:   5,
		},
	}
	return New(store, reg, cfg, nil), store
}

func task(symbol string, ex model.Exchange, start, end time.Time) model.FetchTask {
	return model.FetchTask{
		Symbol:      symbol,
		NativePair:  symbol + "USDT",
		Exchange:    ex,
		WindowStart: start,
		WindowEnd:   end,
		ResumePoint: start,
	}
}

func TestRunRespectsConcurrencyCap(t *testing.T) {
	adapter := &fakeAdapter{name: model.Binance}
	f, _ := testFetcher(t, fakeRegistry{model.Binance: adapter}, 2)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	symbols := []string{"AAA", "BBB", "CCC", "DDD", "EEE", "FFF"}
	tasks := make([]model.FetchTask, len(symbols))
	for i, sym := range symbols {
		tasks[i] = task(sym, model.Binance, start, end)
	}

	outcomes := f.Run(context.Background(), tasks)
	if len(outcomes) != len(tasks) {
		t.Fatalf("got %d outcomes for %d tasks", len(outcomes), len(tasks))
	}
	for _, o := range outcomes {
		if o.Status != model.TaskCompleted {
			t.Fatalf("task %s ended %s: %v", o.Task.Symbol, o.Status, o.Err)
		}
	}
	if max := atomic.LoadInt32(&adapter.maxInFlight); max > 2 {
		t.Fatalf("observed %d concurrent fetches, cap is 2", max)
	}
}

func TestRunWritesHourlyGrid(t *testing.T) {
	adapter := &fakeAdapter{name: model.Bybit}
	f, store := testFetcher(t, fakeRegistry{model.Bybit: adapter}, 1)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	outcomes := f.Run(ctx, []model.FetchTask{task("BTC", model.Bybit, start, end)})
	if outcomes[0].Status != model.TaskCompleted {
		t.Fatalf("task failed: %v", outcomes[0].Err)
	}
	if outcomes[0].RowsWritten != 24 {
		t.Fatalf("wrote %d rows, want 24", outcomes[0].RowsWritten)
	}

	rows, err := store.FundingRates(ctx, "BTC", model.Bybit, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 24 {
		t.Fatalf("stored %d rows, want 24", len(rows))
	}
	filled := 0
	for _, r := range rows {
		if r.Rate != nil {
			filled++
		}
	}
	if filled != 3 {
		t.Fatalf("filled hours = %d, want 3 settlements in a day", filled)
	}
}

func TestRunSkipsCoveredWindowWithoutFetching(t *testing.T) {
	adapter := &fakeAdapter{name: model.Binance}
	f, _ := testFetcher(t, fakeRegistry{model.Binance: adapter}, 1)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	tk := task("BTC", model.Binance, start, end)

	if out := f.Run(ctx, []model.FetchTask{tk}); out[0].Status != model.TaskCompleted {
		t.Fatalf("first run failed: %v", out[0].Err)
	}
	callsAfterFirst := adapter.callCount()

	out := f.Run(ctx, []model.FetchTask{tk})
	if out[0].Status != model.TaskSkipped {
		t.Fatalf("second run status = %s, want skipped", out[0].Status)
	}
	if adapter.callCount() != callsAfterFirst {
		t.Fatalf("covered window still hit the exchange: %d -> %d calls", callsAfterFirst, adapter.callCount())
	}
}

func TestRunResumesFromLastStoredHour(t *testing.T) {
	adapter := &fakeAdapter{name: model.Okx}
	f, store := testFetcher(t, fakeRegistry{model.Okx: adapter}, 1)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)

	// Pre-seed the first 20 hours so only day one counts as touched.
	seeded := make([]model.FundingRateEvent, 20)
	for i := range seeded {
		seeded[i] = model.FundingRateEvent{
			TimestampUTC: start.Add(time.Duration(i) * time.Hour),
			Symbol:       "ETH",
			Exchange:     model.Okx,
		}
	}
	if _, err := store.UpsertFundingRates(ctx, seeded); err != nil {
		t.Fatal(err)
	}

	out := f.Run(ctx, []model.FetchTask{task("ETH", model.Okx, start, end)})
	if out[0].Status != model.TaskCompleted {
		t.Fatalf("run failed: %v", out[0].Err)
	}
	if out[0].RowsWritten != 28 {
		t.Fatalf("wrote %d rows, want the 28 missing hours", out[0].RowsWritten)
	}

	rows, err := store.FundingRates(ctx, "ETH", model.Okx, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 48 {
		t.Fatalf("stored %d rows, want 48", len(rows))
	}
}

func TestRunIdempotentAcrossReruns(t *testing.T) {
	adapter := &fakeAdapter{name: model.Binance}
	f, store := testFetcher(t, fakeRegistry{model.Binance: adapter}, 1)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	tk := task("BTC", model.Binance, start, end)

	f.Run(ctx, []model.FetchTask{tk})
	f.Run(ctx, []model.FetchTask{tk})
	f.Run(ctx, []model.FetchTask{tk})

	rows, err := store.FundingRates(ctx, "BTC", model.Binance, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 24 {
		t.Fatalf("reruns changed row count: %d, want 24", len(rows))
	}
}

func TestRunSalvagesPartialChunk(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(10 * 24 * time.Hour)
	failFrom := start.Add(5 * 24 * time.Hour)

	adapter := &fakeAdapter{
		name: model.Binance,
		failOn: func(chunkStart time.Time) error {
			if !chunkStart.Before(failFrom) {
				return &exchange.TransientError{Op: "fake", Err: errors.New("boom")}
			}
			return nil
		},
	}
	f, store := testFetcher(t, fakeRegistry{model.Binance: adapter}, 1)
	ctx := context.Background()

	out := f.Run(ctx, []model.FetchTask{task("BTC", model.Binance, start, end)})
	if out[0].Status != model.TaskFailed {
		t.Fatalf("status = %s, want failed", out[0].Status)
	}
	if !exchange.IsTransient(out[0].Err) {
		t.Fatalf("unexpected error: %v", out[0].Err)
	}
	if out[0].RowsWritten != 5*24 {
		t.Fatalf("salvaged %d rows, want the first chunk's %d", out[0].RowsWritten, 5*24)
	}

	// The salvaged prefix must let the next run resume past it.
	rows, err := store.FundingRates(ctx, "BTC", model.Binance, start, failFrom)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 5*24 {
		t.Fatalf("stored prefix = %d rows, want %d", len(rows), 5*24)
	}
}

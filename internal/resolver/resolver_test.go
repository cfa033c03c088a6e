package resolver

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	appconfig "fundingflow/config"
	"fundingflow/internal/exchange"
	"fundingflow/internal/model"
	"fundingflow/internal/storage"
)

type fakeAdapter struct {
	name    model.Exchange
	listing time.Time // zero means the pair has no funding history
	calls   int
}

func (a *fakeAdapter) Name() model.Exchange { return a.name }

func (a *fakeAdapter) NativePair(symbol string) string { return symbol + "USDT" }

func (a *fakeAdapter) FetchWindow(ctx context.Context, pair string, start, end time.Time) ([]model.RawEvent, error) {
	a.calls++
	if a.listing.IsZero() {
		return nil, nil
	}
	var events []model.RawEvent
	for ts := a.listing; ts.Before(end); ts = ts.Add(8 * time.Hour) {
		if ts.Before(start) {
			continue
		}
		events = append(events, model.RawEvent{TimestampMs: ts.UnixMilli(), Rate: 0.0001})
	}
	return events, nil
}

type fakeRegistry map[model.Exchange]*fakeAdapter

func (r fakeRegistry) Adapter(ex model.Exchange) (exchange.Adapter, bool) {
	a, ok := r[ex]
	return a, ok
}

func newTestResolver(t *testing.T, reg fakeRegistry) (*Resolver, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "funding.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &appconfig.Config{
		Discovery: appconfig.DiscoveryConfig{
			Enabled:     true,
			Floor:       "2020-01-01",
			ProbeWindow: 24 * time.Hour,
			MaxProbes:   48,
		},
	}

	r := New(store, reg, cfg)
	r.now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	return r, store
}

func TestResolveSkipsKnownUnsupportedPair(t *testing.T) {
	reg := fakeRegistry{model.Binance: &fakeAdapter{name: model.Binance}}
	r, store := newTestResolver(t, reg)
	ctx := context.Background()

	if err := store.UpsertSupport(ctx, model.SupportRecord{Symbol: "NOPE", Exchange: model.Binance}); err != nil {
		t.Fatal(err)
	}

	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	tasks, skipped, err := r.Resolve(ctx, []string{"NOPE"}, []model.Exchange{model.Binance}, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(tasks))
	}
	if len(skipped) != 1 || skipped[0].Reason != "pair not supported on exchange" {
		t.Fatalf("unexpected skips: %+v", skipped)
	}
	if reg[model.Binance].calls != 0 {
		t.Fatalf("unsupported pair must not be probed, saw %d calls", reg[model.Binance].calls)
	}
}

func TestResolveBoundsWindowByStoredListing(t *testing.T) {
	reg := fakeRegistry{model.Bybit: &fakeAdapter{name: model.Bybit}}
	r, store := newTestResolver(t, reg)
	ctx := context.Background()

	listing := time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC)
	if err := store.UpsertSupport(ctx, model.SupportRecord{
		Symbol: "BTC", Exchange: model.Bybit, Supported: true, ListingDate: &listing,
	}); err != nil {
		t.Fatal(err)
	}

	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	tasks, _, err := r.Resolve(ctx, []string{"BTC"}, []model.Exchange{model.Bybit}, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	task := tasks[0]
	if !task.WindowStart.Equal(listing) {
		t.Fatalf("WindowStart = %v, want listing %v", task.WindowStart, listing)
	}
	if !task.WindowEnd.Equal(end) {
		t.Fatalf("WindowEnd = %v, want %v", task.WindowEnd, end)
	}
	if task.NativePair != "BTCUSDT" {
		t.Fatalf("NativePair = %q", task.NativePair)
	}
	if reg[model.Bybit].calls != 0 {
		t.Fatal("stored listing date must not trigger discovery")
	}
}

func TestResolveDiscoversAndPersistsListing(t *testing.T) {
	listing := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	reg := fakeRegistry{model.Okx: &fakeAdapter{name: model.Okx, listing: listing}}
	r, store := newTestResolver(t, reg)
	ctx := context.Background()

	start := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tasks, skipped, err := r.Resolve(ctx, []string{"SOL"}, []model.Exchange{model.Okx}, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(skipped) != 0 {
		t.Fatalf("unexpected skips: %+v", skipped)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].ListingDate == nil {
		t.Fatal("task missing discovered listing date")
	}
	if tasks[0].ListingDate.After(listing) {
		t.Fatalf("discovered listing %v excludes real history at %v", tasks[0].ListingDate, listing)
	}
	if !tasks[0].WindowStart.Equal(*tasks[0].ListingDate) {
		t.Fatalf("WindowStart %v should sit at the discovered listing %v", tasks[0].WindowStart, tasks[0].ListingDate)
	}

	rec, found, err := store.Support(ctx, "SOL", model.Okx)
	if err != nil || !found {
		t.Fatalf("support record not persisted: found=%v err=%v", found, err)
	}
	if !rec.Supported || rec.ListingDate == nil {
		t.Fatalf("persisted record incomplete: %+v", rec)
	}

	// A second resolve must reuse the record without probing.
	probesBefore := reg[model.Okx].calls
	if _, _, err := r.Resolve(ctx, []string{"SOL"}, []model.Exchange{model.Okx}, start, end); err != nil {
		t.Fatal(err)
	}
	if reg[model.Okx].calls != probesBefore {
		t.Fatalf("second resolve probed the exchange: %d -> %d calls", probesBefore, reg[model.Okx].calls)
	}
}

func TestResolveMarksPairWithoutHistoryUnsupported(t *testing.T) {
	reg := fakeRegistry{model.Binance: &fakeAdapter{name: model.Binance}}
	r, store := newTestResolver(t, reg)
	ctx := context.Background()

	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	tasks, skipped, err := r.Resolve(ctx, []string{"GHOST"}, []model.Exchange{model.Binance}, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(tasks))
	}
	if len(skipped) != 1 || skipped[0].Reason != "no funding history on exchange" {
		t.Fatalf("unexpected skips: %+v", skipped)
	}

	rec, found, err := store.Support(ctx, "GHOST", model.Binance)
	if err != nil || !found {
		t.Fatalf("expected persisted unsupported record: found=%v err=%v", found, err)
	}
	if rec.Supported {
		t.Fatal("record should mark the pair unsupported")
	}
}

func TestResolveSkipsUnknownPairWhenDiscoveryDisabled(t *testing.T) {
	reg := fakeRegistry{model.Binance: &fakeAdapter{name: model.Binance}}
	r, _ := newTestResolver(t, reg)
	r.cfg.Discovery.Enabled = false
	ctx := context.Background()

	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	tasks, skipped, err := r.Resolve(ctx, []string{"MYSTERY"}, []model.Exchange{model.Binance}, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("pair without a support record became a task: %+v", tasks)
	}
	if len(skipped) != 1 || skipped[0].Reason != "exchange support unknown" {
		t.Fatalf("unexpected skips: %+v", skipped)
	}
	if reg[model.Binance].calls != 0 {
		t.Fatalf("skip must not touch the exchange, saw %d calls", reg[model.Binance].calls)
	}
}

func TestResolveSkipsWindowBeforeListing(t *testing.T) {
	reg := fakeRegistry{model.Bybit: &fakeAdapter{name: model.Bybit}}
	r, store := newTestResolver(t, reg)
	ctx := context.Background()

	listing := time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)
	if err := store.UpsertSupport(ctx, model.SupportRecord{
		Symbol: "NEW", Exchange: model.Bybit, Supported: true, ListingDate: &listing,
	}); err != nil {
		t.Fatal(err)
	}

	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	tasks, skipped, err := r.Resolve(ctx, []string{"NEW"}, []model.Exchange{model.Bybit}, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(tasks))
	}
	if len(skipped) != 1 || skipped[0].Reason != "window empty after listing bound" {
		t.Fatalf("unexpected skips: %+v", skipped)
	}
}

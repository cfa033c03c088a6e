package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"fundingflow/config"
	"fundingflow/internal/archive"
	"fundingflow/internal/exchange"
	"fundingflow/internal/fetcher"
	"fundingflow/internal/model"
	"fundingflow/internal/resolver"
	"fundingflow/internal/storage"
	"fundingflow/logger"
)

const dateLayout = "2006-01-02"

// upToDate lets -start and -end defer to what the store already holds:
// the run fills everything from the discovery floor (or listing date)
// up to the current hour, narrowed by the incremental tracker.
const upToDate = "up_to_date"

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	exchangesFlag := flag.String("exchanges", "", "Comma-separated exchanges (default: all supported)")
	symbolsFlag := flag.String("symbols", "", "Comma-separated symbols to seed and fetch (default: stored pairs)")
	topN := flag.Int("top-n", 0, "Limit the run to the first N stored pairs (0 = all)")
	startFlag := flag.String("start", upToDate, "Window start date (YYYY-MM-DD) or up_to_date")
	endFlag := flag.String("end", upToDate, "Window end date (YYYY-MM-DD, inclusive) or up_to_date")
	discoverFlag := flag.Bool("discover", false, "Force listing-date discovery on even if disabled in config")

	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath, "config/config.yml"))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *discoverFlag {
		cfg.Discovery.Enabled = true
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	if cfg.Metrics.CloudWatchEnabled {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Metrics.Namespace)
	}

	runID := uuid.NewString()
	log.WithFields(logger.Fields{
		"service": cfg.Fundingflow.Name,
		"version": cfg.Fundingflow.Version,
		"run_id":  runID,
	}).Info("starting fundingflow")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.StartReport(ctx, log, 30*time.Second)

	if err := run(ctx, cfg, log, runID, runOptions{
		exchanges: *exchangesFlag,
		symbols:   *symbolsFlag,
		topN:      *topN,
		start:     *startFlag,
		end:       *endFlag,
	}); err != nil {
		log.WithError(err).Error("run failed")
		os.Exit(1)
	}
}

type runOptions struct {
	exchanges string
	symbols   string
	topN      int
	start     string
	end       string
}

func run(ctx context.Context, cfg *config.Config, log *logger.Log, runID string, opts runOptions) error {
	exchanges, err := parseExchanges(opts.exchanges)
	if err != nil {
		return err
	}

	start, end, err := resolveWindow(cfg, opts.start, opts.end, time.Now().UTC())
	if err != nil {
		return err
	}

	store, err := storage.NewStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	symbols, err := resolveSymbols(ctx, store, opts.symbols, opts.topN)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols to fetch: seed pairs with -symbols")
	}

	registry := exchange.NewRegistry(cfg)

	var archiver fetcher.Archiver
	if cfg.Archive.Enabled {
		w, err := archive.NewWriter(cfg)
		if err != nil {
			return fmt.Errorf("create archive writer: %w", err)
		}
		archiver = w
	}

	log.WithComponent("main").WithFields(logger.Fields{
		"symbols":   len(symbols),
		"exchanges": exchanges,
		"start":     start,
		"end":       end,
	}).Info("run window resolved")

	started := time.Now().UTC()
	tasks, skipped, err := resolver.New(store, registry, cfg).Resolve(ctx, symbols, exchanges, start, end)
	if err != nil {
		return fmt.Errorf("resolve tasks: %w", err)
	}

	outcomes := fetcher.New(store, registry, cfg, archiver).Run(ctx, tasks)

	summary := model.RunSummary{
		RunID:    runID,
		Started:  started,
		Finished: time.Now().UTC(),
		Outcomes: outcomes,
		Skipped:  skipped,
	}
	for _, o := range outcomes {
		summary.RowsWritten += o.RowsWritten
	}

	entry := log.WithComponent("main").WithFields(logger.Fields{
		"run_id":    summary.RunID,
		"duration":  summary.Finished.Sub(summary.Started).String(),
		"completed": summary.Completed(),
		"failed":    summary.Failed(),
		"skipped":   summary.SkippedCount(),
		"rows":      summary.RowsWritten,
	})

	if failed := summary.Failed(); failed > 0 {
		for _, o := range outcomes {
			if o.Status == model.TaskFailed {
				log.WithComponent("main").WithFields(logger.Fields{
					"symbol":   o.Task.Symbol,
					"exchange": o.Task.Exchange,
					"salvaged": o.RowsWritten,
				}).WithError(o.Err).Error("task failed")
			}
		}
		entry.Error("run finished with failures")
		return fmt.Errorf("%d of %d tasks failed", failed, len(outcomes))
	}

	entry.Info("run finished")
	return nil
}

func parseExchanges(raw string) ([]model.Exchange, error) {
	if strings.TrimSpace(raw) == "" {
		return model.SupportedExchanges, nil
	}
	var out []model.Exchange
	for _, part := range strings.Split(raw, ",") {
		ex, err := model.ParseExchange(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, nil
}

func resolveSymbols(ctx context.Context, store *storage.Store, raw string, topN int) ([]string, error) {
	if strings.TrimSpace(raw) != "" {
		var symbols []string
		for _, part := range strings.Split(raw, ",") {
			if sym := strings.ToUpper(strings.TrimSpace(part)); sym != "" {
				symbols = append(symbols, sym)
			}
		}
		if err := store.UpsertPairs(ctx, symbols); err != nil {
			return nil, fmt.Errorf("seed pairs: %w", err)
		}
		if topN > 0 && topN < len(symbols) {
			symbols = symbols[:topN]
		}
		return symbols, nil
	}
	return store.TopSymbols(ctx, topN)
}

// resolveWindow turns the -start/-end flags into a half-open UTC
// window. An explicit end date is inclusive, so it extends to the next
// midnight; up_to_date means "through the current hour".
func resolveWindow(cfg *config.Config, startRaw, endRaw string, now time.Time) (time.Time, time.Time, error) {
	var start time.Time
	if startRaw == "" || startRaw == upToDate {
		floor, err := cfg.Discovery.FloorTime()
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start = floor
	} else {
		var err error
		start, err = time.Parse(dateLayout, startRaw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -start %q: %w", startRaw, err)
		}
	}

	var end time.Time
	if endRaw == "" || endRaw == upToDate {
		end = now.Truncate(time.Hour)
	} else {
		parsed, err := time.Parse(dateLayout, endRaw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -end %q: %w", endRaw, err)
		}
		end = parsed.Add(24 * time.Hour)
		if ceiling := now.Truncate(time.Hour); end.After(ceiling) {
			end = ceiling
		}
	}

	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("empty window: start %s is not before end %s", start, end)
	}
	return start.UTC(), end.UTC(), nil
}

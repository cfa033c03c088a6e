package logger

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	warnsFetch    int64
	errorsFetch   int64
	apiRequests   int64
	apiRetries    int64
	probeRequests int64
	rowsUpserted  int64
	archiveWrites int64
)

func recordWarn(component string) {
	if strings.Contains(component, "adapter") || strings.Contains(component, "fetcher") {
		atomic.AddInt64(&warnsFetch, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "adapter") || strings.Contains(component, "fetcher") {
		atomic.AddInt64(&errorsFetch, 1)
	}
}

// IncrementAPIRequest counts one outbound exchange API call.
func IncrementAPIRequest() { atomic.AddInt64(&apiRequests, 1) }

// IncrementAPIRetry counts one retry of a failed exchange API call.
func IncrementAPIRetry() { atomic.AddInt64(&apiRetries, 1) }

// IncrementProbe counts one listing-date discovery probe.
func IncrementProbe() { atomic.AddInt64(&probeRequests, 1) }

// IncrementRowsUpserted counts rows merged into the event store.
func IncrementRowsUpserted(n int) { atomic.AddInt64(&rowsUpserted, int64(n)) }

// IncrementArchiveWrite counts one parquet object uploaded to S3.
func IncrementArchiveWrite() { atomic.AddInt64(&archiveWrites, 1) }

// StartReport begins periodic logging of pipeline counters. Counters
// are cumulative for the lifetime of the process.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	fields := Fields{
		"api_requests":   atomic.LoadInt64(&apiRequests),
		"api_retries":    atomic.LoadInt64(&apiRetries),
		"probe_requests": atomic.LoadInt64(&probeRequests),
		"rows_upserted":  atomic.LoadInt64(&rowsUpserted),
		"archive_writes": atomic.LoadInt64(&archiveWrites),
		"warns_fetch":    atomic.LoadInt64(&warnsFetch),
		"errors_fetch":   atomic.LoadInt64(&errorsFetch),
		"goroutines":     runtime.NumGoroutine(),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("APIRequests"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["api_requests"].(int64)))},
		{MetricName: aws.String("APIRetries"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["api_retries"].(int64)))},
		{MetricName: aws.String("ProbeRequests"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["probe_requests"].(int64)))},
		{MetricName: aws.String("RowsUpserted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["rows_upserted"].(int64)))},
		{MetricName: aws.String("ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["archive_writes"].(int64)))},
		{MetricName: aws.String("ErrorsFetch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_fetch"].(int64)))},
		{MetricName: aws.String("WarnsFetch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_fetch"].(int64)))},
	}
	publishMetrics(ctx, data)
}

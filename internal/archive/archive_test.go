package archive

import (
	"strings"
	"testing"
	"time"

	appconfig "fundingflow/config"
	"fundingflow/internal/model"
	"fundingflow/logger"
)

func testWriter() *Writer {
	cfg := &appconfig.Config{}
	cfg.Archive.Compression = "snappy"
	cfg.Storage.S3.Bucket = "funding-archive"
	return &Writer{cfg: cfg, log: logger.GetLogger()}
}

func sampleRows(n int) []model.FundingRateEvent {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]model.FundingRateEvent, n)
	for i := range rows {
		rows[i] = model.FundingRateEvent{
			TimestampUTC: start.Add(time.Duration(i) * time.Hour),
			Symbol:       "BTC",
			Exchange:     model.Binance,
		}
		if i%8 == 0 {
			rate := 0.0001
			rows[i].Rate = &rate
		}
	}
	return rows
}

func TestCreateParquetRoundsNullableRates(t *testing.T) {
	w := testWriter()

	data, err := w.createParquet(sampleRows(24))
	if err != nil {
		t.Fatalf("createParquet: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet payload")
	}
	// Parquet files end with the PAR1 magic.
	if !strings.HasSuffix(string(data), "PAR1") {
		t.Fatal("payload is not a parquet file")
	}
}

func TestObjectKeyPartitioning(t *testing.T) {
	w := testWriter()
	rows := sampleRows(24)
	task := model.FetchTask{Symbol: "BTC", Exchange: model.Binance}

	key := w.objectKey(task, rows)
	for _, part := range []string{
		"funding_rate/",
		"exchange=binance/",
		"symbol=BTC/",
		"date=2024-03-01/",
		".parquet",
	} {
		if !strings.Contains(key, part) {
			t.Fatalf("key %q missing %q", key, part)
		}
	}

	if other := w.objectKey(task, rows); other == key {
		t.Fatal("object keys must be unique per upload")
	}
}

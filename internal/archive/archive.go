package archive

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "fundingflow/config"
	"fundingflow/internal/model"
	"fundingflow/logger"
)

type fundingParquetRecord struct {
	Exchange  string   `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string   `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64    `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Rate      *float64 `parquet:"name=funding_rate, type=DOUBLE, repetitiontype=OPTIONAL"`
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile { return &memFile{buffer: &bytes.Buffer{}} }

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// Writer mirrors completed task windows to S3 as partitioned Parquet
// files. The SQLite store stays the source of truth; the archive is a
// cold copy for downstream analytics.
type Writer struct {
	cfg      *appconfig.Config
	s3Client *s3.Client
	log      *logger.Log
}

// NewWriter builds the S3 client from the storage configuration.
func NewWriter(cfg *appconfig.Config) (*Writer, error) {
	if !cfg.Storage.S3.Enabled {
		return nil, fmt.Errorf("s3 storage disabled")
	}

	ctx := context.Background()
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	return &Writer{
		cfg:      cfg,
		s3Client: s3Client,
		log:      logger.GetLogger(),
	}, nil
}

// Archive uploads the gridded rows of one completed task as a single
// Parquet object.
func (w *Writer) Archive(ctx context.Context, task model.FetchTask, rows []model.FundingRateEvent) error {
	if len(rows) == 0 {
		return nil
	}

	log := w.log.WithComponent("archive").WithFields(logger.Fields{
		"symbol":   task.Symbol,
		"exchange": task.Exchange,
		"rows":     len(rows),
	})

	data, err := w.createParquet(rows)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}

	key := w.objectKey(task, rows)
	if err := w.upload(ctx, key, data); err != nil {
		return err
	}
	logger.IncrementArchiveWrite()

	log.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}).Info("task window archived")
	return nil
}

func (w *Writer) createParquet(rows []model.FundingRateEvent) ([]byte, error) {
	mem := newMemFile()
	pw, err := writer.NewParquetWriter(mem, new(fundingParquetRecord), 1)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(w.cfg.Archive.Compression) {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, row := range rows {
		rec := fundingParquetRecord{
			Exchange:  string(row.Exchange),
			Symbol:    row.Symbol,
			Timestamp: row.TimestampUTC.UnixMilli(),
			Rate:      row.Rate,
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mem.Bytes(), nil
}

func (w *Writer) objectKey(task model.FetchTask, rows []model.FundingRateEvent) string {
	datePart := rows[0].TimestampUTC.UTC().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s_%s_%s.parquet",
		strings.ToLower(string(task.Exchange)),
		strings.ToUpper(task.Symbol),
		time.Now().UTC().Format("20060102150405"),
		uuid.NewString(),
	)
	key := filepath.Join(
		"funding_rate",
		fmt.Sprintf("exchange=%s", strings.ToLower(string(task.Exchange))),
		fmt.Sprintf("symbol=%s", strings.ToUpper(task.Symbol)),
		fmt.Sprintf("date=%s", datePart),
		filename,
	)
	return filepath.ToSlash(key)
}

func (w *Writer) upload(ctx context.Context, key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":        "parquet",
			"compression":         w.cfg.Archive.Compression,
			"fundingflow-version": w.cfg.Fundingflow.Version,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload funding parquet: %w", err)
	}
	return nil
}

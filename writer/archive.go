package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// archivingPublisher tees option snapshots into the archiver on their way
// to the live publisher. Archiving is buffered and never fails a publish.
type archivingPublisher struct {
	Publisher
	archiver *SnapshotArchiver
}

// WithArchive wraps a publisher so every published snapshot batch is also
// queued for the S3 archive.
func WithArchive(p Publisher, a *SnapshotArchiver) Publisher {
	return &archivingPublisher{Publisher: p, archiver: a}
}

func (p *archivingPublisher) PublishSnapshots(ctx context.Context, snaps []models.OptionSnapshot) error {
	p.archiver.Archive(snaps)
	return p.Publisher.PublishSnapshots(ctx, snaps)
}

// snapshotRecord defines the parquet schema for archived option snapshots.
// Depth is flattened to best bid/ask only.
type snapshotRecord struct {
	Token         int64   `parquet:"name=instrument_token, type=INT64"`
	Symbol        string  `parquet:"name=tradingsymbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Underlying    string  `parquet:"name=underlying, type=BYTE_ARRAY, convertedtype=UTF8"`
	Strike        float64 `parquet:"name=strike, type=DOUBLE"`
	Expiry        string  `parquet:"name=expiry, type=BYTE_ARRAY, convertedtype=UTF8"`
	OptionType    string  `parquet:"name=option_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	LastPrice     float64 `parquet:"name=last_price, type=DOUBLE"`
	UnderlyingLTP float64 `parquet:"name=underlying_ltp, type=DOUBLE"`
	Volume        int64   `parquet:"name=volume, type=INT64"`
	OI            int64   `parquet:"name=oi, type=INT64"`
	IV            float64 `parquet:"name=iv, type=DOUBLE"`
	Delta         float64 `parquet:"name=delta, type=DOUBLE"`
	Gamma         float64 `parquet:"name=gamma, type=DOUBLE"`
	Theta         float64 `parquet:"name=theta, type=DOUBLE"`
	Vega          float64 `parquet:"name=vega, type=DOUBLE"`
	Rho           float64 `parquet:"name=rho, type=DOUBLE"`
	BestBid       float64 `parquet:"name=best_bid, type=DOUBLE"`
	BestAsk       float64 `parquet:"name=best_ask, type=DOUBLE"`
	IsMock        bool    `parquet:"name=is_mock, type=BOOLEAN"`
	Timestamp     int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// memFileWriter adapts an in-memory buffer to the parquet file interface so
// objects can be built without touching disk.
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// SnapshotArchiver buffers option snapshots per underlying and uploads them
// to S3 as snappy-compressed parquet, hive-partitioned by underlying and
// hour. It runs alongside the live publisher and never blocks it.
type SnapshotArchiver struct {
	cfg      appconfig.S3Config
	s3Client *s3.Client
	buffer   map[string][]models.OptionSnapshot
	mu       sync.Mutex
	ctx      context.Context
	wg       *sync.WaitGroup
	running  bool
	log      *logger.Log
}

// NewSnapshotArchiver builds the S3 client. Static credentials are used when
// configured, otherwise the default AWS chain applies.
func NewSnapshotArchiver(cfg appconfig.S3Config) (*SnapshotArchiver, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &SnapshotArchiver{
		cfg:      cfg,
		s3Client: client,
		buffer:   make(map[string][]models.OptionSnapshot),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}, nil
}

func (a *SnapshotArchiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("snapshot archiver already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	a.wg.Add(1)
	go a.flushLoop()
	a.log.WithComponent("snapshot_archiver").WithFields(logger.Fields{
		"bucket": a.cfg.Bucket,
		"prefix": a.cfg.Prefix,
	}).Info("snapshot archiver started")
	return nil
}

// Stop flushes whatever is buffered and waits for the flush loop.
func (a *SnapshotArchiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.wg.Wait()
	a.flushAll()
	a.log.WithComponent("snapshot_archiver").Info("snapshot archiver stopped")
}

// Archive buffers snapshots keyed by underlying. A full buffer flushes
// inline.
func (a *SnapshotArchiver) Archive(snaps []models.OptionSnapshot) {
	full := make([]string, 0, 1)
	a.mu.Lock()
	for _, s := range snaps {
		key := s.Underlying
		if key == "" {
			key = s.Symbol
		}
		a.buffer[key] = append(a.buffer[key], s)
		if len(a.buffer[key]) >= a.cfg.BatchSize {
			full = append(full, key)
		}
	}
	a.mu.Unlock()
	for _, k := range full {
		a.flushBuffer(k)
	}
}

func (a *SnapshotArchiver) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.flushAll()
		}
	}
}

func (a *SnapshotArchiver) flushAll() {
	a.mu.Lock()
	keys := make([]string, 0, len(a.buffer))
	for k := range a.buffer {
		keys = append(keys, k)
	}
	a.mu.Unlock()
	for _, k := range keys {
		a.flushBuffer(k)
	}
}

func (a *SnapshotArchiver) flushBuffer(underlying string) {
	a.mu.Lock()
	snaps := a.buffer[underlying]
	if len(snaps) == 0 {
		a.mu.Unlock()
		return
	}
	delete(a.buffer, underlying)
	a.mu.Unlock()

	data, err := a.createParquet(snaps)
	if err != nil {
		a.log.WithComponent("snapshot_archiver").WithError(err).Error("create parquet failed")
		return
	}
	key := a.s3Key(underlying, time.Now())
	if err := a.upload(key, data); err != nil {
		a.log.WithComponent("snapshot_archiver").WithError(err).Error("upload to s3 failed")
		return
	}
	a.log.WithComponent("snapshot_archiver").WithFields(logger.Fields{
		"s3_key":  key,
		"records": len(snaps),
		"bytes":   len(data),
	}).Info("snapshot batch uploaded")
}

func (a *SnapshotArchiver) createParquet(snaps []models.OptionSnapshot) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, new(snapshotRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, s := range snaps {
		rec := snapshotRecord{
			Token:         int64(s.Token),
			Symbol:        s.Symbol,
			Underlying:    s.Underlying,
			Strike:        s.Strike,
			Expiry:        s.Expiry.Format("2006-01-02"),
			OptionType:    s.OptionType,
			LastPrice:     s.LastPrice,
			UnderlyingLTP: s.UnderlyingLTP,
			Volume:        s.Volume,
			OI:            s.OI,
			IV:            s.Greeks.IV,
			Delta:         s.Greeks.Delta,
			Gamma:         s.Greeks.Gamma,
			Theta:         s.Greeks.Theta,
			Vega:          s.Greeks.Vega,
			Rho:           s.Greeks.Rho,
			IsMock:        s.IsMock,
			Timestamp:     s.Timestamp.UnixMilli(),
		}
		if s.Depth != nil {
			if len(s.Depth.Bids) > 0 {
				rec.BestBid = s.Depth.Bids[0].Price
			}
			if len(s.Depth.Asks) > 0 {
				rec.BestAsk = s.Depth.Asks[0].Price
			}
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (a *SnapshotArchiver) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	_, err := a.s3Client.PutObject(a.ctx, input)
	return err
}

func (a *SnapshotArchiver) s3Key(underlying string, ts time.Time) string {
	parts := []string{
		fmt.Sprintf("underlying=%s", underlying),
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", int(ts.Month())),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
	}
	if a.cfg.Prefix != "" {
		parts = append([]string{a.cfg.Prefix}, parts...)
	}
	filename := fmt.Sprintf("snapshots_%s_%d.parquet", underlying, ts.UnixNano())
	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}

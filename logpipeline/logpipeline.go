// Package logpipeline implements the Log Pipeline (spec.md §4.7): an
// in-memory batch of structured log records, flushed to
// trajectories/<id>/logs.parquet on a threshold, an interval, or an
// error/warning-level record, with a final force=true flush at shutdown.
// Grounded directly on
// original_source/packages/code/envoi_code/orchestrator.py's
// capture_structured_log / periodic_logs_flush_loop / flush_logs trio.
package logpipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/envoi-run/trajectory/objectstore"
	"github.com/envoi-run/trajectory/sandbox"
	"github.com/envoi-run/trajectory/telemetry"
)

// Record is one structured log entry, flattened for Parquet's
// struct-per-row model.
type Record struct {
	TrajectoryID string `parquet:"trajectory_id"`
	Source       string `parquet:"source"`
	Level        string `parquet:"level"`
	Message      string `parquet:"message"`
	TimestampMs  int64  `parquet:"timestamp_ms"`
	FieldsJSON   string `parquet:"fields_json"`
}

// Options configures a Pipeline.
type Options struct {
	TrajectoryID string
	BatchSize    int
	Interval     time.Duration
	Blobs        objectstore.Store
	Logger       telemetry.Logger

	// ZapEncoder, when set, is used to render each captured record to a
	// live structured-log sink (stderr by default) in addition to
	// buffering it for the periodic parquet flush, using zapcore directly
	// rather than the telemetry.Logger facade so the buffer and the live
	// encoder share one zap.Field conversion path.
	ZapEncoder zapcore.Encoder
}

// Pipeline buffers structured log records and flushes them to object
// storage. Safe for concurrent Capture calls from any goroutine.
type Pipeline struct {
	trajectoryID string
	batchSize    int
	interval     time.Duration
	blobs        objectstore.Store
	logger       telemetry.Logger
	live         *zap.Logger

	mu              sync.Mutex
	records         []Record
	lastFlushCount  int
	lastFlushAt     time.Time
	flushInProgress sync.Mutex

	wakeup chan struct{}
}

// New builds a Pipeline. A batchSize below 1 defaults to 50 and a
// non-positive interval defaults to 5s.
func New(opts Options) *Pipeline {
	batchSize := opts.BatchSize
	if batchSize < 1 {
		batchSize = 50
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	encoder := opts.ZapEncoder
	if encoder == nil {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		encoder = zapcore.NewJSONEncoder(cfg)
	}
	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), zapcore.DebugLevel)
	return &Pipeline{
		trajectoryID: opts.TrajectoryID,
		batchSize:    batchSize,
		interval:     interval,
		blobs:        opts.Blobs,
		logger:       logger,
		live:         zap.New(core).With(zap.String("trajectory_id", opts.TrajectoryID)),
		lastFlushAt:  time.Now(),
		wakeup:       make(chan struct{}, 1),
	}
}

// Capture appends one record, normalizing trajectory_id/source defaults, and
// wakes the flush loop early when the record is error/warning level or the
// pending batch has reached batchSize — matching capture_structured_log's
// logs_flush_wakeup.set() condition.
func (p *Pipeline) Capture(level, message string, fields map[string]any) {
	rec := Record{
		TrajectoryID: p.trajectoryID,
		Source:       "orchestrator",
		Level:        level,
		Message:      message,
		TimestampMs:  time.Now().UnixMilli(),
		FieldsJSON:   marshalOrEmpty(fields),
	}

	p.mu.Lock()
	p.records = append(p.records, rec)
	newRecords := len(p.records) - p.lastFlushCount
	p.mu.Unlock()

	lvl := strings.ToLower(level)
	p.live.Check(zapLevel(lvl), message).Write(fieldsToZap(fields)...)
	if lvl == "error" || lvl == "warning" || lvl == "warn" || newRecords >= p.batchSize {
		select {
		case p.wakeup <- struct{}{}:
		default:
		}
	}
}

// Run drives the periodic flush loop until ctx is cancelled, then performs a
// final force=true flush before returning, matching
// periodic_logs_flush_loop.
func (p *Pipeline) Run(ctx context.Context) {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := p.Flush(context.Background(), true); err != nil {
				p.logger.Warn(ctx, "final log flush failed", "error", err)
			}
			return
		case <-timer.C:
		case <-p.wakeup:
			if !timer.Stop() {
				<-timer.C
			}
		}
		if err := p.Flush(ctx, false); err != nil {
			p.logger.Warn(ctx, "periodic log flush failed", "error", err)
		}
		timer.Reset(p.interval)
	}
}

// Flush writes the full in-memory buffer to logs.parquet if force is set,
// or if there are new records and either the batch threshold or the
// interval has elapsed — mirroring flush_logs's gating logic exactly.
func (p *Pipeline) Flush(ctx context.Context, force bool) error {
	p.flushInProgress.Lock()
	defer p.flushInProgress.Unlock()

	p.mu.Lock()
	total := len(p.records)
	if total == 0 {
		p.mu.Unlock()
		return nil
	}
	newRecords := total - p.lastFlushCount
	elapsed := time.Since(p.lastFlushAt)
	if !force && (newRecords <= 0 || (newRecords < p.batchSize && elapsed < p.interval)) {
		p.mu.Unlock()
		return nil
	}
	snapshot := make([]Record, total)
	copy(snapshot, p.records)
	p.mu.Unlock()

	var buf bytes.Buffer
	if err := parquet.Write(&buf, snapshot); err != nil {
		return fmt.Errorf("logpipeline: encode %s: %w", p.trajectoryID, err)
	}
	if p.blobs != nil {
		if _, err := p.blobs.Put(ctx, logsKey(p.trajectoryID), &buf, "application/octet-stream"); err != nil {
			return fmt.Errorf("logpipeline: upload %s: %w", p.trajectoryID, err)
		}
	}

	p.mu.Lock()
	p.lastFlushCount = len(snapshot)
	p.lastFlushAt = time.Now()
	p.mu.Unlock()
	return nil
}

func logsKey(trajectoryID string) string {
	return fmt.Sprintf("trajectories/%s/logs.parquet", trajectoryID)
}

// CollectSandboxLogs tails the given in-sandbox JSONL log files (e.g.
// /tmp/envoi_*.jsonl) via the Sandbox Adapter and captures every parsed line
// as a Record, matching the finalizer's pre-shutdown sandbox log merge.
func (p *Pipeline) CollectSandboxLogs(ctx context.Context, sb sandbox.Provider, paths []string) {
	for _, path := range paths {
		content, err := sb.ReadFile(ctx, path)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(content, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var entry map[string]any
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				continue
			}
			level, _ := entry["level"].(string)
			message, _ := entry["message"].(string)
			delete(entry, "level")
			delete(entry, "message")
			p.captureFromSandbox(path, level, message, entry)
		}
	}
}

func (p *Pipeline) captureFromSandbox(source, level, message string, fields map[string]any) {
	rec := Record{
		TrajectoryID: p.trajectoryID,
		Source:       source,
		Level:        level,
		Message:      message,
		TimestampMs:  time.Now().UnixMilli(),
		FieldsJSON:   marshalOrEmpty(fields),
	}
	p.mu.Lock()
	p.records = append(p.records, rec)
	p.mu.Unlock()
}

func zapLevel(level string) zapcore.Level {
	switch level {
	case "error":
		return zapcore.ErrorLevel
	case "warning", "warn":
		return zapcore.WarnLevel
	case "debug":
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func fieldsToZap(fields map[string]any) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func marshalOrEmpty(v any) string {
	if v == nil {
		return ""
	}
	out, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(out)
}

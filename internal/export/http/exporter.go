// Package http exports batches of stats samples to an HTTP endpoint as
// newline-delimited JSON.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"
)

// ExportHook observes every non-empty export attempt.
type ExportHook func(items int, took time.Duration, err error)

// Exporter implements processor.ItemExporter for HTTP NDJSON export.
type Exporter[T any] struct {
	cfg        Config
	client     *http.Client
	compressor *Compressor
	log        logrus.FieldLogger
	hook       ExportHook
}

var _ processor.ItemExporter[any] = (*Exporter[any])(nil)

// NewExporter creates a new HTTP exporter. hook may be nil.
func NewExporter[T any](
	log logrus.FieldLogger,
	cfg Config,
	hook ExportHook,
) (*Exporter[T], error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	compressor, err := NewCompressor(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        exportWorkers * 2,
		MaxIdleConnsPerHost: exportWorkers * 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Exporter[T]{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		compressor: compressor,
		log:        log.WithField("component", "http_exporter"),
		hook:       hook,
	}, nil
}

// ExportItems POSTs items as one NDJSON body.
func (e *Exporter[T]) ExportItems(ctx context.Context, items []*T) error {
	if len(items) == 0 {
		return nil
	}

	start := time.Now()

	sent, err := e.export(ctx, items)

	if e.hook != nil {
		e.hook(sent, time.Since(start), err)
	}

	return err
}

func (e *Exporter[T]) export(ctx context.Context, items []*T) (int, error) {
	var buf bytes.Buffer

	buf.Grow(len(items) * 96)

	enc := json.NewEncoder(&buf)
	sent := 0

	for _, item := range items {
		if item == nil {
			continue
		}

		if err := enc.Encode(item); err != nil {
			return 0, fmt.Errorf("encoding item: %w", err)
		}

		sent++
	}

	body, err := e.compressor.Compress(buf.Bytes())
	if err != nil {
		return 0, fmt.Errorf("compressing data: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, e.cfg.Address, bytes.NewReader(body),
	)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("User-Agent", e.cfg.UserAgent)

	if encoding := e.compressor.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}

	defer resp.Body.Close()

	// Drain for connection reuse.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	e.log.WithFields(logrus.Fields{
		"items":      sent,
		"bytes":      buf.Len(),
		"compressed": len(body),
	}).Debug("Exported batch via HTTP")

	return sent, nil
}

// Shutdown releases the compressor.
func (e *Exporter[T]) Shutdown(_ context.Context) error {
	if e.compressor != nil {
		return e.compressor.Close()
	}

	return nil
}

// NewProcessor creates a BatchItemProcessor exporting through a new
// Exporter.
func NewProcessor[T any](
	log logrus.FieldLogger,
	cfg Config,
	name string,
	hook ExportHook,
) (*processor.BatchItemProcessor[T], error) {
	cfg.ApplyDefaults()

	exporter, err := NewExporter[T](log, cfg, hook)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	proc, err := processor.NewBatchItemProcessor[T](
		exporter,
		name,
		log,
		processor.WithMaxQueueSize(cfg.QueueSize),
		processor.WithBatchTimeout(cfg.FlushInterval),
		processor.WithExportTimeout(cfg.Timeout),
		processor.WithMaxExportBatchSize(cfg.batchSize()),
		processor.WithWorkers(exportWorkers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processor: %w", err)
	}

	return proc, nil
}

package shipper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/obsidianstack/pulse/agent/internal/config"
	"github.com/obsidianstack/pulse/pkg/types"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	sendTimeout    = 10 * time.Second
	drainTimeout   = 5 * time.Second
	ingestPath     = "/api/v1/samples"
)

// StatusError is returned when the server answered with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("server returned HTTP %d: %s", e.Code, e.Body)
}

// Permanent reports whether retrying the same batch cannot succeed.
func (e *StatusError) Permanent() bool {
	switch e.Code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// Shipper buffers samples and POSTs them to pulse-server in batches.
// Ship is non-blocking; when the buffer is full the oldest sample is evicted.
// Run must be called in a goroutine to drain the buffer.
type Shipper struct {
	cfg    config.AgentConfig
	client *http.Client
	url    string
	source string
	buf    chan types.Sample

	newBackOff func() backoff.BackOff
}

// New creates a Shipper. A nil client uses a client with a 10s timeout.
func New(cfg config.AgentConfig, client *http.Client) *Shipper {
	if client == nil {
		client = &http.Client{Timeout: sendTimeout}
	}
	source, err := os.Hostname()
	if err != nil {
		source = "pulse-agent"
	}
	return &Shipper{
		cfg:        cfg,
		client:     client,
		url:        strings.TrimRight(cfg.ServerURL, "/") + ingestPath,
		source:     source,
		buf:        make(chan types.Sample, cfg.BufferSize),
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffInitial
	b.MaxInterval = backoffMax
	b.MaxElapsedTime = 0
	return b
}

// Ship enqueues samples, evicting the oldest buffered sample for each one
// that does not fit.
func (s *Shipper) Ship(samples ...types.Sample) {
	for _, smp := range samples {
		for {
			select {
			case s.buf <- smp:
			default:
				select {
				case old := <-s.buf:
					slog.Warn("shipper: buffer full, evicted oldest sample",
						"operation", old.OperationType, "buffer_cap", cap(s.buf))
				default:
				}
				continue
			}
			break
		}
	}
}

// Pending is the number of buffered samples.
func (s *Shipper) Pending() int { return len(s.buf) }

// Run flushes the buffer every ShipInterval until ctx is cancelled, then
// makes one last bounded attempt to drain what is left.
func (s *Shipper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ShipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			if err := s.Flush(drainCtx); err != nil {
				slog.Warn("shipper: final flush incomplete", "err", err, "pending", s.Pending())
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil && ctx.Err() == nil {
				slog.Error("shipper: flush failed", "err", err)
			}
		}
	}
}

// Flush sends everything currently buffered, BatchSize samples per request.
// Transient failures are retried with exponential backoff until ctx ends;
// a batch rejected as permanent (400, 401, 403) is discarded.
func (s *Shipper) Flush(ctx context.Context) error {
	for {
		batch := s.take()
		if len(batch) == 0 {
			return nil
		}

		op := func() error {
			err := s.send(ctx, batch)
			var se *StatusError
			if errors.As(err, &se) && se.Permanent() {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, wait time.Duration) {
			slog.Warn("shipper: send failed, will retry",
				"endpoint", s.url, "samples", len(batch), "err", err, "retry_in", wait)
		}
		err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify)

		var se *StatusError
		switch {
		case err == nil:
			slog.Debug("shipper: batch delivered", "samples", len(batch))
		case errors.As(err, &se) && se.Permanent():
			slog.Error("shipper: permanent send error, discarding batch",
				"samples", len(batch), "status", se.Code, "err", err)
		default:
			return fmt.Errorf("shipper: %d samples not delivered: %w", len(batch), err)
		}
	}
}

// take removes up to BatchSize samples from the buffer without blocking.
func (s *Shipper) take() []types.Sample {
	var batch []types.Sample
	for len(batch) < s.cfg.BatchSize {
		select {
		case smp := <-s.buf:
			batch = append(batch, smp)
		default:
			return batch
		}
	}
	return batch
}

func (s *Shipper) send(ctx context.Context, batch []types.Sample) error {
	body, err := json.Marshal(types.SampleBatch{Source: s.source, Samples: batch})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encode batch: %w", err))
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.ServerAuth.Mode == "apikey" {
		req.Header.Set(s.cfg.ServerAuth.Header, s.cfg.ServerAuth.Key())
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var ir types.IngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err == nil && ir.Rejected > 0 {
		first := ""
		if len(ir.Errors) > 0 {
			first = ir.Errors[0].Message
		}
		slog.Warn("shipper: server rejected samples",
			"accepted", ir.Accepted, "rejected", ir.Rejected, "first_error", first)
	}
	return nil
}

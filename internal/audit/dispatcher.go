package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/secure-image-vault/internal/metrics"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("audit dispatcher closed")

// Config configures a Dispatcher.
type Config struct {
	Enabled           bool
	BufferSize        int
	MaxRetries        int
	RetryBackoff      time.Duration
	WriteTimeout      time.Duration
	ComplianceVersion string
}

// DefaultConfig returns the defaults used when fields are zero.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		BufferSize:        1024,
		MaxRetries:        3,
		RetryBackoff:      100 * time.Millisecond,
		WriteTimeout:      5 * time.Second,
		ComplianceVersion: DefaultComplianceVersion,
	}
}

type job struct {
	entry   *Entry
	flushed chan struct{}
}

// Dispatcher is the asynchronous Logger. Entries are buffered and written to
// every sink by one background goroutine, in submission order, with retries.
type Dispatcher struct {
	cfg     Config
	sinks   []Sink
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	done   chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDiagnostics sets where delivery failures are reported.
func WithDiagnostics(l *logrus.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics records accepted, dropped and failed entries.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher starts a dispatcher writing to sinks.
func NewDispatcher(cfg Config, sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ComplianceVersion == "" {
		cfg.ComplianceVersion = def.ComplianceVersion
	}

	d := &Dispatcher{
		cfg:    cfg,
		sinks:  sinks,
		logger: logrus.StandardLogger(),
		now:    time.Now,
		jobs:   make(chan job, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	go d.run()
	return d
}

// LogAccess builds an entry from ctx and queues it. It never blocks on sink
// I/O; when the buffer is full the entry is dropped and reported.
func (d *Dispatcher) LogAccess(ctx context.Context, action Action, resourceID, userID string, extra map[string]interface{}) {
	if !d.cfg.Enabled {
		return
	}

	info := RequestInfoFrom(ctx)
	entry := &Entry{
		EntryID:           uuid.NewString(),
		Timestamp:         d.now().UTC(),
		Action:            action,
		ResourceID:        resourceID,
		UserID:            userID,
		IPAddress:         info.IPAddress,
		UserAgent:         info.UserAgent,
		SessionID:         info.SessionID,
		ComplianceVersion: d.cfg.ComplianceVersion,
	}
	if len(extra) > 0 {
		entry.AdditionalData = make(map[string]interface{}, len(extra))
		for k, v := range extra {
			entry.AdditionalData[k] = v
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(entry, "dispatcher closed")
		return
	}
	select {
	case d.jobs <- job{entry: entry}:
		d.metrics.RecordAuditEntry(string(action))
	default:
		d.drop(entry, "buffer full")
	}
}

func (d *Dispatcher) drop(entry *Entry, reason string) {
	d.metrics.RecordAuditDropped()
	d.logger.WithFields(logrus.Fields{
		"entry_id":    entry.EntryID,
		"action":      entry.Action,
		"resource_id": entry.ResourceID,
		"reason":      reason,
	}).Error("Audit entry dropped")
}

// Flush waits until every entry queued before the call has been written or
// has exhausted its retries.
func (d *Dispatcher) Flush(ctx context.Context) error {
	flushed := make(chan struct{})

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrClosed
	}
	select {
	case d.jobs <- job{flushed: flushed}:
	case <-ctx.Done():
		d.mu.RUnlock()
		return ctx.Err()
	}
	d.mu.RUnlock()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting entries and drains the buffer.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for j := range d.jobs {
		if j.flushed != nil {
			close(j.flushed)
			continue
		}
		for _, sink := range d.sinks {
			d.deliver(sink, j.entry)
		}
	}
}

// deliver writes with exponential backoff. Failures end here: they are
// reported, never returned to the caller of LogAccess.
func (d *Dispatcher) deliver(sink Sink, entry *Entry) {
	backoff := d.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
		err = sink.Write(ctx, entry)
		cancel()
		if err == nil {
			return
		}
	}

	d.metrics.RecordAuditFailure(sink.Name())
	d.logger.WithFields(logrus.Fields{
		"sink":        sink.Name(),
		"entry_id":    entry.EntryID,
		"action":      entry.Action,
		"resource_id": entry.ResourceID,
		"attempts":    d.cfg.MaxRetries + 1,
	}).WithError(err).Error("Failed to write audit entry")
}

package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gestnote/ranking-guard/metrics"
	"github.com/gestnote/ranking-guard/models"
)

const (
	GeneralFile  = "suspicious.log"
	CriticalFile = "critical.log"

	defaultSinkTimeout = 2 * time.Second
)

var ErrClosed = errors.New("recorder closed")

// Sink receives every event after it has been appended locally.
type Sink interface {
	Publish(ctx context.Context, event models.SecurityEvent) error
}

type Options struct {
	Dir         string
	SyncWrites  bool
	SinkTimeout time.Duration
}

type Option func(*Recorder)

func WithSink(s Sink) Option {
	return func(r *Recorder) {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) {
		r.metrics = m
	}
}

type partition struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func openPartition(path string) (*partition, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &partition{path: path, file: f}, nil
}

func (p *partition) append(line []byte, sync bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return ErrClosed
	}
	if _, err := p.file.Write(line); err != nil {
		return err
	}
	if sync {
		return p.file.Sync()
	}
	return nil
}

func (p *partition) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}

// Recorder appends security events to the general and critical partitions.
// It is safe for concurrent use and never fails the caller.
type Recorder struct {
	general  *partition
	critical *partition

	syncWrites  bool
	sinkTimeout time.Duration
	sinks       []Sink

	logger  *zap.Logger
	metrics *metrics.Metrics

	// lifecycle keeps Close from racing sink goroutines being started.
	lifecycle sync.RWMutex
	closed    bool
	inflight  sync.WaitGroup
}

func New(opts Options, logger *zap.Logger, options ...Option) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Dir == "" {
		opts.Dir = "./logs"
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = defaultSinkTimeout
	}

	if err := os.MkdirAll(opts.Dir, 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	general, err := openPartition(filepath.Join(opts.Dir, GeneralFile))
	if err != nil {
		return nil, err
	}
	critical, err := openPartition(filepath.Join(opts.Dir, CriticalFile))
	if err != nil {
		general.close()
		return nil, err
	}

	r := &Recorder{
		general:     general,
		critical:    critical,
		syncWrites:  opts.SyncWrites,
		sinkTimeout: opts.SinkTimeout,
		logger:      logger.Named("recorder"),
	}
	for _, o := range options {
		o(r)
	}
	return r, nil
}

// Record appends the event. Critical events go to both partitions. Failures
// are logged and counted, never returned.
func (r *Recorder) Record(ctx context.Context, event models.SecurityEvent) {
	r.lifecycle.RLock()
	defer r.lifecycle.RUnlock()

	if r.closed {
		r.fail(event, ErrClosed)
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		r.fail(event, fmt.Errorf("marshal event: %w", err))
		return
	}
	line := append(data, '\n')

	if err := r.general.append(line, r.syncWrites); err != nil {
		r.fail(event, fmt.Errorf("append %s: %w", r.general.path, err))
		return
	}
	if event.IsCritical() {
		if err := r.critical.append(line, r.syncWrites); err != nil {
			r.fail(event, fmt.Errorf("append %s: %w", r.critical.path, err))
		}
	}

	r.metrics.EventRecorded(string(event.Type), string(event.Severity))

	if event.IsCritical() {
		r.logger.Error(event.Message,
			zap.String("type", string(event.Type)),
			zap.String("ip", event.IP),
			zap.String("severity", string(event.Severity)),
		)
	} else {
		r.logger.Warn(event.Message,
			zap.String("type", string(event.Type)),
			zap.String("ip", event.IP),
			zap.String("severity", string(event.Severity)),
		)
	}

	r.forward(ctx, event)
}

func (r *Recorder) forward(ctx context.Context, event models.SecurityEvent) {
	if len(r.sinks) == 0 {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, sink := range r.sinks {
		r.inflight.Add(1)
		go func(s Sink) {
			defer r.inflight.Done()
			sctx, cancel := context.WithTimeout(base, r.sinkTimeout)
			defer cancel()
			if err := s.Publish(sctx, event); err != nil {
				r.metrics.SinkFailed()
				r.logger.Warn("failed to forward security event",
					zap.String("type", string(event.Type)),
					zap.String("id", event.ID),
					zap.Error(err),
				)
			}
		}(sink)
	}
}

func (r *Recorder) fail(event models.SecurityEvent, err error) {
	r.metrics.RecordFailed()
	r.logger.Error("failed to record security event",
		zap.String("type", string(event.Type)),
		zap.String("ip", event.IP),
		zap.Error(err),
	)
}

// Paths returns the general and critical partition paths.
func (r *Recorder) Paths() (general, critical string) {
	return r.general.path, r.critical.path
}

// Close waits for in-flight sink deliveries and closes both partitions.
func (r *Recorder) Close() error {
	r.lifecycle.Lock()
	if r.closed {
		r.lifecycle.Unlock()
		return nil
	}
	r.closed = true
	r.lifecycle.Unlock()

	r.inflight.Wait()
	return errors.Join(r.general.close(), r.critical.close())
}

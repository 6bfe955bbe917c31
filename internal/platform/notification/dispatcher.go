package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medx360/booking/internal/platform/metrics"
)

// DispatcherConfig sizes the dispatcher.
type DispatcherConfig struct {
	QueueSize      int
	Workers        int
	MaxAttempts    int
	RetryBackoff   time.Duration
	PublishTimeout time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:      256,
		Workers:        2,
		MaxAttempts:    3,
		RetryBackoff:   500 * time.Millisecond,
		PublishTimeout: 5 * time.Second,
	}
}

// Dispatcher queues events and publishes them from background workers.
// Enqueue never blocks; a full queue drops the event.
type Dispatcher struct {
	publisher Publisher
	cfg       DispatcherConfig
	logger    zerolog.Logger
	queue     chan Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(publisher Publisher, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Dispatcher{
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With().Str("component", "notification").Logger(),
		queue:     make(chan Event, cfg.QueueSize),
	}
}

// Start launches the workers. They drain the queue until Close.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for ev := range d.queue {
				d.deliver(ev)
			}
		}()
	}
}

// Enqueue hands ev to the workers and reports whether it was accepted.
func (d *Dispatcher) Enqueue(ev Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- ev:
		return true
	default:
		metrics.NotificationsDropped.Inc()
		d.logger.Warn().Str("event", string(ev.Type)).Str("booking_id", ev.BookingID).Msg("notification queue full, dropping event")
		return false
	}
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ev Event) {
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err = d.publishOnce(ev)
		if err == nil {
			metrics.RecordNotification(string(ev.Type), "sent")
			return
		}
		if attempt < d.cfg.MaxAttempts {
			time.Sleep(d.cfg.RetryBackoff * time.Duration(attempt))
		}
	}
	metrics.RecordNotification(string(ev.Type), "failed")
	d.logger.Error().Err(err).
		Str("event", string(ev.Type)).
		Str("booking_id", ev.BookingID).
		Int("attempts", d.cfg.MaxAttempts).
		Msg("notification delivery failed")
}

func (d *Dispatcher) publishOnce(ev Event) error {
	ctx := context.Background()
	if d.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.PublishTimeout)
		defer cancel()
	}
	return d.publisher.Publish(ctx, ev)
}

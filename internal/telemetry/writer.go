package telemetry

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/store"
)

// DefaultInterval bounds store writes per vehicle.
const DefaultInterval = 1800 * time.Millisecond

// Sink receives every document that was persisted, e.g. a message bus.
type Sink interface {
	PublishTelemetry(d Document) error
}

type Metrics interface {
	TelemetryWritten(err error)
}

// Writer persists the most recent document for one vehicle at most once per
// interval. Intermediate documents offered between writes are dropped. A
// failed write keeps the document pending and is retried one interval later.
type Writer struct {
	store    store.Store
	sink     Sink
	interval time.Duration
	metrics  Metrics

	mu      sync.Mutex
	pending *Document
	written uint64

	notify chan struct{}
}

func NewWriter(st store.Store, sink Sink, interval time.Duration, m Metrics) *Writer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Writer{
		store:    st,
		sink:     sink,
		interval: interval,
		metrics:  m,
		notify:   make(chan struct{}, 1),
	}
}

// Offer replaces the pending document. It never blocks.
func (w *Writer) Offer(d Document) {
	w.mu.Lock()
	w.pending = &d
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Written is the number of successful store writes.
func (w *Writer) Written() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Run writes until ctx is done, then makes one last attempt to persist a
// pending document.
func (w *Writer) Run(ctx context.Context) {
	var (
		last  time.Time
		timer *time.Timer
		fire  <-chan time.Time
	)
	arm := func(d time.Duration) {
		timer = time.NewTimer(d)
		fire = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		w.flush(fctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.notify:
			if fire != nil {
				continue
			}
			if wait := w.interval - time.Since(last); wait > 0 {
				arm(wait)
				continue
			}
			last = time.Now()
			if !w.flush(ctx) {
				arm(w.interval)
			}
		case <-fire:
			fire = nil
			last = time.Now()
			if !w.flush(ctx) {
				arm(w.interval)
			}
		}
	}
}

// flush writes the pending document, if any. It reports false when a write
// failed and the document is still pending.
func (w *Writer) flush(ctx context.Context) bool {
	w.mu.Lock()
	d := w.pending
	w.pending = nil
	w.mu.Unlock()
	if d == nil {
		return true
	}

	err := w.store.Put(ctx, d.VehicleID, d.Fields())
	if w.metrics != nil {
		w.metrics.TelemetryWritten(err)
	}
	if err != nil {
		log.WithField("vehicle", d.VehicleID).Warnf("telemetry write failed, retrying in %s: %v", w.interval, err)
		w.mu.Lock()
		if w.pending == nil {
			w.pending = d
		}
		w.mu.Unlock()
		return false
	}

	w.mu.Lock()
	w.written++
	w.mu.Unlock()
	if w.sink != nil {
		if err := w.sink.PublishTelemetry(*d); err != nil {
			log.WithField("vehicle", d.VehicleID).Warnf("telemetry publish failed: %v", err)
		}
	}
	return true
}

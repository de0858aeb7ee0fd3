package activity

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// Sink is the durable activity log the recorders write through to.
type Sink interface {
	AppendActivity(ctx context.Context, entry domain.ActivityEntry) error
}

// DispatcherConfig tunes the write-through worker pool.
type DispatcherConfig struct {
	Workers        int
	Buffer         int
	HandoffTimeout time.Duration
	SinkTimeout    time.Duration
}

// Dispatcher hands entries to a fixed pool of workers that call the sink.
// Recording never waits on the sink: when the buffer stays full for longer
// than the handoff timeout the entry is dropped from the durable log (it is
// still in the live feed).
type Dispatcher struct {
	sink   Sink
	logger *log.Logger
	cfg    DispatcherConfig

	jobs     chan domain.ActivityEntry
	workerWG sync.WaitGroup
	once     sync.Once
}

// NewDispatcher creates a dispatcher; call Start before Offer.
func NewDispatcher(sink Sink, logger *log.Logger, cfg DispatcherConfig) *Dispatcher {
	if sink == nil {
		panic("activity sink is required")
	}
	if logger == nil {
		panic("Logger is not initialized")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 30 * time.Second
	}
	return &Dispatcher{
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		jobs:   make(chan domain.ActivityEntry, cfg.Buffer),
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.workerWG.Add(1)
		go d.worker(i)
	}
	d.logger.Infof("activity dispatcher started, workers: %d, buffer: %d, handoff: %v", d.cfg.Workers, d.cfg.Buffer, d.cfg.HandoffTimeout)
}

// Close stops accepting entries and waits for queued ones to drain.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.jobs)
	})
	d.workerWG.Wait()
}

func (d *Dispatcher) worker(id int) {
	defer d.workerWG.Done()
	for entry := range d.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SinkTimeout)
		err := d.sink.AppendActivity(ctx, entry)
		cancel()
		if err != nil {
			d.logger.WithError(err).WithFields(log.Fields{
				"board":  entry.BoardID,
				"seq":    entry.Seq,
				"kind":   entry.Kind(),
				"worker": id,
			}).Error("activity write-through failed")
		}
	}
}

// Offer queues entry for the sink and reports whether it was accepted.
func (d *Dispatcher) Offer(entry domain.ActivityEntry) bool {
	if ok, closed := trySendNonBlocking(d.jobs, entry); closed {
		return false
	} else if ok {
		return true
	}

	if d.cfg.HandoffTimeout <= 0 {
		d.dropped(entry)
		return false
	}

	timer := time.NewTimer(d.cfg.HandoffTimeout)
	defer timer.Stop()

	ok, closed := sendWithTimer(d.jobs, entry, timer.C)
	if !ok && !closed {
		d.dropped(entry)
	}
	return ok
}

func (d *Dispatcher) dropped(entry domain.ActivityEntry) {
	d.logger.WithFields(log.Fields{"board": entry.BoardID, "seq": entry.Seq}).Warn("activity buffer saturated; entry not written through")
}

func trySendNonBlocking(ch chan domain.ActivityEntry, entry domain.ActivityEntry) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- entry:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan domain.ActivityEntry, entry domain.ActivityEntry, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- entry:
		return true, false
	case <-timer:
		return false, false
	}
}

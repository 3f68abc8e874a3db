package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"workstream/items-api/domain"
)

// FeedOptions sizes the change feed worker pool.
type FeedOptions struct {
	Workers        int
	Buffer         int
	PublishTimeout time.Duration
	HandoffTimeout time.Duration
}

// FeedWorkers delivers change events to SSE subscribers and the downstream
// feed off the request path. When the buffer stays full past the handoff
// timeout, the event is delivered inline instead.
type FeedWorkers struct {
	feed   Publisher
	broker *Broker
	logger *log.Logger

	jobs           chan domain.ChangeEvent
	publishTimeout time.Duration
	handoffTimeout time.Duration

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewFeedWorkers starts opts.Workers goroutines. feed and broker may be nil.
// With zero workers every event is delivered inline.
func NewFeedWorkers(feed Publisher, broker *Broker, opts FeedOptions, logger *log.Logger) *FeedWorkers {
	if logger == nil {
		panic("Logger is not initialized")
	}
	w := &FeedWorkers{
		feed:           feed,
		broker:         broker,
		logger:         logger,
		publishTimeout: opts.PublishTimeout,
		handoffTimeout: opts.HandoffTimeout,
	}
	if opts.Workers > 0 {
		buf := opts.Buffer
		if buf < 0 {
			buf = 0
		}
		w.jobs = make(chan domain.ChangeEvent, buf)
		for i := 0; i < opts.Workers; i++ {
			w.wg.Add(1)
			go w.work(i)
		}
	}
	logger.Infof("feed workers started, workers: %d, buffer: %d, timeout: %v, handoff: %v",
		opts.Workers, opts.Buffer, opts.PublishTimeout, opts.HandoffTimeout)
	return w
}

// Publish hands ev to a worker, falling back to inline delivery when the
// pool is saturated or stopped.
func (w *FeedWorkers) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	if w.tryEnqueue(ev) {
		return nil
	}
	if w.jobs != nil {
		w.logger.WithField("event", ev.Type).Warn("feed buffer saturated; publishing inline")
	}
	return w.deliver(context.WithoutCancel(ctx), ev)
}

// Close stops accepting events and waits for queued ones to drain.
func (w *FeedWorkers) Close() {
	w.closeOnce.Do(func() {
		if w.jobs != nil {
			close(w.jobs)
		}
	})
	w.wg.Wait()
}

func (w *FeedWorkers) work(id int) {
	defer w.wg.Done()
	for ev := range w.jobs {
		if err := w.deliver(context.Background(), ev); err != nil {
			w.logger.Errorf("feed publish failed, err: %v, event: %s, item: %s, worker: %d", err, ev.Type, ev.ItemID, id)
		}
	}
}

func (w *FeedWorkers) deliver(ctx context.Context, ev domain.ChangeEvent) error {
	if w.broker != nil {
		w.broker.Notify()
	}
	if w.feed == nil {
		return nil
	}
	if w.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.publishTimeout)
		defer cancel()
	}
	return w.feed.Publish(ctx, ev)
}

func (w *FeedWorkers) tryEnqueue(ev domain.ChangeEvent) bool {
	if w.jobs == nil {
		return false
	}

	if ok, closed := trySendNonBlocking(w.jobs, ev); closed {
		return false
	} else if ok {
		return true
	}

	if w.handoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(w.handoffTimeout)
	defer timer.Stop()

	ok, closed := sendWithTimer(w.jobs, ev, timer.C)
	if closed {
		return false
	}
	return ok
}

func trySendNonBlocking(ch chan domain.ChangeEvent, ev domain.ChangeEvent) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- ev:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan domain.ChangeEvent, ev domain.ChangeEvent, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- ev:
		return true, false
	case <-timer:
		return false, false
	}
}

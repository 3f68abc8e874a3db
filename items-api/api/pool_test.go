package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"workstream/items-api/domain"
)

type recordingFeed struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
	err    error
	block  chan struct{}
}

func (f *recordingFeed) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

func (f *recordingFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// newIdleWorkers builds a pool with a job channel but no goroutines so tests
// control the buffer directly.
func newIdleWorkers(t *testing.T, buf int, handoff time.Duration) *FeedWorkers {
	t.Helper()
	logger, _ := test.NewNullLogger()
	w := NewFeedWorkers(nil, nil, FeedOptions{}, logger)
	w.jobs = make(chan domain.ChangeEvent, buf)
	w.handoffTimeout = handoff
	return w
}

func TestTryEnqueueWaitsForCapacity(t *testing.T) {
	w := newIdleWorkers(t, 1, 50*time.Millisecond)
	w.jobs <- domain.ChangeEvent{}

	done := make(chan bool, 1)
	go func() {
		done <- w.tryEnqueue(domain.ChangeEvent{ItemID: "x"})
	}()

	select {
	case <-done:
		t.Fatal("tryEnqueue returned before capacity was freed")
	case <-time.After(20 * time.Millisecond):
	}

	<-w.jobs

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected successful enqueue after capacity freed")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for enqueue completion")
	}
}

func TestTryEnqueueTimesOut(t *testing.T) {
	w := newIdleWorkers(t, 1, 30*time.Millisecond)
	w.jobs <- domain.ChangeEvent{}

	if w.tryEnqueue(domain.ChangeEvent{}) {
		t.Fatal("expected enqueue to fail when timeout elapsed")
	}
	select {
	case <-w.jobs:
	default:
		t.Fatal("expected channel to remain full after timeout")
	}
}

func TestTryEnqueueNoWaitWhenZeroTimeout(t *testing.T) {
	w := newIdleWorkers(t, 1, 0)
	w.jobs <- domain.ChangeEvent{}

	start := time.Now()
	if w.tryEnqueue(domain.ChangeEvent{}) {
		t.Fatal("expected enqueue to fail immediately")
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Fatal("expected no wait with zero handoff timeout")
	}
}

func TestTryEnqueueReturnsFalseWhenClosed(t *testing.T) {
	w := newIdleWorkers(t, 0, 0)
	close(w.jobs)

	if w.tryEnqueue(domain.ChangeEvent{}) {
		t.Fatal("expected enqueue to fail when channel is closed")
	}
}

func TestWorkersDeliverToFeedAndBroker(t *testing.T) {
	logger, _ := test.NewNullLogger()
	feed := &recordingFeed{}
	broker := NewBroker()
	sub := broker.subscribe()
	defer broker.unsubscribe(sub)

	w := NewFeedWorkers(feed, broker, FeedOptions{Workers: 2, Buffer: 4, PublishTimeout: time.Second}, logger)
	for i := 0; i < 3; i++ {
		if err := w.Publish(context.Background(), domain.ChangeEvent{Type: domain.EventItemCreated, ItemID: "x"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	w.Close()

	if got := feed.count(); got != 3 {
		t.Fatalf("expected 3 delivered events, got %d", got)
	}
	select {
	case <-sub:
	default:
		t.Fatal("expected broker subscriber to be woken")
	}
}

func TestSaturatedPoolPublishesInline(t *testing.T) {
	logger, hook := test.NewNullLogger()
	feed := &recordingFeed{block: make(chan struct{})}
	w := NewFeedWorkers(feed, nil, FeedOptions{Workers: 1, Buffer: 0, HandoffTimeout: 5 * time.Millisecond}, logger)

	// The single worker takes the first event and blocks on the feed.
	first := make(chan error, 1)
	go func() { first <- w.Publish(context.Background(), domain.ChangeEvent{ItemID: "1"}) }()
	if err := <-first; err != nil {
		t.Fatalf("first publish: %v", err)
	}

	inline := make(chan error, 1)
	go func() { inline <- w.Publish(context.Background(), domain.ChangeEvent{ItemID: "2"}) }()

	deadline := time.After(time.Second)
	for {
		if entry := hook.LastEntry(); entry != nil && entry.Message == "feed buffer saturated; publishing inline" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected saturation warning")
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(feed.block)
	if err := <-inline; err != nil {
		t.Fatalf("inline publish: %v", err)
	}
	w.Close()
	if got := feed.count(); got != 2 {
		t.Fatalf("expected both events delivered, got %d", got)
	}
}

func TestInlineDeliveryReturnsFeedError(t *testing.T) {
	logger, _ := test.NewNullLogger()
	boom := errors.New("queue down")
	w := NewFeedWorkers(&recordingFeed{err: boom}, nil, FeedOptions{}, logger)
	if err := w.Publish(context.Background(), domain.ChangeEvent{}); !errors.Is(err, boom) {
		t.Fatalf("expected feed error inline, got %v", err)
	}
}

func TestPublishAfterCloseFallsBackInline(t *testing.T) {
	logger, _ := test.NewNullLogger()
	feed := &recordingFeed{}
	w := NewFeedWorkers(feed, nil, FeedOptions{Workers: 1, Buffer: 1}, logger)
	w.Close()
	w.Close()

	if err := w.Publish(context.Background(), domain.ChangeEvent{}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
	if feed.count() != 1 {
		t.Fatalf("expected inline delivery after close, got %d", feed.count())
	}
}

func TestNewFeedWorkersRequiresLogger(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic without logger")
		}
	}()
	NewFeedWorkers(nil, nil, FeedOptions{}, nil)
}

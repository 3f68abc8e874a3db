package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"workstream/items-api/domain"
)

// Broker wakes SSE subscribers when items change. Notifications coalesce:
// a subscriber that has not yet re-read the list gets one wake-up, not many.
type Broker struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

// NewBroker returns a broker with no subscribers.
func NewBroker() *Broker {
	return &Broker{subs: make(map[chan struct{}]struct{})}
}

func (b *Broker) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) unsubscribe(ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// Notify wakes every subscriber.
func (b *Broker) Notify() {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// FollowRedis notifies subscribers for every message on channel, so changes
// made through other instances reach this one's streams. It blocks until ctx
// is done.
func (b *Broker) FollowRedis(ctx context.Context, client *redis.Client, channel string, logger *log.Logger) error {
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	logger.Infof("following change feed on redis channel %s", channel)
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-msgs:
			if !ok {
				return nil
			}
			b.Notify()
		}
	}
}

func streamItems(svc ItemService, broker *Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")

		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "stream unsupported"})
		}

		ctx := c.Request().Context()
		ch := broker.subscribe()
		defer broker.unsubscribe(ch)

		for {
			list, err := svc.List(ctx, domain.AllItems())
			if err != nil {
				if !c.Response().Committed {
					c.Response().Header().Del(echo.HeaderContentType)
					return writeError(c, "stream_list", err)
				}
				metricsFrom(c).Fail("stream_list", err)
				c.Logger().Error(err)
				return nil
			}
			if list == nil {
				list = []domain.Item{}
			}
			data, err := sonic.ConfigStd.Marshal(list)
			if err != nil {
				c.Logger().Error(err)
				return err
			}
			if err := writeEvent(c.Response(), data); err != nil {
				c.Logger().Error(err)
				return nil
			}
			flusher.Flush()
			metricsFrom(c).SetItemsReturned(len(list))

			select {
			case <-ctx.Done():
				return nil
			case <-ch:
			}
		}
	}
}

func writeEvent(w *echo.Response, data []byte) error {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}

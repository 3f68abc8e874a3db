package main

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"workstream/items-api/domain"
	"workstream/items-api/storage"
)

type queuedMessage struct {
	ID         string
	PopReceipt string
	Text       string
}

type messageQueue interface {
	Receive(ctx context.Context, max int32) ([]queuedMessage, error)
	Delete(ctx context.Context, msg queuedMessage) error
}

type azureQueue struct {
	client     *azqueue.QueueClient
	visibility int32
}

func (q azureQueue) Receive(ctx context.Context, max int32) ([]queuedMessage, error) {
	resp, err := q.client.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  &max,
		VisibilityTimeout: &q.visibility,
	})
	if err != nil {
		return nil, err
	}
	out := make([]queuedMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || m.MessageID == nil || m.PopReceipt == nil {
			continue
		}
		msg := queuedMessage{ID: *m.MessageID, PopReceipt: *m.PopReceipt}
		if m.MessageText != nil {
			msg.Text = *m.MessageText
		}
		out = append(out, msg)
	}
	return out, nil
}

func (q azureQueue) Delete(ctx context.Context, msg queuedMessage) error {
	_, err := q.client.DeleteMessage(ctx, msg.ID, msg.PopReceipt, nil)
	return err
}

type cacheInvalidator interface {
	Invalidate(ctx context.Context, ids ...string) error
}

type redisInvalidator struct {
	client *redis.Client
}

func (r redisInvalidator) Invalidate(ctx context.Context, ids ...string) error {
	return storage.Invalidate(ctx, r.client, ids...)
}

// touchedIDs lists the items whose cached state an event invalidates: the
// item itself and the parents whose children count it changed.
func touchedIDs(ev domain.ChangeEvent) []string {
	ids := []string{ev.ItemID}
	if ev.ParentID != nil {
		ids = append(ids, *ev.ParentID)
	}
	if ev.PreviousParentID != nil {
		ids = append(ids, *ev.PreviousParentID)
	}
	return ids
}

// processEvent invalidates cached copies of the touched items and rebroadcasts
// the raw payload to SSE instances. A failed invalidation is returned so the
// message is retried; a failed broadcast is only logged.
func processEvent(ctx context.Context, logger *log.Logger, cache cacheInvalidator, rc *redis.Client, channel string, ev domain.ChangeEvent, payload string) error {
	if cache != nil {
		if err := cache.Invalidate(ctx, touchedIDs(ev)...); err != nil {
			return err
		}
	}
	if rc != nil && channel != "" {
		if err := rc.Publish(ctx, channel, payload).Err(); err != nil {
			logger.WithError(err).WithFields(log.Fields{"event": ev.Type, "item_id": ev.ItemID, "channel": channel}).Error("unable to publish change event")
		}
	}
	return nil
}

type relay struct {
	queue        messageQueue
	cache        cacheInvalidator
	redis        *redis.Client
	channel      string
	batch        int32
	pollInterval time.Duration
	logger       *log.Logger
}

// drain handles one batch and reports how many messages were received.
// Malformed messages are deleted; messages whose invalidation failed stay
// queued and reappear after the visibility timeout.
func (r *relay) drain(ctx context.Context) (int, error) {
	msgs, err := r.queue.Receive(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		ev, err := storage.DecodeChangeEvent([]byte(msg.Text))
		if err != nil {
			r.logger.WithError(err).WithField("message_id", msg.ID).Warn("dropping malformed change event")
		} else if err := processEvent(ctx, r.logger, r.cache, r.redis, r.channel, ev, msg.Text); err != nil {
			r.logger.WithError(err).WithFields(log.Fields{"event": ev.Type, "item_id": ev.ItemID}).Error("change event not applied")
			continue
		}
		if err := r.queue.Delete(ctx, msg); err != nil {
			r.logger.WithError(err).WithField("message_id", msg.ID).Error("delete message")
		}
	}
	return len(msgs), nil
}

// run drains the queue until ctx is done, sleeping between empty polls.
func (r *relay) run(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := r.drain(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Errorf("receive: %v", err)
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(r.pollInterval):
		}
	}
}

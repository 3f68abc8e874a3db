package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"workstream/items-api/domain"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueFeed publishes change events as Azure Storage queue messages.
type QueueFeed struct {
	queue queueClient
}

func queueClientOptions() *azqueue.ClientOptions {
	return &azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

// NewQueueFeed creates a QueueFeed for the named queue.
func NewQueueFeed(connStr, queue string) (*QueueFeed, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queue, queueClientOptions())
	if err != nil {
		return nil, err
	}
	return &QueueFeed{queue: q}, nil
}

func (f *QueueFeed) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = f.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// RedisFeed publishes change events on a Redis pub/sub channel.
type RedisFeed struct {
	redis   *redis.Client
	channel string
}

// NewRedisFeed creates a RedisFeed publishing to channel.
func NewRedisFeed(client *redis.Client, channel string) *RedisFeed {
	return &RedisFeed{redis: client, channel: channel}
}

func (f *RedisFeed) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return err
	}
	return f.redis.Publish(ctx, f.channel, data).Err()
}

// Channel returns the pub/sub channel name.
func (f *RedisFeed) Channel() string {
	return f.channel
}

// Publisher is satisfied by every feed in this package.
type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}

// Fanout publishes to every feed and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DecodeChangeEvent parses a feed payload.
func DecodeChangeEvent(data []byte) (domain.ChangeEvent, error) {
	var ev domain.ChangeEvent
	err := sonic.ConfigStd.Unmarshal(data, &ev)
	return ev, err
}

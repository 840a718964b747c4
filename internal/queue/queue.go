// Package queue implements the best-effort queue publisher fanning
// datagrams out to downstream consumers over redis, either as list
// appends, pubsub publishes, or both. Delivery to subscribers is the
// queue's concern, not the relay's; sustained unavailability degrades the
// relay to storage-only operation.
package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gmax-telemetry/relay/internal/config"
)

// Target names the queue destinations of one feed type.
type Target struct {
	// List is the redis list key appended to (RPUSH), empty to skip.
	List string
	// Channel is the redis pubsub channel published to, empty to skip.
	Channel string
}

// Publisher is a fire-and-forget sink for datagrams. Publish failures are
// reported to the caller for accounting but must never be treated as
// fatal.
type Publisher interface {
	// Connect eagerly establishes the connection. A failure here is not
	// fatal: Publish reconnects lazily.
	Connect(ctx context.Context) error

	// Publish delivers one payload to the target, retrying within the
	// bounds of ctx.
	Publish(ctx context.Context, target Target, payload []byte) error

	Close(ctx context.Context) error
}

// New returns a Publisher for the given configuration. Mode "none" yields
// a no-op publisher. The REDIS_PASSWD environment variable, when set,
// overrides the password component of the URL.
func New(conf config.Queue, logger *zap.Logger) (Publisher, error) {
	if conf.Mode == "none" {
		return Noop{}, nil
	}

	opts, err := redis.ParseURL(conf.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queue url: %w", err)
	}
	if passwd := os.Getenv("REDIS_PASSWD"); passwd != "" {
		opts.Password = passwd
	}

	useList := conf.Mode == "list" || conf.Mode == "both"
	usePubSub := conf.Mode == "pubsub" || conf.Mode == "both"
	if !useList && !usePubSub {
		return nil, fmt.Errorf("queue mode '%v' is not recognised", conf.Mode)
	}

	return &redisPublisher{
		log:        logger,
		opts:       opts,
		useList:    useList,
		usePubSub:  usePubSub,
		maxRetries: uint64(conf.MaxRetries),
	}, nil
}

//------------------------------------------------------------------------------

type redisPublisher struct {
	log        *zap.Logger
	opts       *redis.Options
	useList    bool
	usePubSub  bool
	maxRetries uint64

	connMut sync.RWMutex
	client  *redis.Client
}

func (r *redisPublisher) Connect(ctx context.Context) error {
	_, err := r.connectedClient(ctx)
	return err
}

func (r *redisPublisher) connectedClient(ctx context.Context) (*redis.Client, error) {
	r.connMut.RLock()
	client := r.client
	r.connMut.RUnlock()
	if client != nil {
		return client, nil
	}

	r.connMut.Lock()
	defer r.connMut.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	client = redis.NewClient(r.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to queue backend: %w", err)
	}
	r.client = client
	return client, nil
}

// disconnect drops the client so the next publish dials afresh.
func (r *redisPublisher) disconnect() {
	r.connMut.Lock()
	defer r.connMut.Unlock()
	if r.client != nil {
		_ = r.client.Close()
		r.client = nil
	}
}

func (r *redisPublisher) Publish(ctx context.Context, target Target, payload []byte) error {
	list := target.List
	if !r.useList {
		list = ""
	}
	channel := target.Channel
	if !r.usePubSub {
		channel = ""
	}
	if list == "" && channel == "" {
		return nil
	}

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = time.Millisecond * 50
	boff.MaxInterval = time.Millisecond * 500
	boff.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		client, err := r.connectedClient(ctx)
		if err != nil {
			return err
		}
		if err := r.send(ctx, client, list, channel, payload); err != nil {
			r.disconnect()
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(boff, r.maxRetries), ctx))
}

func (r *redisPublisher) send(ctx context.Context, client *redis.Client, list, channel string, payload []byte) error {
	if list != "" && channel != "" {
		pipe := client.Pipeline()
		pipe.RPush(ctx, list, payload)
		pipe.Publish(ctx, channel, payload)
		_, err := pipe.Exec(ctx)
		return err
	}
	if list != "" {
		return client.RPush(ctx, list, payload).Err()
	}
	return client.Publish(ctx, channel, payload).Err()
}

func (r *redisPublisher) Close(context.Context) error {
	r.disconnect()
	return nil
}

//------------------------------------------------------------------------------

// Noop discards all publishes. Used when the relay runs storage-only.
type Noop struct{}

// Connect does nothing.
func (Noop) Connect(context.Context) error { return nil }

// Publish discards the payload.
func (Noop) Publish(context.Context, Target, []byte) error { return nil }

// Close does nothing.
func (Noop) Close(context.Context) error { return nil }

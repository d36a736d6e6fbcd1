package remote

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "chat:messages:"

// RedisPublisher publishes change payloads on chat:messages:<conversation id>.
// It is attached to the PostgreSQL writer with WithPublisher.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPublisher constructs a publisher. An empty prefix selects "chat:messages:".
func NewRedisPublisher(client redis.UniversalClient, prefix string) (*RedisPublisher, error) {
	if client == nil {
		return nil, errors.New("remote: nil redis client")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}, nil
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, conversationID string, payload []byte) error {
	return p.client.Publish(ctx, p.prefix+conversationID, payload).Err()
}

// NewRedisFeed returns a Feed that SUBSCRIBEs to each conversation's channel.
//
// Pub/sub is fire-and-forget: anything published while the subscription is being
// re-established is lost, which the Feed reports as EventResumed.
func NewRedisFeed(log *slog.Logger, client redis.UniversalClient, prefix string, opts ...FeedOption) (*Feed, error) {
	if client == nil {
		return nil, errors.New("remote: nil redis client")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	l := &redisListener{client: client, prefix: prefix}
	return NewFeed(log, "redis", l.listen, opts...)
}

type redisListener struct {
	client redis.UniversalClient
	prefix string
}

func (l *redisListener) listen(ctx context.Context, conversationID string, sink *FeedSink) error {
	ps := l.client.Subscribe(ctx, l.prefix+conversationID)
	defer func() { _ = ps.Close() }()

	// The first reply confirms the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	sink.Ready()

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		sink.Deliver([]byte(msg.Payload))
	}
}

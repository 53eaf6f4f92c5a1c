package collab

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// cross-instance fan-out. when the service runs as more than one process,
// each room publishes its update/awareness/reset frames to the relay and
// merges frames published by the other instances. single-node deployments
// run with a nil relay.
type Relay interface {
	Publish(ctx context.Context, docId DocumentId, payload []byte) error
	Subscribe(ctx context.Context, docId DocumentId, handler func(payload []byte)) (func(), error)
}

type RedisRelay struct {
	client *redis.Client
}

func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{
		client: client,
	}
}

func relayChannel(docId DocumentId) string {
	return fmt.Sprintf("room:%s", docId)
}

func (self *RedisRelay) Publish(ctx context.Context, docId DocumentId, payload []byte) error {
	return self.client.Publish(ctx, relayChannel(docId), payload).Err()
}

func (self *RedisRelay) Subscribe(ctx context.Context, docId DocumentId, handler func(payload []byte)) (func(), error) {
	pubsub := self.client.Subscribe(ctx, relayChannel(docId))
	// force the subscription to be established before returning
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(message.Payload))
			}
		}
	}()

	unsubscribe := func() {
		if err := pubsub.Close(); err != nil {
			glog.Infof("[relay]%s close failed: %s\n", docId, err)
		}
	}
	return unsubscribe, nil
}

func (self *RedisRelay) Ping(ctx context.Context) error {
	return self.client.Ping(ctx).Err()
}

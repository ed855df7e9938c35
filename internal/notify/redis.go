package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisPublisher publishes events on a Redis channel so that every API
// replica running a Relay forwards them to its own WebSocket clients.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Name, err)
	}
	return nil
}

// Relay subscribes to the events channel and feeds a local hub.
type Relay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	log     logrus.FieldLogger
}

func NewRelay(client *redis.Client, channel string, hub *Hub, log logrus.FieldLogger) *Relay {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Relay{client: client, channel: channel, hub: hub, log: log.WithField("channel", channel)}
}

// Run blocks until ctx is done or the subscription fails. ready, if not
// nil, is closed once the subscription is confirmed.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	r.log.Info("notification relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !json.Valid([]byte(msg.Payload)) {
				r.log.Warn("discarding malformed event payload")
				continue
			}
			r.hub.publishRaw([]byte(msg.Payload))
		}
	}
}

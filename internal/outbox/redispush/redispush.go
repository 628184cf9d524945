// Copyright 2025 James Ross
// Package redispush is an alternate PushNotificationListener backed by Redis
// Pub/Sub, for deployments that front Postgres with a Redis fan-out instead
// of relying on LISTEN/NOTIFY directly (§4.9 optional collaborator).
package redispush

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Listener relays messages on a Redis channel as opaque wake-up signals.
// The emitter side is expected to PUBLISH the new record's id after every
// commit (e.g. from a middleware afterProcess hook or a sidecar trigger);
// the core here never parses the payload.
type Listener struct {
	client  *redis.Client
	channel string

	pubsub *redis.PubSub
	events chan string
	cancel context.CancelFunc
}

// New builds a Listener against a Redis server at addr, subscribing to
// channel once Connect is called.
func New(addr, channel string) *Listener {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return &Listener{client: client, channel: channel}
}

// Connect subscribes and starts relaying messages until ctx is cancelled or
// Disconnect is called.
func (l *Listener) Connect(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.pubsub = l.client.Subscribe(runCtx, l.channel)
	l.events = make(chan string, 64)

	go l.relay(runCtx)
	return nil
}

func (l *Listener) relay(ctx context.Context) {
	defer close(l.events)
	ch := l.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case l.events <- msg.Payload:
			default:
			}
		}
	}
}

// Disconnect unsubscribes and closes the underlying Redis client.
func (l *Listener) Disconnect() error {
	if l.cancel != nil {
		l.cancel()
	}
	if l.pubsub != nil {
		_ = l.pubsub.Close()
	}
	return l.client.Close()
}

// Events returns the channel of opaque wake-up payloads.
func (l *Listener) Events() <-chan string {
	return l.events
}

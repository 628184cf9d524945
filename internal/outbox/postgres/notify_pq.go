// Copyright 2025 James Ross
package postgres

import (
	"context"
	"time"

	"github.com/lib/pq"
)

// NotifyListener is the lib/pq-backed PushNotificationListener (§4.9, §6.2):
// it subscribes to the `inbox_outbox_event` channel that the schema's AFTER
// INSERT trigger emits on, translating pq.Notification events into the
// core's opaque wake-up signals.
type NotifyListener struct {
	dsn     string
	channel string
	minWait time.Duration
	maxWait time.Duration

	listener *pq.Listener
	events   chan string
}

// NewNotifyListener builds a NotifyListener that has not yet connected.
func NewNotifyListener(dsn, channel string, minWait, maxWait time.Duration) *NotifyListener {
	if minWait <= 0 {
		minWait = time.Second
	}
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &NotifyListener{dsn: dsn, channel: channel, minWait: minWait, maxWait: maxWait}
}

// Connect opens the LISTEN connection and starts relaying notifications.
func (n *NotifyListener) Connect(ctx context.Context) error {
	n.events = make(chan string, 64)
	listener := pq.NewListener(n.dsn, n.minWait, n.maxWait, func(ev pq.ListenerEventType, err error) {
		// pq logs connection-state transitions through this callback; errors
		// here are non-fatal, the listener itself keeps retrying.
	})
	if err := listener.Listen(n.channel); err != nil {
		return err
	}
	n.listener = listener

	go n.relay(ctx)
	return nil
}

func (n *NotifyListener) relay(ctx context.Context) {
	defer close(n.events)
	for {
		select {
		case <-ctx.Done():
			return
		case notice, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			if notice == nil {
				// nil notification means pq dropped the connection and is
				// reconnecting; it carries no payload, so nothing is relayed.
				continue
			}
			select {
			case n.events <- notice.Extra:
			default:
				// a full buffer means a tick is already pending; dropping
				// this one is fine, the poller still wakes up.
			}
		}
	}
}

// Disconnect closes the underlying pq.Listener.
func (n *NotifyListener) Disconnect() error {
	if n.listener == nil {
		return nil
	}
	return n.listener.Close()
}

// Events returns the channel of opaque wake-up payloads.
func (n *NotifyListener) Events() <-chan string {
	return n.events
}

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/pkgshift/pkg/dispatch"
)

// publishTimeout bounds a single PUBLISH issued by the Publisher.
const publishTimeout = 2 * time.Second

// Publisher forwards dispatcher events to the namespace's dispatch_events
// channel. Record never blocks: when the buffer is full the event is dropped
// and counted. Publisher implements dispatch.EventSink.
type Publisher struct {
	client *Client
	events chan dispatch.Event

	dropped atomic.Int64
	once    sync.Once
	done    chan struct{}
}

// NewPublisher starts a publisher with room for buffer pending events.
func (c *Client) NewPublisher(buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	p := &Publisher{
		client: c,
		events: make(chan dispatch.Event, buffer),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Record queues ev for publishing.
func (p *Publisher) Record(ev dispatch.Event) {
	select {
	case p.events <- ev:
	default:
		if p.dropped.Add(1) == 1 {
			p.client.logger.Warn("[Ledger] event buffer full, dropping dispatch events")
		}
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Close publishes what is still buffered and stops the publisher. Record must
// not be called after Close. Safe to call multiple times.
func (p *Publisher) Close() error {
	p.once.Do(func() { close(p.events) })
	<-p.done
	return nil
}

func (p *Publisher) run() {
	defer close(p.done)

	channel := DispatchEventsChannel(p.client.namespace)
	for ev := range p.events {
		payload, err := json.Marshal(ev)
		if err != nil {
			p.client.logger.Error("[Ledger] failed to marshal dispatch event", slog.String("error", err.Error()))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = p.client.rdb.Publish(ctx, channel, payload).Err()
		cancel()
		if err != nil {
			p.client.logger.Warn("[Ledger] failed to publish dispatch event",
				slog.String("job", ev.Job.String()),
				slog.String("error", err.Error()))
		}
	}
}

// Subscription is an active Pub/Sub subscription to dispatch events.
// Caller must call Close when done.
type Subscription struct {
	events <-chan *dispatch.Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of dispatch events. It is closed when the
// subscription is closed or its context is cancelled.
func (s *Subscription) Events() <-chan *dispatch.Event {
	return s.events
}

// Errors returns the channel of non-fatal subscription errors; the offending
// message is skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Implements io.Closer.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeDispatchEvents subscribes to job transitions in this namespace.
// Delivery is at-most-once: a slow subscriber may miss events.
func (c *Client) SubscribeDispatchEvents(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, DispatchEventsChannel(c.namespace))
	// Receive waits for the subscription confirmation so that no event
	// published after this call returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to dispatch events: %w", err)
	}

	eventsChan := make(chan *dispatch.Event, 64)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev dispatch.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal dispatch event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fhirguard/fhirguard/internal/platform/websocket"
)

// Notifier pushes task state changes to interested clients.
type Notifier interface {
	Notify(ctx context.Context, s Status) error
}

// NotifyFunc adapts a function to Notifier.
type NotifyFunc func(ctx context.Context, s Status) error

// Notify implements Notifier.
func (f NotifyFunc) Notify(ctx context.Context, s Status) error { return f(ctx, s) }

// NopNotifier drops every notification.
var NopNotifier Notifier = NotifyFunc(func(context.Context, Status) error { return nil })

// Fanout delivers each notification to every non-nil notifier in order and
// returns the first error.
func Fanout(notifiers ...Notifier) Notifier {
	var targets []Notifier
	for _, n := range notifiers {
		if n != nil {
			targets = append(targets, n)
		}
	}
	return NotifyFunc(func(ctx context.Context, s Status) error {
		var first error
		for _, n := range targets {
			if err := n.Notify(ctx, s); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// EventType maps a task state to the push event type.
func EventType(s State) string {
	switch s {
	case StateSuccess:
		return websocket.EventCompleted
	case StateFailure:
		return websocket.EventFailed
	default:
		return websocket.EventProgress
	}
}

// HubNotifier delivers task updates to WebSocket clients subscribed to the
// task id.
type HubNotifier struct {
	publisher websocket.EventPublisher
}

// NewHubNotifier creates a HubNotifier over publisher.
func NewHubNotifier(publisher websocket.EventPublisher) *HubNotifier {
	return &HubNotifier{publisher: publisher}
}

// Notify implements Notifier.
func (n *HubNotifier) Notify(ctx context.Context, s Status) error {
	ev, err := toEvent(s)
	if err != nil {
		return err
	}
	return n.publisher.Publish(ctx, ev)
}

func toEvent(s Status) (websocket.Event, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return websocket.Event{}, fmt.Errorf("encode event for %s: %w", s.TaskID, err)
	}
	return websocket.Event{
		Type:      EventType(s.State),
		Topic:     s.TaskID,
		Timestamp: s.UpdatedAt,
		Data:      data,
	}, nil
}

// Snapshot returns a websocket.SnapshotFunc serving the stored state of a
// task to clients that subscribe after it started.
func Snapshot(store Store) websocket.SnapshotFunc {
	return func(ctx context.Context, topic string) (websocket.Event, bool) {
		s, err := store.Get(ctx, topic)
		if err != nil {
			return websocket.Event{}, false
		}
		ev, err := toEvent(*s)
		return ev, err == nil
	}
}

// RedisNotifier publishes task updates on a Redis channel so that a Relay in
// the API process can forward them to its hub.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// EventsChannel is the pub/sub channel used for task updates under prefix.
func EventsChannel(prefix string) string {
	return prefix + ":events"
}

// NewRedisNotifier creates a RedisNotifier on the events channel of prefix.
func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: EventsChannel(prefix)}
}

// Notify implements Notifier.
func (n *RedisNotifier) Notify(ctx context.Context, s Status) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", s.TaskID, err)
	}
	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event for %s: %w", s.TaskID, err)
	}
	return nil
}

// Relay forwards task updates published by out-of-process workers to a local
// Notifier.
type Relay struct {
	client  *redis.Client
	channel string
	target  Notifier
	logger  zerolog.Logger
}

// NewRelay creates a Relay from the events channel of prefix to target.
func NewRelay(client *redis.Client, prefix string, target Notifier, logger zerolog.Logger) *Relay {
	return &Relay{
		client:  client,
		channel: EventsChannel(prefix),
		target:  target,
		logger:  logger.With().Str("component", "relay").Logger(),
	}
}

// Run subscribes and forwards messages until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info().Str("channel", r.channel).Msg("relaying job events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(ctx, msg.Payload)
		}
	}
}

func (r *Relay) forward(ctx context.Context, payload string) {
	var s Status
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed job event")
		return
	}
	if err := r.target.Notify(ctx, s); err != nil {
		r.logger.Warn().Err(err).Str("task_id", s.TaskID).Msg("relay notify failed")
	}
}

var (
	_ Notifier = (*HubNotifier)(nil)
	_ Notifier = (*RedisNotifier)(nil)
)

// Package bus is the in-process message fabric between the task engine,
// the subscription handler and the websocket surfaces. Delivery is
// per-subscription FIFO over a buffered queue; a slow consumer loses
// messages instead of stalling the publisher.
package bus

import (
	"encoding/json"
	"sync"

	"github.com/corekeeper/ckcore/internal/logging"
	"github.com/corekeeper/ckcore/internal/metrics"
)

// Kind discriminates the message envelope.
type Kind string

const (
	KindEvent       Kind = "event"
	KindAction      Kind = "action"
	KindActionDone  Kind = "action_done"
	KindActionError Kind = "action_error"
)

// Wildcard subscribes a queue to every message type.
const Wildcard = "*"

// DefaultQueueSize bounds a subscription queue.
const DefaultQueueSize = 512

// Message is the wire envelope. MessageType is the routing topic; the
// kind-specific payload travels in Data.
type Message struct {
	Kind        Kind            `json:"kind"`
	MessageType string          `json:"message_type"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// ActionData is the payload of a Kind Action message.
type ActionData struct {
	TaskID string `json:"task_id"`
	Step   string `json:"step"`
}

// ActionDoneData is the payload of a KindActionDone message.
type ActionDoneData struct {
	TaskID       string `json:"task_id"`
	Step         string `json:"step"`
	SubscriberID string `json:"subscriber_id"`
}

// ActionErrorData is the payload of a KindActionError message.
type ActionErrorData struct {
	TaskID       string `json:"task_id"`
	Step         string `json:"step"`
	SubscriberID string `json:"subscriber_id"`
	Error        string `json:"error"`
}

// NewEvent builds an event message. A nil data is fine.
func NewEvent(messageType string, data json.RawMessage) *Message {
	return &Message{Kind: KindEvent, MessageType: messageType, Data: data}
}

// NewAction builds an action message for one task step.
func NewAction(messageType, taskID, step string) *Message {
	raw, _ := json.Marshal(ActionData{TaskID: taskID, Step: step})
	return &Message{Kind: KindAction, MessageType: messageType, Data: raw}
}

// NewActionDone acknowledges an action on behalf of a subscriber.
func NewActionDone(messageType, taskID, step, subscriberID string) *Message {
	raw, _ := json.Marshal(ActionDoneData{TaskID: taskID, Step: step, SubscriberID: subscriberID})
	return &Message{Kind: KindActionDone, MessageType: messageType, Data: raw}
}

// NewActionError reports a failed action on behalf of a subscriber.
func NewActionError(messageType, taskID, step, subscriberID, errMsg string) *Message {
	raw, _ := json.Marshal(ActionErrorData{TaskID: taskID, Step: step, SubscriberID: subscriberID, Error: errMsg})
	return &Message{Kind: KindActionError, MessageType: messageType, Data: raw}
}

// ActionPayload decodes the Data of an action-family message.
func (m *Message) ActionPayload() (ActionErrorData, error) {
	var p ActionErrorData
	err := json.Unmarshal(m.Data, &p)
	return p, err
}

// Subscription is one consumer's buffered view of the bus.
type Subscription struct {
	id       string
	channels map[string]bool
	queue    chan *Message
	once     sync.Once
}

// ID returns the subscriber id the subscription was opened with.
func (s *Subscription) ID() string { return s.id }

// Queue exposes the delivery channel. It is closed on Unsubscribe and
// on bus shutdown.
func (s *Subscription) Queue() <-chan *Message { return s.queue }

func (s *Subscription) matches(messageType string) bool {
	return s.channels[Wildcard] || s.channels[messageType]
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.queue) })
}

// Bus fans messages out to subscriptions.
type Bus struct {
	mu        sync.RWMutex
	subs      map[*Subscription]struct{}
	queueSize int
	closed    bool
	metrics   *metrics.Metrics
	log       *logging.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize overrides the per-subscription buffer.
func WithQueueSize(n int) Option {
	return func(b *Bus) { b.queueSize = n }
}

// WithMetrics attaches bus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New builds an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:      map[*Subscription]struct{}{},
		queueSize: DefaultQueueSize,
		log:       logging.GetLogger("bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe opens a buffered subscription for the given message types.
// The wildcard "*" receives everything. Multiple subscriptions may share
// one subscriber id; single-channel enforcement is the subscription
// handler's job.
func (b *Bus) Subscribe(id string, channels []string) *Subscription {
	sub := &Subscription{
		id:       id,
		channels: make(map[string]bool, len(channels)),
		queue:    make(chan *Message, b.queueSize),
	}
	for _, c := range channels {
		sub.channels[c] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub] = struct{}{}
	if b.metrics != nil {
		b.metrics.BusSubscribers.Inc()
	}
	b.log.Debug("subscribed %s to %v", id, channels)
	return sub
}

// Unsubscribe detaches the subscription and closes its queue. Safe to
// call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		if b.metrics != nil {
			b.metrics.BusSubscribers.Dec()
		}
		sub.close()
	}
}

// Emit delivers the message to every matching subscription without ever
// blocking. A full queue drops the message for that subscription only.
func (b *Bus) Emit(msg *Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.matches(msg.MessageType) {
			continue
		}
		select {
		case sub.queue <- msg:
		default:
			if b.metrics != nil {
				b.metrics.BusDropped.Inc()
			}
			b.log.Warn("queue of subscriber %s full, dropping %s/%s", sub.id, msg.Kind, msg.MessageType)
		}
	}
}

// Close shuts the bus down; all queues are closed and later Subscribe
// calls return pre-closed subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.close()
		delete(b.subs, sub)
		if b.metrics != nil {
			b.metrics.BusSubscribers.Dec()
		}
	}
}

// Package subscription tracks which external actors listen for which
// event types and owns their live delivery channels. Subscriber records
// persist through the storage driver's system-doc store; actions queued
// while a subscriber is offline replay on reconnect.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/corekeeper/ckcore/internal/bus"
	"github.com/corekeeper/ckcore/internal/logging"
	"github.com/corekeeper/ckcore/internal/storage"
)

// ErrChannelInUse is returned when a subscriber id already has a live
// events channel. Maps to 429 on the HTTP surface.
var ErrChannelInUse = errors.New("subscriber already has an open channel")

// DefaultTimeout applies to subscriptions created without one.
const DefaultTimeout = 60 * time.Second

// maxPendingActions bounds the replay backlog per offline subscriber.
const maxPendingActions = 256

// Subscription is one subscriber's interest in an event type.
type Subscription struct {
	Timeout           time.Duration `json:"timeout"`
	WaitForCompletion bool          `json:"wait_for_completion"`
}

// Subscriber is the persisted record of one actor.
type Subscriber struct {
	ID            string                  `json:"id"`
	Subscriptions map[string]Subscription `json:"subscriptions"`
}

// Channel is the live delivery pipe of a connected subscriber.
type Channel struct {
	subscriberID string
	busSub       *bus.Subscription
	out          chan *bus.Message
	done         chan struct{}
	once         sync.Once
}

// Queue delivers replayed and live messages. Closed on disconnect.
func (c *Channel) Queue() <-chan *bus.Message { return c.out }

// SubscriberID returns the owner of the channel.
func (c *Channel) SubscriberID() string { return c.subscriberID }

func (c *Channel) stop() {
	c.once.Do(func() { close(c.done) })
}

// Handler owns subscriber records and their channels.
type Handler struct {
	driver storage.Driver
	bus    *bus.Bus
	log    *logging.Logger

	mu       sync.Mutex
	channels map[string]*Channel
	pending  map[string][]*bus.Message
}

// NewHandler builds a subscription handler on the given driver and bus.
func NewHandler(driver storage.Driver, b *bus.Bus) *Handler {
	return &Handler{
		driver:   driver,
		bus:      b,
		log:      logging.GetLogger("subscription"),
		channels: map[string]*Channel{},
		pending:  map[string][]*bus.Message{},
	}
}

// All returns every subscriber, sorted by id.
func (h *Handler) All(ctx context.Context) ([]Subscriber, error) {
	docs, err := h.driver.ListSystemDocs(ctx, storage.CollectionSubscribers)
	if err != nil {
		return nil, err
	}
	out := make([]Subscriber, 0, len(docs))
	for id, raw := range docs {
		var s Subscriber
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("subscriber %q: %w", id, err)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get loads one subscriber.
func (h *Handler) Get(ctx context.Context, id string) (Subscriber, error) {
	raw, err := h.driver.GetSystemDoc(ctx, storage.CollectionSubscribers, id)
	if err != nil {
		return Subscriber{}, err
	}
	var s Subscriber
	if err := json.Unmarshal(raw, &s); err != nil {
		return Subscriber{}, fmt.Errorf("subscriber %q: %w", id, err)
	}
	return s, nil
}

// ForEvent returns the subscribers listening for the given event type.
func (h *Handler) ForEvent(ctx context.Context, eventType string) ([]Subscriber, error) {
	all, err := h.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []Subscriber
	for _, s := range all {
		if _, ok := s.Subscriptions[eventType]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// AddSubscription registers interest of subscriberID in eventType,
// creating the subscriber when needed.
func (h *Handler) AddSubscription(ctx context.Context, subscriberID, eventType string, sub Subscription) (Subscriber, error) {
	if sub.Timeout <= 0 {
		sub.Timeout = DefaultTimeout
	}
	s, err := h.Get(ctx, subscriberID)
	if errors.Is(err, storage.ErrNotFound) {
		s = Subscriber{ID: subscriberID, Subscriptions: map[string]Subscription{}}
	} else if err != nil {
		return Subscriber{}, err
	}
	if s.Subscriptions == nil {
		s.Subscriptions = map[string]Subscription{}
	}
	s.Subscriptions[eventType] = sub
	return s, h.Update(ctx, s)
}

// RemoveSubscription drops the interest of subscriberID in eventType.
// The subscriber record stays, possibly empty.
func (h *Handler) RemoveSubscription(ctx context.Context, subscriberID, eventType string) (Subscriber, error) {
	s, err := h.Get(ctx, subscriberID)
	if err != nil {
		return Subscriber{}, err
	}
	delete(s.Subscriptions, eventType)
	return s, h.Update(ctx, s)
}

// Update persists a full subscriber record.
func (h *Handler) Update(ctx context.Context, s Subscriber) error {
	if s.ID == "" {
		return fmt.Errorf("subscriber without an id")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return h.driver.PutSystemDoc(ctx, storage.CollectionSubscribers, s.ID, raw)
}

// Remove deletes the subscriber record and its replay backlog.
func (h *Handler) Remove(ctx context.Context, id string) error {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
	err := h.driver.DeleteSystemDoc(ctx, storage.CollectionSubscribers, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// Connected reports whether the subscriber has a live channel.
func (h *Handler) Connected(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.channels[id]
	return ok
}

// Connect opens the live channel of a subscriber. A second channel for
// the same id fails with ErrChannelInUse. Actions queued while the
// subscriber was offline are replayed first, in order.
func (h *Handler) Connect(ctx context.Context, id string) (*Channel, error) {
	s, err := h.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	eventTypes := make([]string, 0, len(s.Subscriptions))
	for et := range s.Subscriptions {
		eventTypes = append(eventTypes, et)
	}
	sort.Strings(eventTypes)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[id]; ok {
		return nil, fmt.Errorf("subscriber %q: %w", id, ErrChannelInUse)
	}
	backlog := h.pending[id]
	delete(h.pending, id)

	ch := &Channel{
		subscriberID: id,
		busSub:       h.bus.Subscribe(id, eventTypes),
		out:          make(chan *bus.Message, len(backlog)+bus.DefaultQueueSize),
		done:         make(chan struct{}),
	}
	h.channels[id] = ch
	go h.pump(ch, backlog)
	h.log.Info("subscriber %s connected, %d pending actions replayed", id, len(backlog))
	return ch, nil
}

// pump feeds the backlog and then the live bus queue into the channel.
func (h *Handler) pump(ch *Channel, backlog []*bus.Message) {
	defer close(ch.out)
	for _, msg := range backlog {
		select {
		case ch.out <- msg:
		case <-ch.done:
			return
		}
	}
	for {
		select {
		case msg, ok := <-ch.busSub.Queue():
			if !ok {
				return
			}
			select {
			case ch.out <- msg:
			case <-ch.done:
				return
			}
		case <-ch.done:
			return
		}
	}
}

// Disconnect closes the channel. A subscriber left without any
// subscriptions is removed entirely.
func (h *Handler) Disconnect(ctx context.Context, ch *Channel) error {
	h.mu.Lock()
	current, ok := h.channels[ch.subscriberID]
	if ok && current == ch {
		delete(h.channels, ch.subscriberID)
	}
	h.mu.Unlock()

	h.bus.Unsubscribe(ch.busSub)
	ch.stop()

	s, err := h.Get(ctx, ch.subscriberID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(s.Subscriptions) == 0 {
		h.log.Info("removing subscriber %s: no subscriptions left", ch.subscriberID)
		return h.Remove(ctx, ch.subscriberID)
	}
	return nil
}

// Publish emits an action to the subscribers of its event type. Actions
// for offline subscribers are kept for replay; events are fire and
// forget either way.
func (h *Handler) Publish(ctx context.Context, msg *bus.Message) error {
	if msg.Kind == bus.KindAction {
		subscribers, err := h.ForEvent(ctx, msg.MessageType)
		if err != nil {
			return err
		}
		h.mu.Lock()
		for _, s := range subscribers {
			if _, connected := h.channels[s.ID]; connected {
				continue
			}
			backlog := h.pending[s.ID]
			if len(backlog) >= maxPendingActions {
				h.log.Warn("replay backlog of subscriber %s full, dropping %s", s.ID, msg.MessageType)
				continue
			}
			h.pending[s.ID] = append(backlog, msg)
		}
		h.mu.Unlock()
	}
	h.bus.Emit(msg)
	return nil
}

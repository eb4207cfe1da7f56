package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corekeeper/ckcore/internal/bus"
	"github.com/corekeeper/ckcore/internal/storage"
	"github.com/corekeeper/ckcore/internal/storage/memory"
)

func testHandler(t *testing.T) (*Handler, *bus.Bus, context.Context) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	return NewHandler(memory.NewDriver(), b), b, context.Background()
}

func receive(t *testing.T, ch *Channel) *bus.Message {
	t.Helper()
	select {
	case msg, ok := <-ch.Queue():
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message within a second")
		return nil
	}
}

func TestSubscriberCRUD(t *testing.T) {
	h, _, ctx := testHandler(t)

	s, err := h.AddSubscription(ctx, "s1", "cleanup", Subscription{WaitForCompletion: true})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, s.Subscriptions["cleanup"].Timeout)

	_, err = h.AddSubscription(ctx, "s1", "collect_done", Subscription{Timeout: 5 * time.Second})
	require.NoError(t, err)

	got, err := h.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Subscriptions, 2)

	all, err := h.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	matched, err := h.ForEvent(ctx, "cleanup")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "s1", matched[0].ID)

	none, err := h.ForEvent(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)

	s, err = h.RemoveSubscription(ctx, "s1", "cleanup")
	require.NoError(t, err)
	assert.NotContains(t, s.Subscriptions, "cleanup")

	require.NoError(t, h.Remove(ctx, "s1"))
	_, err = h.Get(ctx, "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, h.Remove(ctx, "s1"), "remove is idempotent")
}

func TestConnectSingleChannel(t *testing.T) {
	h, _, ctx := testHandler(t)
	_, err := h.AddSubscription(ctx, "s1", "cleanup", Subscription{})
	require.NoError(t, err)

	ch, err := h.Connect(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, h.Connected("s1"))

	_, err = h.Connect(ctx, "s1")
	assert.ErrorIs(t, err, ErrChannelInUse)

	require.NoError(t, h.Disconnect(ctx, ch))
	assert.False(t, h.Connected("s1"))

	_, err = h.Connect(ctx, "s1")
	assert.NoError(t, err, "the id is free after disconnect")
}

func TestConnectUnknownSubscriber(t *testing.T) {
	h, _, ctx := testHandler(t)
	_, err := h.Connect(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLiveDelivery(t *testing.T) {
	h, _, ctx := testHandler(t)
	_, err := h.AddSubscription(ctx, "s1", "cleanup", Subscription{})
	require.NoError(t, err)

	ch, err := h.Connect(ctx, "s1")
	require.NoError(t, err)
	defer h.Disconnect(ctx, ch)

	require.NoError(t, h.Publish(ctx, bus.NewAction("cleanup", "t1", "step1")))
	msg := receive(t, ch)
	assert.Equal(t, bus.KindAction, msg.Kind)
	assert.Equal(t, "cleanup", msg.MessageType)

	// events of other types pass the subscriber by
	require.NoError(t, h.Publish(ctx, bus.NewEvent("collect_done", nil)))
	select {
	case msg := <-ch.Queue():
		t.Fatalf("unexpected message %s/%s", msg.Kind, msg.MessageType)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestOfflineActionsReplay(t *testing.T) {
	h, _, ctx := testHandler(t)
	_, err := h.AddSubscription(ctx, "s1", "cleanup", Subscription{})
	require.NoError(t, err)

	require.NoError(t, h.Publish(ctx, bus.NewAction("cleanup", "t1", "step1")))
	require.NoError(t, h.Publish(ctx, bus.NewAction("cleanup", "t1", "step2")))
	// plain events are not kept for replay
	require.NoError(t, h.Publish(ctx, bus.NewEvent("cleanup", nil)))

	ch, err := h.Connect(ctx, "s1")
	require.NoError(t, err)
	defer h.Disconnect(ctx, ch)

	first, err := receive(t, ch).ActionPayload()
	require.NoError(t, err)
	second, err := receive(t, ch).ActionPayload()
	require.NoError(t, err)
	assert.Equal(t, "step1", first.Step)
	assert.Equal(t, "step2", second.Step)

	select {
	case msg := <-ch.Queue():
		t.Fatalf("unexpected message %s/%s", msg.Kind, msg.MessageType)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDisconnectRemovesEmptySubscriber(t *testing.T) {
	h, _, ctx := testHandler(t)
	_, err := h.AddSubscription(ctx, "s1", "cleanup", Subscription{})
	require.NoError(t, err)

	ch, err := h.Connect(ctx, "s1")
	require.NoError(t, err)

	_, err = h.RemoveSubscription(ctx, "s1", "cleanup")
	require.NoError(t, err)

	require.NoError(t, h.Disconnect(ctx, ch))
	_, err = h.Get(ctx, "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, ok := <-ch.Queue()
	assert.False(t, ok, "channel queue closes on disconnect")
}

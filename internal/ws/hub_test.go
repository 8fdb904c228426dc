package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(buf int) (chan Event, func(Event)) {
	ch := make(chan Event, buf)
	return ch, func(ev Event) { ch <- ev }
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub()
	require.NotNil(t, hub)
	assert.NotNil(t, hub.rooms)
	assert.Zero(t, hub.Online(999))
}

func TestPublishWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	require.NoError(t, hub.Publish(context.Background(), Event{Type: EventMessage, RoomID: 1, ID: 1}))
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	assert.Empty(t, hub.rooms, "publishing must not create room hubs")
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()

	chA, fnA := collect(100)
	chB, fnB := collect(100)
	subA := hub.Subscribe(1, fnA)
	subB := hub.Subscribe(1, fnB)
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()
	assert.Equal(t, 2, hub.Online(1))

	for id := uint(1); id <= 50; id++ {
		require.NoError(t, hub.Publish(ctx, Event{Type: EventMessage, RoomID: 1, ID: id}))
	}
	for _, ch := range []chan Event{chA, chB} {
		for id := uint(1); id <= 50; id++ {
			assert.Equal(t, id, recv(t, ch).ID)
		}
	}
}

func TestDuplicateMessagesDropped(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()
	ch, fn := collect(10)
	sub := hub.Subscribe(1, fn)
	defer sub.Unsubscribe()

	// 较小的 ID 晚到仍然投递，只有重复的 ID 被丢弃
	for _, id := range []uint{2, 1, 2, 3, 1} {
		require.NoError(t, hub.Publish(ctx, Event{Type: EventMessage, RoomID: 1, ID: id}))
	}
	// 非消息事件不参与去重
	require.NoError(t, hub.Publish(ctx, Event{Type: EventReaction, RoomID: 1, ID: 1}))

	assert.Equal(t, uint(2), recv(t, ch).ID)
	assert.Equal(t, uint(1), recv(t, ch).ID)
	assert.Equal(t, uint(3), recv(t, ch).ID)
	ev := recv(t, ch)
	assert.Equal(t, EventReaction, ev.Type)
	assert.Empty(t, ch)
}

func TestIdleRoomReclaimed(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()

	first := hub.GetRoom(1)
	sub := hub.Subscribe(1, func(Event) {})
	sub.Unsubscribe()
	select {
	case <-first.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("room hub still running after its last subscriber left")
	}
	assert.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.rooms) == 0
	}, time.Second, 5*time.Millisecond)

	ch, fn := collect(10)
	defer hub.Subscribe(1, fn).Unsubscribe()
	require.NoError(t, hub.Publish(ctx, Event{Type: EventMessage, RoomID: 1, ID: 5}))
	assert.Equal(t, uint(5), recv(t, ch).ID)
}

func TestRoomsAreIsolated(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()
	ch1, fn1 := collect(10)
	ch2, fn2 := collect(10)
	defer hub.Subscribe(1, fn1).Unsubscribe()
	defer hub.Subscribe(2, fn2).Unsubscribe()

	require.NoError(t, hub.Publish(ctx, Event{Type: EventMessage, RoomID: 2, ID: 7}))
	assert.Equal(t, uint(7), recv(t, ch2).ID)
	assert.Equal(t, 1, hub.Online(1))
	assert.Equal(t, 1, hub.Online(2))
	select {
	case ev := <-ch1:
		t.Fatalf("room 1 received %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeIdempotentAndFinal(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var calls int
	closed := false
	sub := hub.Subscribe(1, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			t.Errorf("handler invoked after unsubscribe: %+v", ev)
		}
		calls++
	})

	go func() {
		for id := uint(1); id <= 200; id++ {
			_ = hub.Publish(ctx, Event{Type: EventMessage, RoomID: 1, ID: id})
		}
	}()
	time.Sleep(5 * time.Millisecond)

	sub.Unsubscribe()
	mu.Lock()
	closed = true
	mu.Unlock()
	sub.Unsubscribe()
	hub.Unsubscribe(sub)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription pump did not stop")
	}
	assert.Eventually(t, func() bool { return hub.Online(1) == 0 }, time.Second, 5*time.Millisecond)
}

func TestPresenceEvents(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ch, fn := collect(10)
	watcher := hub.Subscribe(1, fn)
	defer watcher.Unsubscribe()

	alice := hub.SubscribeAs(1, 42, "alice", func(Event) {})
	join := recv(t, ch)
	assert.Equal(t, EventJoin, join.Type)
	assert.Equal(t, uint(42), join.UserID)
	assert.Equal(t, 2, join.Online)

	alice.Unsubscribe()
	leave := recv(t, ch)
	assert.Equal(t, EventLeave, leave.Type)
	assert.Equal(t, "alice", leave.Username)
	assert.Equal(t, 1, leave.Online)
}

func TestRoomDeletedStopsRoom(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()
	ch, fn := collect(10)
	sub := hub.Subscribe(1, fn)

	require.NoError(t, hub.Publish(ctx, Event{Type: EventRoomDeleted, RoomID: 1}))
	assert.Equal(t, EventRoomDeleted, recv(t, ch).Type)
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
	sub.Unsubscribe()

	// 同一房间 ID 可以重新订阅
	ch2, fn2 := collect(10)
	sub2 := hub.Subscribe(1, fn2)
	defer sub2.Unsubscribe()
	require.NoError(t, hub.Publish(ctx, Event{Type: EventMessage, RoomID: 1, ID: 1}))
	assert.Equal(t, uint(1), recv(t, ch2).ID)
}

func TestSlowSubscriberDropped(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()

	block := make(chan struct{})
	slow := hub.Subscribe(1, func(Event) { <-block })
	fast, fn := collect(subscriberQueue * 2)
	defer hub.Subscribe(1, fn).Unsubscribe()

	for id := uint(1); id <= subscriberQueue+10; id++ {
		require.NoError(t, hub.Publish(ctx, Event{Type: EventMessage, RoomID: 1, ID: id}))
	}
	for id := uint(1); id <= subscriberQueue+10; id++ {
		assert.Equal(t, id, recv(t, fast).ID)
	}
	close(block)
	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	assert.Equal(t, 1, hub.Online(1))
}

func TestClosedHub(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(1, func(Event) {})
	hub.Close()
	<-sub.Done()
	sub.Unsubscribe()
	assert.ErrorIs(t, hub.Publish(context.Background(), Event{Type: EventMessage, RoomID: 1, ID: 1}), ErrHubClosed)
}

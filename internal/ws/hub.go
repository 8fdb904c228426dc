package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog/log"

	"github.com/ngapox/malenga-knowledge-clinic/internal/metrics"
)

// subscriberQueue 是每个订阅者的缓冲深度，写满即视为慢消费者并被踢出。
const subscriberQueue = 256

// recentMessages 是每个房间记住的最近消息 ID 数量，用于丢弃重复投递。
const recentMessages = 1024

var ErrHubClosed = errors.New("hub closed")

// Hub 管理房间级别的子 Hub，实现延迟创建与并发安全。
type Hub struct {
	mu     sync.RWMutex
	rooms  map[uint]*RoomHub
	closed bool
}

func NewHub() *Hub { return &Hub{rooms: make(map[uint]*RoomHub)} }

// GetRoom 若房间未初始化则懒加载一个 RoomHub。
func (h *Hub) GetRoom(roomID uint) *RoomHub {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[roomID]
	if room != nil {
		return room
	}
	room = NewRoomHub(roomID)
	room.onStop = func() { h.forget(room) }
	h.rooms[roomID] = room
	go room.run()
	return room
}

func (h *Hub) forget(room *RoomHub) {
	h.mu.Lock()
	if h.rooms[room.roomID] == room {
		delete(h.rooms, room.roomID)
	}
	h.mu.Unlock()
}

func (h *Hub) Online(roomID uint) int {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Online()
}

// Subscribe 注册一个房间订阅，返回后发布的事件都会按发布顺序交给 fn。
// fn 在订阅自己的 goroutine 中串行执行，不能在 fn 内部调用 Unsubscribe。
func (h *Hub) Subscribe(roomID uint, fn func(Event)) *Subscription {
	return h.SubscribeAs(roomID, 0, "", fn)
}

// SubscribeAs 与 Subscribe 相同，但带上用户信息以广播 join/leave。
func (h *Hub) SubscribeAs(roomID, userID uint, username string, fn func(Event)) *Subscription {
	s := &Subscription{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		userID:   userID,
		username: username,
		queue:    make(chan Event, subscriberQueue),
		fn:       fn,
		done:     make(chan struct{}),
	}
	for {
		room := h.GetRoom(roomID)
		s.room = room
		select {
		case room.register <- s:
			go s.pump()
			return s
		case <-room.stopped:
			// 房间刚被关闭，重新创建
			h.forget(room)
		}
	}
}

// Unsubscribe 等价于 s.Unsubscribe()，可重复调用。
func (h *Hub) Unsubscribe(s *Subscription) {
	if s != nil {
		s.Unsubscribe()
	}
}

// Publish 将事件投递到本进程内对应房间的所有订阅者。
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	h.mu.RLock()
	closed := h.closed
	room := h.rooms[ev.RoomID]
	h.mu.RUnlock()
	if closed {
		return ErrHubClosed
	}
	if room == nil {
		// 本进程没有订阅者
		return nil
	}
	select {
	case room.broadcast <- ev:
		return nil
	case <-room.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止全部房间，所有订阅的 handler 不再被调用。
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	rooms := make([]*RoomHub, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()
	for _, r := range rooms {
		r.stop()
	}
}

type RoomHub struct {
	roomID     uint
	subs       map[*Subscription]bool
	register   chan *Subscription
	unregister chan *Subscription
	broadcast  chan Event
	quit       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once
	onStop     func()
	online     int32
	// seen 只由 run goroutine 访问
	seen *simplelru.LRU[uint, struct{}]
}

func NewRoomHub(roomID uint) *RoomHub {
	seen, _ := simplelru.NewLRU[uint, struct{}](recentMessages, nil)
	return &RoomHub{
		seen:       seen,
		roomID:     roomID,
		subs:       make(map[*Subscription]bool),
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		broadcast:  make(chan Event, 256),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

func (rh *RoomHub) stop() {
	rh.stopOnce.Do(func() { close(rh.quit) })
	<-rh.stopped
}

func (rh *RoomHub) run() {
	defer func() {
		for s := range rh.subs {
			rh.drop(s)
		}
		close(rh.stopped)
		if rh.onStop != nil {
			rh.onStop()
		}
	}()
	for {
		select {
		case s := <-rh.register:
			rh.subs[s] = true
			rh.setOnline()
			metrics.FanoutSubscribers.Inc()
			if s.userID != 0 {
				rh.deliver(Event{Type: EventJoin, RoomID: rh.roomID, UserID: s.userID, Username: s.username, Online: rh.Online()})
			}
		case s := <-rh.unregister:
			if _, ok := rh.subs[s]; ok {
				rh.drop(s)
				if s.userID != 0 {
					rh.deliver(Event{Type: EventLeave, RoomID: rh.roomID, UserID: s.userID, Username: s.username, Online: rh.Online()})
				}
			}
			// 最后一个订阅者离开后回收房间，下次订阅时重新创建
			if len(rh.subs) == 0 {
				return
			}
		case ev := <-rh.broadcast:
			// 跨实例的消息可能乱序到达，只丢弃确实见过的 ID
			if ev.Type == EventMessage && ev.ID != 0 {
				if rh.seen.Contains(ev.ID) {
					continue
				}
				rh.seen.Add(ev.ID, struct{}{})
			}
			rh.deliver(ev)
			if ev.Type == EventRoomDeleted || len(rh.subs) == 0 {
				return
			}
		case <-rh.quit:
			return
		}
	}
}

func (rh *RoomHub) deliver(ev Event) {
	metrics.FanoutEventsTotal.WithLabelValues(ev.Type).Inc()
	for s := range rh.subs {
		select {
		case s.queue <- ev:
		default:
			log.Warn().Uint("room_id", rh.roomID).Str("sub", s.ID).Msg("slow subscriber dropped")
			metrics.FanoutDropped.Inc()
			rh.drop(s)
		}
	}
	rh.setOnline()
}

func (rh *RoomHub) drop(s *Subscription) {
	delete(rh.subs, s)
	close(s.queue)
	metrics.FanoutSubscribers.Dec()
	rh.setOnline()
}

func (rh *RoomHub) setOnline() { atomic.StoreInt32(&rh.online, int32(len(rh.subs))) }

// Online 返回房间在线订阅数量，供 REST 接口复用。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }

// Subscription 是一次房间订阅的句柄。
type Subscription struct {
	ID     string
	RoomID uint

	userID   uint
	username string
	room     *RoomHub
	queue    chan Event
	fn       func(Event)

	mu     sync.Mutex
	closed bool
	once   sync.Once
	done   chan struct{}
}

func (s *Subscription) pump() {
	defer close(s.done)
	for ev := range s.queue {
		s.mu.Lock()
		if !s.closed {
			s.fn(ev)
		}
		s.mu.Unlock()
	}
}

// Unsubscribe 停止投递并释放房间中的登记。返回后 handler 不会再被调用。
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		select {
		case s.room.unregister <- s:
		case <-s.room.stopped:
		}
	})
}

// Done 在订阅被取消、被踢出或房间关闭后关闭。
func (s *Subscription) Done() <-chan struct{} { return s.done }

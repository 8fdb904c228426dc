package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ngapox/malenga-knowledge-clinic/internal/metrics"
	"github.com/ngapox/malenga-knowledge-clinic/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 1 << 16
	sendBufferSize = 256
)

// Backend 是连接需要的聊天核心能力，由 server 用 service 层实现注入，避免 ws 依赖 service。
type Backend interface {
	// CanRead 校验用户能否订阅房间。
	CanRead(ctx context.Context, user *models.User, roomID uint) error
	// Post 写入消息，成功后消息经由 fan-out 回到所有订阅者。
	Post(ctx context.Context, user *models.User, roomID uint, content string) error
	// Publish 发布临时事件（如正在输入）。
	Publish(ctx context.Context, ev Event) error
	// ErrorCode 把错误转换为客户端可识别的错误码。
	ErrorCode(err error) string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Inbound 是客户端发来的帧。
type Inbound struct {
	Type     string `json:"type"`
	RoomID   uint   `json:"room_id"`
	Content  string `json:"content"`
	IsTyping bool   `json:"is_typing"`
}

// Client 是一条 websocket 连接。任一时刻只订阅一个房间。
type Client struct {
	hub     *Hub
	backend Backend
	conn    *websocket.Conn
	send    chan []byte
	user    *models.User
	name    string

	mu     sync.Mutex
	sub    *Subscription
	roomID uint
	// gen 在每次切换房间时递增，旧订阅的回调据此丢弃迟到的事件
	gen atomic.Uint64
	// kick 在当前订阅被 hub 结束（慢消费者、房间删除）时关闭
	kick     chan struct{}
	kickOnce sync.Once
}

// Serve 把已通过认证与读权限校验的请求升级为 websocket，并订阅 roomID。
// 调用在连接关闭后返回。
func Serve(c *gin.Context, h *Hub, backend Backend, user *models.User, name string, roomID uint) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", user.ID).Msg("websocket upgrade")
		return
	}
	metrics.WsConnections.Inc()
	defer metrics.WsConnections.Dec()

	client := &Client{
		hub:     h,
		backend: backend,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		kick:    make(chan struct{}),
		user:    user,
		name:    name,
	}
	client.subscribe(roomID)
	client.write(Event{Type: EventSwitched, RoomID: roomID})

	go client.writePump()
	client.readPump(c.Request.Context())
}

// subscribe 先撤销旧订阅再建立新订阅，旧房间的事件不会出现在新房间之后。
func (c *Client) subscribe(roomID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.gen.Add(1)
	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
	c.roomID = roomID
	sub := c.hub.SubscribeAs(roomID, c.user.ID, c.name, func(ev Event) {
		if c.gen.Load() != gen {
			return
		}
		c.write(ev)
	})
	c.sub = sub
	go c.watch(sub, gen)
}

// watch 在订阅非主动结束时断开连接，客户端需重连。
func (c *Client) watch(sub *Subscription, gen uint64) {
	<-sub.Done()
	if c.gen.Load() == gen {
		log.Debug().Uint("user_id", c.user.ID).Uint("room_id", sub.RoomID).Msg("subscription ended by hub")
		c.kickOnce.Do(func() { close(c.kick) })
	}
}

func (c *Client) currentRoom() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen.Add(1)
	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
}

// write 不阻塞；发送缓冲写满说明客户端太慢，直接断开。
func (c *Client) write(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("marshal event")
		return
	}
	select {
	case c.send <- b:
	default:
		log.Warn().Uint("user_id", c.user.ID).Msg("websocket send buffer full, closing")
		_ = c.conn.Close()
	}
}

func (c *Client) writeError(roomID uint, err error) {
	c.write(Event{Type: EventError, RoomID: roomID, Error: c.backend.ErrorCode(err), Message: err.Error()})
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.unsubscribe()
		// 订阅已撤销，不会再有回调写入 send
		close(c.send)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.write(Event{Type: EventError, Error: "validation", Message: "malformed frame"})
			continue
		}
		c.handle(ctx, in)
	}
}

func (c *Client) handle(ctx context.Context, in Inbound) {
	roomID := c.currentRoom()
	switch in.Type {
	case "switch":
		if in.RoomID == roomID {
			return
		}
		if err := c.backend.CanRead(ctx, c.user, in.RoomID); err != nil {
			c.writeError(in.RoomID, err)
			return
		}
		c.subscribe(in.RoomID)
		c.write(Event{Type: EventSwitched, RoomID: in.RoomID})
	case EventTyping:
		ev := Event{Type: EventTyping, RoomID: roomID, UserID: c.user.ID, Username: c.name, IsTyping: in.IsTyping}
		if err := c.backend.Publish(ctx, ev); err != nil {
			log.Debug().Err(err).Uint("room_id", roomID).Msg("publish typing")
		}
	case EventMessage, "":
		if err := c.backend.Post(ctx, c.user, roomID, in.Content); err != nil {
			c.writeError(roomID, err)
		}
	default:
		c.write(Event{Type: EventError, RoomID: roomID, Error: "validation", Message: "unknown frame type"})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.kick:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription ended"))
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush 写出发送缓冲中已排队的帧。
func (c *Client) flush() {
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

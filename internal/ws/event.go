package ws

import "time"

const (
	EventMessage        = "message"
	EventMessageDeleted = "message_deleted"
	EventReaction       = "reaction"
	EventSettings       = "settings"
	EventRoomDeleted    = "room_deleted"
	EventJoin           = "join"
	EventLeave          = "leave"
	EventTyping         = "typing"
	EventError          = "error"
	EventSwitched       = "switched"
)

// Event 是房间内广播的统一载荷，同时也是 websocket 与 Redis 上的 JSON 格式。
// ID 对 message/message_deleted/reaction 表示消息 ID。
type Event struct {
	Type      string     `json:"type"`
	RoomID    uint       `json:"room_id"`
	ID        uint       `json:"id,omitempty"`
	UserID    uint       `json:"user_id,omitempty"`
	Username  string     `json:"username,omitempty"`
	Content   string     `json:"content,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Emoji     string     `json:"emoji,omitempty"`
	Count     *int64     `json:"count,omitempty"`
	Online    int        `json:"online,omitempty"`
	IsTyping  bool       `json:"is_typing,omitempty"`
	Notice    *string    `json:"notice,omitempty"`
	Error     string     `json:"error,omitempty"`
	Message   string     `json:"message,omitempty"`
}

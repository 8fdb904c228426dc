package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ngapox/malenga-knowledge-clinic/internal/metrics"
	"github.com/ngapox/malenga-knowledge-clinic/internal/models"
	"github.com/ngapox/malenga-knowledge-clinic/internal/ws"
)

const (
	maxMessageLen = 4000
	maxPageSize   = 200
)

// MessageService 封装消息存储与发言策略。
type MessageService struct {
	db      *gorm.DB
	rooms   *RoomService
	pub     Publisher
	tallies *TallyCache
	now     func() time.Time

	// 每个房间一把锁，串行化“慢速模式检查、写入、发布”，保证推送顺序与插入顺序一致
	locks sync.Map
}

func NewMessageService(db *gorm.DB, rooms *RoomService, pub Publisher, tallies *TallyCache) *MessageService {
	if pub == nil {
		pub = rooms.pub
	}
	return &MessageService{db: db, rooms: rooms, pub: pub, tallies: tallies, now: time.Now}
}

// WithClock 替换时间来源，测试慢速模式时使用。
func (s *MessageService) WithClock(now func() time.Time) *MessageService {
	s.now = now
	return s
}

func (s *MessageService) roomLock(roomID uint) *sync.Mutex {
	l, _ := s.locks.LoadOrStore(roomID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	Type      string           `json:"type"`
	ID        uint             `json:"id"`
	RoomID    uint             `json:"room_id"`
	UserID    uint             `json:"user_id"`
	Username  string           `json:"username"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"created_at"`
	Reactions map[string]Tally `json:"reactions,omitempty"`
}

// Event 转换为实时通道上的事件。
func (m MessageDTO) Event() ws.Event {
	at := m.CreatedAt
	return ws.Event{Type: ws.EventMessage, RoomID: m.RoomID, ID: m.ID, UserID: m.UserID, Username: m.Username, Content: m.Content, CreatedAt: &at}
}

// ListMessages 返回房间消息，按 id 升序。limit<=0 表示全部，beforeID>0 时向前翻页。
func (s *MessageService) ListMessages(ctx context.Context, actor *Identity, roomID uint, limit int, beforeID uint) ([]MessageDTO, error) {
	if _, err := s.rooms.CanRead(ctx, actor, roomID); err != nil {
		return nil, err
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	q := s.db.WithContext(ctx).Where("room_id = ?", roomID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []models.Message
	if limit > 0 {
		if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
			return nil, classify(err)
		}
		// 反转为升序
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	} else if err := q.Order("id asc").Find(&msgs).Error; err != nil {
		return nil, classify(err)
	}

	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	msgIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		msgIDs = append(msgIDs, m.ID)
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		userIDs = append(userIDs, m.UserID)
	}
	names, err := resolveNames(ctx, s.db, userIDs)
	if err != nil {
		return nil, err
	}
	tallies, err := summarize(ctx, s.db, s.tallies, actor.ID, msgIDs)
	if err != nil {
		return nil, err
	}

	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageDTO{
			Type:      ws.EventMessage,
			ID:        m.ID,
			RoomID:    m.RoomID,
			UserID:    m.UserID,
			Username:  names[m.UserID],
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
			Reactions: tallies[m.ID],
		})
	}
	return out, nil
}

// PostMessage 依次校验内容、成员关系、仅管理员发言与慢速模式，然后写入并推送。
func (s *MessageService) PostMessage(ctx context.Context, actor *Identity, roomID uint, text string) (*MessageDTO, error) {
	dto, err := s.post(ctx, actor, roomID, text)
	metrics.MessagesPostedTotal.WithLabelValues(postResult(err)).Inc()
	return dto, err
}

func postResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrUnauthenticated):
		return "permission_denied"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrContentRejected):
		return "content_rejected"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func (s *MessageService) post(ctx context.Context, actor *Identity, roomID uint, text string) (*MessageDTO, error) {
	if actor == nil {
		return nil, ErrUnauthenticated
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid("message is empty")
	}
	if utf8.RuneCountInString(text) > maxMessageLen {
		return nil, invalid("message is too long")
	}
	if _, err := s.rooms.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	if !actor.IsAdmin {
		ok, err := s.rooms.IsMember(ctx, roomID, actor.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrPermissionDenied
		}
	}
	settings, err := loadSettings(ctx, s.db, roomID)
	if err != nil {
		return nil, classify(err)
	}
	if settings.AdminsOnlyPost && !actor.IsAdmin {
		return nil, ErrPermissionDenied
	}

	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	now := s.now()
	if settings.SlowModeSeconds > 0 && !actor.IsAdmin {
		var last models.Message
		err := s.db.WithContext(ctx).Select("id", "created_at").
			Where("room_id = ? AND user_id = ?", roomID, actor.ID).
			Order("id desc").Take(&last).Error
		switch {
		case err == nil:
			interval := time.Duration(settings.SlowModeSeconds) * time.Second
			if elapsed := now.Sub(last.CreatedAt); elapsed < interval {
				return nil, &RateLimitError{RetryAfter: interval - elapsed}
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, classify(err)
		}
	}

	msg := models.Message{RoomID: roomID, UserID: actor.ID, Content: text, CreatedAt: now}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, classify(err)
	}
	dto := MessageDTO{
		Type:      ws.EventMessage,
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		UserID:    msg.UserID,
		Username:  actor.Name,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	if err := s.pub.Publish(ctx, dto.Event()); err != nil {
		// 消息已落库，历史接口仍能取到
		log.Error().Err(err).Uint("room_id", roomID).Uint("message_id", msg.ID).Msg("publish message")
	}
	return &dto, nil
}

// DeleteMessage 管理员硬删除消息及其回应，并让缓存的回应计数失效。
func (s *MessageService) DeleteMessage(ctx context.Context, actor *Identity, id uint) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	var msg models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("id", "room_id").First(&msg, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMessageNotFound
			}
			return err
		}
		if err := tx.Where("message_id = ?", id).Delete(&models.Reaction{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Message{}, id).Error
	})
	if err != nil {
		return classify(err)
	}
	s.tallies.Invalidate(id)
	if err := s.pub.Publish(ctx, ws.Event{Type: ws.EventMessageDeleted, RoomID: msg.RoomID, ID: id}); err != nil {
		log.Warn().Err(err).Uint("message_id", id).Msg("publish message deleted")
	}
	return nil
}

// SubscribeMessages 只把新消息交给 onMessage，其余事件忽略。
func SubscribeMessages(hub *ws.Hub, roomID uint, onMessage func(MessageDTO)) *ws.Subscription {
	return hub.Subscribe(roomID, func(ev ws.Event) {
		if ev.Type != ws.EventMessage {
			return
		}
		m := MessageDTO{Type: ev.Type, ID: ev.ID, RoomID: ev.RoomID, UserID: ev.UserID, Username: ev.Username, Content: ev.Content}
		if ev.CreatedAt != nil {
			m.CreatedAt = *ev.CreatedAt
		}
		onMessage(m)
	})
}

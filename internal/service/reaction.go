package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/forPelevin/gomoji"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ngapox/malenga-knowledge-clinic/internal/metrics"
	"github.com/ngapox/malenga-knowledge-clinic/internal/models"
	"github.com/ngapox/malenga-knowledge-clinic/internal/ws"
)

// reactors 记录一条消息上每个 emoji 的回应用户集合。
type reactors map[string]map[uint]struct{}

// TallyCache 缓存每条消息的回应者集合。计数由集合推导，不单独存储。
type TallyCache struct {
	mu  sync.Mutex
	gen uint64
	lru *lru.Cache[uint, reactors]
}

func NewTallyCache(size int) *TallyCache {
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New[uint, reactors](size)
	if err != nil {
		panic(err)
	}
	return &TallyCache{lru: c}
}

// Invalidate 丢弃指定消息的缓存，nil 接收者安全。
func (c *TallyCache) Invalidate(ids ...uint) {
	if c == nil || len(ids) == 0 {
		return
	}
	c.mu.Lock()
	c.gen++
	for _, id := range ids {
		c.lru.Remove(id)
	}
	c.mu.Unlock()
}

func (c *TallyCache) lookup(ids []uint) (hit map[uint]reactors, miss []uint, gen uint64) {
	hit = make(map[uint]reactors, len(ids))
	if c == nil {
		return hit, ids, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if r, ok := c.lru.Get(id); ok {
			hit[id] = r
		} else {
			miss = append(miss, id)
		}
	}
	return hit, miss, c.gen
}

// store 只在读取期间没有发生失效时才写入，避免把旧数据放回缓存。
func (c *TallyCache) store(gen uint64, loaded map[uint]reactors) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	for id, r := range loaded {
		c.lru.Add(id, r)
	}
}

// Tally 是某条消息上某个 emoji 的聚合结果，Me 表示当前查看者是否回应过。
type Tally struct {
	Count int64 `json:"count"`
	Me    bool  `json:"me"`
}

// maxEmojiBytes 与 reactions.emoji 列宽一致。
const maxEmojiBytes = 32

// ValidateEmoji 要求 reaction 恰好是一个 emoji，允许变体选择符、肤色、ZWJ 组合与旗帜。
func ValidateEmoji(emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiBytes ||
		!gomoji.ContainsEmoji(emoji) || gomoji.RemoveEmojis(emoji) != "" ||
		emojiClusters(emoji) != 1 {
		return invalid("reaction must be a single emoji")
	}
	return nil
}

// emojiClusters 统计 emoji 字形簇个数：修饰符、变体选择符与 ZWJ 后的字符并入前一个簇，
// 两个区域指示符组成一面旗帜。
func emojiClusters(s string) int {
	n := 0
	joined := false
	flagOpen := false
	for _, r := range s {
		switch {
		case r == 0x200D:
			joined = true
			continue
		case r == 0xFE0E, r == 0xFE0F, r == 0x20E3,
			r >= 0x1F3FB && r <= 0x1F3FF, r >= 0xE0020 && r <= 0xE007F:
		case r >= 0x1F1E6 && r <= 0x1F1FF:
			if flagOpen {
				flagOpen = false
			} else {
				flagOpen = true
				if !joined {
					n++
				}
			}
		default:
			flagOpen = false
			if !joined {
				n++
			}
		}
		joined = false
	}
	return n
}

// ReactionService 负责表情回应的切换与汇总。
type ReactionService struct {
	db      *gorm.DB
	rooms   *RoomService
	pub     Publisher
	tallies *TallyCache
}

func NewReactionService(db *gorm.DB, rooms *RoomService, pub Publisher, tallies *TallyCache) *ReactionService {
	if pub == nil {
		pub = rooms.pub
	}
	return &ReactionService{db: db, rooms: rooms, pub: pub, tallies: tallies}
}

// ToggleReaction 存在则删除、不存在则插入，返回切换后的权威计数。
// 并发安全依赖 (message_id, user_id, emoji) 主键。
func (s *ReactionService) ToggleReaction(ctx context.Context, actor *Identity, messageID uint, emoji string) (*Tally, error) {
	if actor == nil {
		return nil, ErrUnauthenticated
	}
	emoji = strings.TrimSpace(emoji)
	if err := ValidateEmoji(emoji); err != nil {
		return nil, err
	}
	var msg models.Message
	if err := s.db.WithContext(ctx).Select("id", "room_id").First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, classify(err)
	}
	if _, err := s.rooms.CanRead(ctx, actor, msg.RoomID); err != nil {
		return nil, err
	}

	var t Tally
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, actor.ID, emoji).Delete(&models.Reaction{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			r := models.Reaction{MessageID: messageID, UserID: actor.ID, Emoji: emoji, CreatedAt: time.Now()}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&r).Error; err != nil {
				return err
			}
			t.Me = true
		}
		return tx.Model(&models.Reaction{}).Where("message_id = ? AND emoji = ?", messageID, emoji).Count(&t.Count).Error
	})
	if err != nil {
		return nil, classify(err)
	}
	s.tallies.Invalidate(messageID)

	action := "removed"
	if t.Me {
		action = "added"
	}
	metrics.ReactionTogglesTotal.WithLabelValues(action).Inc()

	count := t.Count
	ev := ws.Event{Type: ws.EventReaction, RoomID: msg.RoomID, ID: messageID, UserID: actor.ID, Emoji: emoji, Count: &count}
	if err := s.pub.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Uint("message_id", messageID).Msg("publish reaction")
	}
	return &t, nil
}

// Summaries 汇总多条消息的回应，结果只包含计数大于零的 emoji。
func (s *ReactionService) Summaries(ctx context.Context, viewerID uint, messageIDs []uint) (map[uint]map[string]Tally, error) {
	return summarize(ctx, s.db, s.tallies, viewerID, messageIDs)
}

func summarize(ctx context.Context, db *gorm.DB, cache *TallyCache, viewerID uint, messageIDs []uint) (map[uint]map[string]Tally, error) {
	out := make(map[uint]map[string]Tally, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	hit, miss, gen := cache.lookup(messageIDs)
	if len(miss) > 0 {
		var rows []models.Reaction
		if err := db.WithContext(ctx).Where("message_id IN ?", miss).Find(&rows).Error; err != nil {
			return nil, classify(err)
		}
		loaded := make(map[uint]reactors, len(miss))
		for _, id := range miss {
			loaded[id] = reactors{}
		}
		for _, r := range rows {
			set := loaded[r.MessageID][r.Emoji]
			if set == nil {
				set = make(map[uint]struct{})
				loaded[r.MessageID][r.Emoji] = set
			}
			set[r.UserID] = struct{}{}
		}
		cache.store(gen, loaded)
		for id, r := range loaded {
			hit[id] = r
		}
	}
	for id, byEmoji := range hit {
		if len(byEmoji) == 0 {
			continue
		}
		m := make(map[string]Tally, len(byEmoji))
		for emoji, users := range byEmoji {
			if len(users) == 0 {
				continue
			}
			_, me := users[viewerID]
			m[emoji] = Tally{Count: int64(len(users)), Me: me}
		}
		out[id] = m
	}
	return out, nil
}

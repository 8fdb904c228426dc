package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ngapox/malenga-knowledge-clinic/internal/auth"
	"github.com/ngapox/malenga-knowledge-clinic/internal/metrics"
	"github.com/ngapox/malenga-knowledge-clinic/internal/models"
)

// inviteTokenBytes 决定邀请码熵：16 字节即 128 位。
const inviteTokenBytes = 16

// InviteDTO 是对外输出的邀请数据。
type InviteDTO struct {
	Token     string     `json:"token"`
	RoomID    uint       `json:"room_id"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	JoinURL   string     `json:"join_url"`
}

// JoinURL 返回邀请链接的站内路径。
func JoinURL(token string) string {
	return "/join/" + url.PathEscape(token)
}

// LoginRedirect 生成带回跳地址的登录链接，保证邀请码在登录绕行后仍可用。
func LoginRedirect(loginURL, token string) string {
	sep := "?"
	if strings.Contains(loginURL, "?") {
		sep = "&"
	}
	return loginURL + sep + "next=" + url.QueryEscape(JoinURL(token))
}

func inviteDTO(inv models.Invite) InviteDTO {
	return InviteDTO{Token: inv.Token, RoomID: inv.RoomID, CreatedAt: inv.CreatedAt, ExpiresAt: inv.ExpiresAt, JoinURL: JoinURL(inv.Token)}
}

// InviteService 负责签发与兑换房间邀请。邀请可多次使用，直到过期。
type InviteService struct {
	db    *gorm.DB
	rooms *RoomService
	now   func() time.Time
}

func NewInviteService(db *gorm.DB, rooms *RoomService) *InviteService {
	return &InviteService{db: db, rooms: rooms, now: time.Now}
}

// WithClock 替换时间来源，测试过期逻辑时使用。
func (s *InviteService) WithClock(now func() time.Time) *InviteService {
	s.now = now
	return s
}

// CreateInvite 生成随机邀请码；validDays>0 时设置过期时间，否则永不过期。
func (s *InviteService) CreateInvite(ctx context.Context, actor *Identity, roomID uint, validDays int) (*InviteDTO, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if validDays < 0 {
		return nil, invalid("valid_days must be >= 0")
	}
	if _, err := s.rooms.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	token, err := auth.RandomHex(inviteTokenBytes)
	if err != nil {
		return nil, err
	}
	now := s.now()
	inv := models.Invite{Token: token, RoomID: roomID, CreatedAt: now}
	if validDays > 0 {
		exp := now.Add(time.Duration(validDays) * 24 * time.Hour)
		inv.ExpiresAt = &exp
	}
	if err := s.db.WithContext(ctx).Create(&inv).Error; err != nil {
		return nil, classify(err)
	}
	dto := inviteDTO(inv)
	return &dto, nil
}

// ListInvites 返回房间的全部邀请，最新的在前。
func (s *InviteService) ListInvites(ctx context.Context, actor *Identity, roomID uint) ([]InviteDTO, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	var invs []models.Invite
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("created_at desc").Find(&invs).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]InviteDTO, 0, len(invs))
	for _, inv := range invs {
		out = append(out, inviteDTO(inv))
	}
	return out, nil
}

// RevokeInvite 删除邀请，邀请不存在时返回 ErrInvalidInvite。
func (s *InviteService) RevokeInvite(ctx context.Context, actor *Identity, token string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Where("token = ?", token).Delete(&models.Invite{})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidInvite
	}
	return nil
}

// RedeemInvite 用邀请码为当前身份建立成员关系并返回房间 ID。重复兑换是安全的。
func (s *InviteService) RedeemInvite(ctx context.Context, actor *Identity, token string) (uint, error) {
	roomID, err := s.redeem(ctx, actor, token)
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrUnauthenticated):
		result = "unauthenticated"
	case errors.Is(err, ErrExpiredInvite):
		result = "expired"
	case errors.Is(err, ErrInvalidInvite):
		result = "invalid"
	default:
		result = "error"
	}
	metrics.InvitesRedeemedTotal.WithLabelValues(result).Inc()
	return roomID, err
}

func (s *InviteService) redeem(ctx context.Context, actor *Identity, token string) (uint, error) {
	if actor == nil {
		return 0, ErrUnauthenticated
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, ErrInvalidInvite
	}
	var inv models.Invite
	if err := s.db.WithContext(ctx).Where("token = ?", token).Take(&inv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrInvalidInvite
		}
		return 0, classify(err)
	}
	if inv.ExpiresAt != nil && s.now().After(*inv.ExpiresAt) {
		return 0, ErrExpiredInvite
	}
	added, err := s.rooms.AddMember(ctx, inv.RoomID, actor.ID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			// 房间已删除但邀请残留
			return 0, ErrInvalidInvite
		}
		return 0, err
	}
	if added {
		log.Info().Uint("room_id", inv.RoomID).Uint("user_id", actor.ID).Msg("joined via invite")
	}
	return inv.RoomID, nil
}

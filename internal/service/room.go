package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ngapox/malenga-knowledge-clinic/internal/models"
	"github.com/ngapox/malenga-knowledge-clinic/internal/ws"
)

const maxRoomNameLen = 128

// Publisher 把事件送到房间的实时通道，本地 Hub 与 Redis 桥都实现它。
type Publisher interface {
	Publish(ctx context.Context, ev ws.Event) error
}

// RoomService 负责房间目录、房间设置与成员关系。
type RoomService struct {
	db      *gorm.DB
	hub     *ws.Hub
	pub     Publisher
	tallies *TallyCache
}

// NewRoomService 中 pub 为 nil 时直接使用 hub 做进程内广播。
func NewRoomService(db *gorm.DB, hub *ws.Hub, pub Publisher, tallies *TallyCache) *RoomService {
	if pub == nil {
		pub = hub
	}
	return &RoomService{db: db, hub: hub, pub: pub, tallies: tallies}
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	ID        uint      `json:"id"`
	Name      string    `json:"name"`
	IsPublic  bool      `json:"is_public"`
	OwnerID   uint      `json:"owner_id"`
	Online    int       `json:"online"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *RoomService) toDTO(r *models.Room) RoomDTO {
	online := 0
	if s.hub != nil {
		online = s.hub.Online(r.ID)
	}
	return RoomDTO{ID: r.ID, Name: r.Name, IsPublic: r.IsPublic, OwnerID: r.OwnerID, Online: online, CreatedAt: r.CreatedAt}
}

func requireAdmin(actor *Identity) error {
	if actor == nil {
		return ErrUnauthenticated
	}
	if !actor.IsAdmin {
		return ErrPermissionDenied
	}
	return nil
}

// ListRooms 按名称返回全部房间，可见性在读写消息时再校验。
func (s *RoomService) ListRooms(ctx context.Context) ([]RoomDTO, error) {
	var rooms []models.Room
	if err := s.db.WithContext(ctx).Order("name asc").Find(&rooms).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]RoomDTO, 0, len(rooms))
	for i := range rooms {
		out = append(out, s.toDTO(&rooms[i]))
	}
	return out, nil
}

// CreateRoom 创建房间并把创建者加入成员，不预先创建设置行。
func (s *RoomService) CreateRoom(ctx context.Context, actor *Identity, name string, public bool) (*RoomDTO, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("room name is required")
	}
	if utf8.RuneCountInString(name) > maxRoomNameLen {
		return nil, invalid("room name is too long")
	}
	room := models.Room{Name: name, IsPublic: public, OwnerID: actor.ID}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Room{}).Where("name = ?", name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicate
		}
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		return insertMember(tx, room.ID, actor.ID, time.Now())
	})
	if err != nil {
		return nil, classify(err)
	}
	dto := s.toDTO(&room)
	return &dto, nil
}

// GetRoom 读取房间，不存在时返回 ErrRoomNotFound。
func (s *RoomService) GetRoom(ctx context.Context, id uint) (*models.Room, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).First(&room, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, classify(err)
	}
	return &room, nil
}

// SetRoomVisibility 幂等地修改房间可见性。
func (s *RoomService) SetRoomVisibility(ctx context.Context, actor *Identity, id uint, public bool) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if _, err := s.GetRoom(ctx, id); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", id).Update("is_public", public).Error
	return classify(err)
}

// DeleteRoom 删除房间并级联删除消息、表情回应、成员、邀请与设置。
func (s *RoomService) DeleteRoom(ctx context.Context, actor *Identity, id uint) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	var msgIDs []uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Room{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRoomNotFound
		}
		if err := tx.Model(&models.Message{}).Where("room_id = ?", id).Pluck("id", &msgIDs).Error; err != nil {
			return err
		}
		if len(msgIDs) > 0 {
			if err := tx.Where("message_id IN ?", msgIDs).Delete(&models.Reaction{}).Error; err != nil {
				return err
			}
		}
		for _, m := range []any{&models.Message{}, &models.Membership{}, &models.Invite{}, &models.RoomSettings{}} {
			if err := tx.Where("room_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return classify(err)
	}
	s.tallies.Invalidate(msgIDs...)
	if err := s.pub.Publish(ctx, ws.Event{Type: ws.EventRoomDeleted, RoomID: id}); err != nil {
		log.Warn().Err(err).Uint("room_id", id).Msg("publish room deleted")
	}
	return nil
}

// SettingsDTO 是房间设置的完整视图，未写过设置的房间返回默认值。
type SettingsDTO struct {
	RoomID          uint    `json:"room_id"`
	Notice          *string `json:"notice"`
	AdminsOnlyPost  bool    `json:"admins_only_post"`
	SlowModeSeconds int     `json:"slow_mode_seconds"`
}

// SettingsPatch 中为 nil 的字段保持原值。
type SettingsPatch struct {
	Notice          *string `json:"notice"`
	AdminsOnlyPost  *bool   `json:"admins_only_post"`
	SlowModeSeconds *int    `json:"slow_mode_seconds"`
}

func loadSettings(ctx context.Context, db *gorm.DB, roomID uint) (models.RoomSettings, error) {
	st := models.RoomSettings{RoomID: roomID}
	err := db.WithContext(ctx).Where("room_id = ?", roomID).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.RoomSettings{RoomID: roomID}, nil
	}
	return st, err
}

func settingsDTO(st models.RoomSettings) *SettingsDTO {
	return &SettingsDTO{RoomID: st.RoomID, Notice: st.Notice, AdminsOnlyPost: st.AdminsOnlyPost, SlowModeSeconds: st.SlowModeSeconds}
}

// GetRoomSettings 返回房间设置（含置顶公告），需要有读权限。
func (s *RoomService) GetRoomSettings(ctx context.Context, actor *Identity, id uint) (*SettingsDTO, error) {
	if _, err := s.CanRead(ctx, actor, id); err != nil {
		return nil, err
	}
	st, err := loadSettings(ctx, s.db, id)
	if err != nil {
		return nil, classify(err)
	}
	return settingsDTO(st), nil
}

// UpsertRoomSettings 把 patch 合并到现有设置（或默认值）后整体写回。
func (s *RoomService) UpsertRoomSettings(ctx context.Context, actor *Identity, id uint, patch SettingsPatch) (*SettingsDTO, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if patch.SlowModeSeconds != nil && *patch.SlowModeSeconds < 0 {
		return nil, invalid("slow_mode_seconds must be >= 0")
	}
	if _, err := s.GetRoom(ctx, id); err != nil {
		return nil, err
	}
	var st models.RoomSettings
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := loadSettings(ctx, tx, id)
		if err != nil {
			return err
		}
		if patch.Notice != nil {
			n := strings.TrimSpace(*patch.Notice)
			if n == "" {
				cur.Notice = nil
			} else {
				cur.Notice = &n
			}
		}
		if patch.AdminsOnlyPost != nil {
			cur.AdminsOnlyPost = *patch.AdminsOnlyPost
		}
		if patch.SlowModeSeconds != nil {
			cur.SlowModeSeconds = *patch.SlowModeSeconds
		}
		cur.UpdatedAt = time.Now()
		st = cur
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"notice", "admins_only_post", "slow_mode_seconds", "updated_at"}),
		}).Create(&cur).Error
	})
	if err != nil {
		return nil, classify(err)
	}
	dto := settingsDTO(st)
	if err := s.pub.Publish(ctx, ws.Event{Type: ws.EventSettings, RoomID: id, Notice: dto.Notice}); err != nil {
		log.Warn().Err(err).Uint("room_id", id).Msg("publish settings")
	}
	return dto, nil
}

// MemberDTO 是成员列表中的一行。
type MemberDTO struct {
	UserID      uint      `json:"user_id"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
	IsAdmin     bool      `json:"is_admin"`
}

// ListMembers 返回成员及显示名，按加入时间排序；仅管理员使用。
func (s *RoomService) ListMembers(ctx context.Context, actor *Identity, roomID uint) ([]MemberDTO, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return listMembers(ctx, s.db, roomID)
}

func listMembers(ctx context.Context, db *gorm.DB, roomID uint) ([]MemberDTO, error) {
	var rows []struct {
		UserID      uint
		JoinedAt    time.Time
		Username    *string
		DisplayName *string
		IsAdmin     *bool
	}
	err := db.WithContext(ctx).Table("memberships").
		Select("memberships.user_id, memberships.joined_at, users.username, users.display_name, users.is_admin").
		Joins("LEFT JOIN users ON users.id = memberships.user_id").
		Where("memberships.room_id = ?", roomID).
		Order("memberships.joined_at asc, memberships.user_id asc").
		Scan(&rows).Error
	if err != nil {
		return nil, classify(err)
	}
	out := make([]MemberDTO, 0, len(rows))
	for _, r := range rows {
		// 资料缺失时 LEFT JOIN 得到 NULL
		u := models.User{ID: r.UserID}
		if r.Username != nil {
			u.Username = *r.Username
		}
		if r.DisplayName != nil {
			u.DisplayName = *r.DisplayName
		}
		out = append(out, MemberDTO{UserID: r.UserID, DisplayName: DisplayName(&u), JoinedAt: r.JoinedAt, IsAdmin: r.IsAdmin != nil && *r.IsAdmin})
	}
	return out, nil
}

func insertMember(tx *gorm.DB, roomID, userID uint, at time.Time) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Membership{RoomID: roomID, UserID: userID, JoinedAt: at}).Error
}

// AddMember 以服务端权限加入成员，重复加入视为已满足。
// added 仅在本次调用新建了成员关系时为 true。
func (s *RoomService) AddMember(ctx context.Context, roomID, userID uint) (added bool, err error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return false, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Count(&n).Error; err != nil {
		return false, classify(err)
	}
	if n == 0 {
		return false, ErrNotFound
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Membership{RoomID: roomID, UserID: userID, JoinedAt: time.Now()})
	if res.Error != nil {
		return false, classify(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RemoveMember 确保成员关系不存在；本来就不存在时同样返回成功。
func (s *RoomService) RemoveMember(ctx context.Context, actor *Identity, roomID, userID uint) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).Delete(&models.Membership{}).Error
	return classify(err)
}

// JoinPublicRoom 让用户自助加入公开房间，私有房间只能通过邀请加入。
func (s *RoomService) JoinPublicRoom(ctx context.Context, actor *Identity, roomID uint) error {
	if actor == nil {
		return ErrUnauthenticated
	}
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.IsPublic && !actor.IsAdmin {
		return ErrPermissionDenied
	}
	_, err = s.AddMember(ctx, roomID, actor.ID)
	return err
}

// IsMember 查询成员关系。
func (s *RoomService) IsMember(ctx context.Context, roomID, userID uint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Membership{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).Count(&n).Error
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

// CanRead 校验读权限：公开房间所有登录用户可读，私有房间需要成员关系，全局管理员不受限。
func (s *RoomService) CanRead(ctx context.Context, actor *Identity, roomID uint) (*models.Room, error) {
	if actor == nil {
		return nil, ErrUnauthenticated
	}
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.IsPublic || actor.IsAdmin {
		return room, nil
	}
	ok, err := s.IsMember(ctx, roomID, actor.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPermissionDenied
	}
	return room, nil
}

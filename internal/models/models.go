package models

import "time"

// User 同时承担身份与资料：显示名、头像以及全局管理员标记。
type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	DisplayName  string `gorm:"size:128"`
	AvatarURL    string `gorm:"size:512"`
	IsAdmin      bool   `gorm:"not null;default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:128;not null"`
	IsPublic  bool   `gorm:"not null"`
	OwnerID   uint   `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoomSettings 与 Room 一对一，首次写入时才创建。
type RoomSettings struct {
	RoomID          uint    `gorm:"primaryKey;autoIncrement:false"`
	Notice          *string `gorm:"type:text"`
	AdminsOnlyPost  bool    `gorm:"not null;default:false"`
	SlowModeSeconds int     `gorm:"not null;default:0"`
	UpdatedAt       time.Time
}

type Membership struct {
	RoomID   uint      `gorm:"primaryKey;autoIncrement:false"`
	UserID   uint      `gorm:"primaryKey;autoIncrement:false;index"`
	JoinedAt time.Time `gorm:"not null"`
}

type Invite struct {
	Token     string `gorm:"primaryKey;size:64"`
	RoomID    uint   `gorm:"index;not null"`
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Message 的自增 ID 即房间内的排序键。
type Message struct {
	ID        uint      `gorm:"primaryKey"`
	RoomID    uint      `gorm:"index:idx_msg_room_id;index:idx_msg_room_user,priority:1;not null"`
	UserID    uint      `gorm:"index:idx_msg_room_user,priority:2;not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index"`
}

type Reaction struct {
	MessageID uint   `gorm:"primaryKey;autoIncrement:false"`
	UserID    uint   `gorm:"primaryKey;autoIncrement:false"`
	Emoji     string `gorm:"primaryKey;size:32"`
	CreatedAt time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

// All 返回需要迁移的全部模型，测试与生产共用。
func All() []any {
	return []any{
		&User{}, &Room{}, &RoomSettings{}, &Membership{}, &Invite{},
		&Message{}, &Reaction{}, &RefreshToken{},
	}
}

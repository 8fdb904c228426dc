package server

import (
	"context"

	"gorm.io/gorm"

	"github.com/ngapox/malenga-knowledge-clinic/internal/config"
	"github.com/ngapox/malenga-knowledge-clinic/internal/models"
	"github.com/ngapox/malenga-knowledge-clinic/internal/service"
	"github.com/ngapox/malenga-knowledge-clinic/internal/ws"
)

// Services 是 HTTP 与 websocket 共用的 service 集合。
type Services struct {
	Users     *service.UserService
	Rooms     *service.RoomService
	Messages  *service.MessageService
	Reactions *service.ReactionService
	Invites   *service.InviteService
	Mentions  *service.MentionService
	Publisher service.Publisher
}

// NewServices 组装 service 层。pub 为 nil 时只做进程内广播。
func NewServices(cfg config.Config, db *gorm.DB, hub *ws.Hub, pub service.Publisher) *Services {
	if pub == nil {
		pub = hub
	}
	tallies := service.NewTallyCache(cfg.ReactionCacheSize)
	rooms := service.NewRoomService(db, hub, pub, tallies)
	return &Services{
		Users:     service.NewUserService(db, cfg),
		Rooms:     rooms,
		Messages:  service.NewMessageService(db, rooms, pub, tallies),
		Reactions: service.NewReactionService(db, rooms, pub, tallies),
		Invites:   service.NewInviteService(db, rooms),
		Mentions:  service.NewMentionService(rooms, cfg.MentionPageSize),
		Publisher: pub,
	}
}

// chatBackend 把 service 层适配为 websocket 连接需要的接口。
type chatBackend struct {
	rooms    *service.RoomService
	messages *service.MessageService
	pub      service.Publisher
}

func (b *chatBackend) CanRead(ctx context.Context, user *models.User, roomID uint) error {
	_, err := b.rooms.CanRead(ctx, service.IdentityOf(user), roomID)
	return err
}

func (b *chatBackend) Post(ctx context.Context, user *models.User, roomID uint, content string) error {
	_, err := b.messages.PostMessage(ctx, service.IdentityOf(user), roomID, content)
	return err
}

func (b *chatBackend) Publish(ctx context.Context, ev ws.Event) error {
	return b.pub.Publish(ctx, ev)
}

func (b *chatBackend) ErrorCode(err error) string { return ErrorCode(err) }

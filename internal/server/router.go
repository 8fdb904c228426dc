package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/ngapox/malenga-knowledge-clinic/internal/auth"
	"github.com/ngapox/malenga-knowledge-clinic/internal/config"
	"github.com/ngapox/malenga-knowledge-clinic/internal/metrics"
	"github.com/ngapox/malenga-knowledge-clinic/internal/mw"
	"github.com/ngapox/malenga-knowledge-clinic/internal/ws"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, hub *ws.Hub, svcs *Services) *gin.Engine {
	h := NewHandler(cfg, hub, svcs)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.RequestID())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率
	r.Use(mw.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 兑换邀请允许匿名访问，由 handler 返回登录链接
	api.POST("/invites/:token/redeem", auth.OptionalAuth(cfg.JWTSecret, db), h.RedeemInvite)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg.JWTSecret, db))
	authed.GET("/me", h.Me)
	authed.GET("/rooms", h.ListRooms)
	authed.GET("/rooms/:id/messages", h.ListMessages)
	authed.POST("/rooms/:id/messages", h.PostMessage)
	authed.POST("/rooms/:id/join", h.JoinRoom)
	authed.GET("/rooms/:id/settings", h.GetSettings)
	authed.GET("/rooms/:id/mentions", h.Mentions)
	authed.POST("/messages/:id/reactions", h.ToggleReaction)

	admin := authed.Group("")
	admin.Use(auth.RequireAdmin())
	admin.POST("/rooms", h.CreateRoom)
	admin.PATCH("/rooms/:id/visibility", h.SetVisibility)
	admin.DELETE("/rooms/:id", h.DeleteRoom)
	admin.PUT("/rooms/:id/settings", h.PutSettings)
	admin.GET("/rooms/:id/members", h.ListMembers)
	admin.POST("/rooms/:id/members", h.AddMember)
	admin.DELETE("/rooms/:id/members/:uid", h.RemoveMember)
	admin.POST("/rooms/:id/invites", h.CreateInvite)
	admin.GET("/rooms/:id/invites", h.ListInvites)
	admin.DELETE("/invites/:token", h.RevokeInvite)
	admin.DELETE("/messages/:id", h.DeleteMessage)

	r.GET("/ws", auth.AuthMiddleware(cfg.JWTSecret, db), h.ServeWS)
	return r
}

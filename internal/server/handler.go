package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ngapox/malenga-knowledge-clinic/internal/auth"
	"github.com/ngapox/malenga-knowledge-clinic/internal/config"
	"github.com/ngapox/malenga-knowledge-clinic/internal/models"
	"github.com/ngapox/malenga-knowledge-clinic/internal/service"
	"github.com/ngapox/malenga-knowledge-clinic/internal/ws"
)

const defaultPageSize = 50

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	cfg       config.Config
	hub       *ws.Hub
	users     *service.UserService
	rooms     *service.RoomService
	messages  *service.MessageService
	reactions *service.ReactionService
	invites   *service.InviteService
	mentions  *service.MentionService
	backend   ws.Backend
}

func NewHandler(cfg config.Config, hub *ws.Hub, svcs *Services) *Handler {
	return &Handler{
		cfg:       cfg,
		hub:       hub,
		users:     svcs.Users,
		rooms:     svcs.Rooms,
		messages:  svcs.Messages,
		reactions: svcs.Reactions,
		invites:   svcs.Invites,
		mentions:  svcs.Mentions,
		backend:   &chatBackend{rooms: svcs.Rooms, messages: svcs.Messages, pub: svcs.Publisher},
	}
}

func actor(c *gin.Context) *service.Identity {
	return service.IdentityOf(auth.CurrentUser(c))
}

func idParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(v), true
}

func profileJSON(u *models.User) gin.H {
	return gin.H{
		"id":           u.ID,
		"username":     u.Username,
		"display_name": service.DisplayName(u),
		"avatar_url":   u.AvatarURL,
		"is_admin":     u.IsAdmin,
	}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if n := utf8.RuneCountInString(req.Username); n < 2 || n > 64 {
		badRequest(c, "invalid username")
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		badRequest(c, "invalid password")
		return
	}
	if utf8.RuneCountInString(req.DisplayName) > 128 {
		badRequest(c, "invalid display name")
		return
	}
	result, err := h.users.Register(c.Request.Context(), req.Username, req.Password, req.DisplayName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		badRequest(c, "invalid payload")
		return
	}
	result, err := h.users.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          profileJSON(&result.User),
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		badRequest(c, "invalid payload")
		return
	}
	result, err := h.users.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Me 返回当前用户资料。
func (h *Handler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, profileJSON(auth.CurrentUser(c)))
}

// ListRooms 处理获取房间列表请求。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.rooms.ListRooms(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// CreateRoom 处理创建房间请求，未指定可见性时默认公开。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name     string `json:"name"`
		IsPublic *bool  `json:"is_public"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	public := req.IsPublic == nil || *req.IsPublic
	room, err := h.rooms.CreateRoom(c.Request.Context(), actor(c), req.Name, public)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

// SetVisibility 修改房间可见性。
func (h *Handler) SetVisibility(c *gin.Context) {
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		IsPublic *bool `json:"is_public"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IsPublic == nil {
		badRequest(c, "is_public is required")
		return
	}
	if err := h.rooms.SetRoomVisibility(c.Request.Context(), actor(c), roomID, *req.IsPublic); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteRoom 删除房间及其全部数据。
func (h *Handler) DeleteRoom(c *gin.Context) {
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.rooms.DeleteRoom(c.Request.Context(), actor(c), roomID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// JoinRoom 自助加入公开房间。
func (h *Handler) JoinRoom(c *gin.Context) {
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.rooms.JoinPublicRoom(c.Request.Context(), actor(c), roomID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID})
}

func (h *Handler) GetSettings(c *gin.Context) {
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	st, err := h.rooms.GetRoomSettings(c.Request.Context(), actor(c), roomID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// PutSettings 合并更新房间设置，缺省字段保持原值。
func (h *Handler) PutSettings(c *gin.Context) {
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var patch service.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	st, err := h.rooms.UpsertRoomSettings(c.Request.Context(), actor(c), roomID, patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) ListMembers(c *gin.Context) {
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	members, err := h.rooms.ListMembers(c.Request.Context(), actor(c), roomID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// AddMember 以管理员权限直接加入成员，重复加入同样返回成功。
func (h *Handler) AddMember(c *gin.Context) {
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		badRequest(c, "user_id is required")
		return
	}
	added, err := h.rooms.AddMember(c.Request.Context(), roomID, req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "user_id": req.UserID, "added": added})
}

func (h *Handler) RemoveMember(c *gin.Context) {
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	userID, ok := idParam(c, "uid")
	if !ok {
		return
	}
	if err := h.rooms.RemoveMember(c.Request.Context(), actor(c), roomID, userID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMessages 处理获取房间消息列表请求。limit=0 返回全部历史。
func (h *Handler) ListMessages(c *gin.Context) {
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	limit := defaultPageSize
	if s := c.Query("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			badRequest(c, "invalid limit")
			return
		}
		limit = v
	}
	var beforeID uint
	if s := c.Query("before_id"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			badRequest(c, "invalid before_id")
			return
		}
		beforeID = uint(v)
	}
	msgs, err := h.messages.ListMessages(c.Request.Context(), actor(c), roomID, limit, beforeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) PostMessage(c *gin.Context) {
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	msg, err := h.messages.PostMessage(c.Request.Context(), actor(c), roomID, req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	msgID, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.messages.DeleteMessage(c.Request.Context(), actor(c), msgID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ToggleReaction 切换当前用户对消息的表情回应。
func (h *Handler) ToggleReaction(c *gin.Context) {
	msgID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	tally, err := h.reactions.ToggleReaction(c.Request.Context(), actor(c), msgID, req.Emoji)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": msgID, "emoji": strings.TrimSpace(req.Emoji), "count": tally.Count, "me": tally.Me})
}

// Mentions 返回 @ 补全候选。查询失败时降级为空列表，不阻塞输入框。
func (h *Handler) Mentions(c *gin.Context) {
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	cands, err := h.mentions.ListMentionCandidates(c.Request.Context(), actor(c), roomID, c.Query("q"))
	if err != nil {
		log.Warn().Err(err).Uint("room_id", roomID).Msg("mention candidates")
		cands = []service.Candidate{}
	}
	c.JSON(http.StatusOK, gin.H{"candidates": cands})
}

func (h *Handler) CreateInvite(c *gin.Context) {
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		ValidDays int `json:"valid_days"`
	}
	// 空 body 表示永不过期
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid payload")
		return
	}
	inv, err := h.invites.CreateInvite(c.Request.Context(), actor(c), roomID, req.ValidDays)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invite": inv})
}

func (h *Handler) ListInvites(c *gin.Context) {
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	invs, err := h.invites.ListInvites(c.Request.Context(), actor(c), roomID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invites": invs})
}

func (h *Handler) RevokeInvite(c *gin.Context) {
	if err := h.invites.RevokeInvite(c.Request.Context(), actor(c), c.Param("token")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RedeemInvite 兑换邀请。未登录时返回 401 和带回跳地址的登录链接，登录后重试同一个邀请码即可。
func (h *Handler) RedeemInvite(c *gin.Context) {
	token := c.Param("token")
	roomID, err := h.invites.RedeemInvite(c.Request.Context(), actor(c), token)
	if err != nil {
		if status, code := errorStatus(err); status == http.StatusUnauthorized {
			c.AbortWithStatusJSON(status, gin.H{
				"error":     code,
				"message":   "sign in to join this room",
				"login_url": service.LoginRedirect(h.cfg.LoginURL, token),
			})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID})
}

// ServeWS 校验读权限后升级为 websocket。
func (h *Handler) ServeWS(c *gin.Context) {
	rid, err := strconv.ParseUint(c.Query("room_id"), 10, 64)
	if err != nil || rid == 0 {
		badRequest(c, "invalid room_id")
		return
	}
	user := auth.CurrentUser(c)
	if err := h.backend.CanRead(c.Request.Context(), user, uint(rid)); err != nil {
		writeError(c, err)
		return
	}
	ws.Serve(c, h.hub, h.backend, user, service.DisplayName(user), uint(rid))
}

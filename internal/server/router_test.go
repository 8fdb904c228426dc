package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ngapox/malenga-knowledge-clinic/internal/config"
	"github.com/ngapox/malenga-knowledge-clinic/internal/db/dbtest"
	"github.com/ngapox/malenga-knowledge-clinic/internal/models"
	"github.com/ngapox/malenga-knowledge-clinic/internal/moderation"
	"github.com/ngapox/malenga-knowledge-clinic/internal/ws"
)

type testServer struct {
	t      *testing.T
	db     *gorm.DB
	hub    *ws.Hub
	engine *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{
		Port:                  "0",
		Env:                   "dev",
		JWTSecret:             "secret",
		AccessTokenTTLMinutes: 15,
		RefreshTokenTTLDays:   7,
		MentionPageSize:       8,
		ReactionCacheSize:     64,
		RateLimitRPS:          1000,
		RateLimitBurst:        1000,
		LoginURL:              "/login",
	}
	gdb := dbtest.Open(t)
	policy, err := moderation.New([]string{"darn"}, "")
	require.NoError(t, err)
	require.NoError(t, policy.Register(gdb))
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	engine := SetupRouter(cfg, gdb, hub, NewServices(cfg, gdb, hub, nil))
	return &testServer{t: t, db: gdb, hub: hub, engine: engine}
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// signup 注册并登录，返回 access token 与用户 ID。
func (s *testServer) signup(username string, admin bool) (string, uint) {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": username, "password": "secret123"})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	id := uint(decode(s.t, w)["id"].(float64))
	if admin {
		require.NoError(s.t, s.db.Model(&models.User{}).Where("id = ?", id).Update("is_admin", true).Error)
	}
	w = s.do(http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": username, "password": "secret123"})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	return decode(s.t, w)["access_token"].(string), id
}

func (s *testServer) createRoom(token, name string, public bool) uint {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/v1/rooms", token, gin.H{"name": name, "is_public": public})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	room := decode(s.t, w)["room"].(map[string]any)
	return uint(room["id"].(float64))
}

func api(format string, args ...any) string {
	return "/api/v1" + fmt.Sprintf(format, args...)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAuthFlow(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/v1/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, id := s.signup("alice", false)
	w = s.do(http.MethodGet, "/api/v1/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decode(t, w)
	assert.EqualValues(t, id, me["id"])
	assert.Equal(t, false, me["is_admin"])

	w = s.do(http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": "alice", "password": "secret123"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "duplicate", decode(t, w)["error"])

	w = s.do(http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice", "password": "secret123"})
	rt := decode(t, w)["refresh_token"].(string)
	w = s.do(http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refresh_token": rt})
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refresh_token": rt})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "refresh tokens rotate")
}

func TestAdminOnlyRoutes(t *testing.T) {
	s := newTestServer(t)
	admin, _ := s.signup("admin", true)
	user, _ := s.signup("bob", false)

	w := s.do(http.MethodPost, "/api/v1/rooms", user, gin.H{"name": "General"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	id := s.createRoom(admin, "General", true)
	w = s.do(http.MethodPost, "/api/v1/rooms", admin, gin.H{"name": "General"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodGet, "/api/v1/rooms", user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rooms := decode(t, w)["rooms"].([]any)
	require.Len(t, rooms, 1)

	w = s.do(http.MethodDelete, api("/rooms/%d", id), user, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(http.MethodDelete, api("/rooms/%d", id), admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(http.MethodDelete, api("/rooms/%d", id), admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// 私有房间经邀请加入，未登录时先拿到登录链接。
func TestInviteRedemptionFlow(t *testing.T) {
	s := newTestServer(t)
	admin, _ := s.signup("admin", true)
	z, _ := s.signup("zed", false)
	vip := s.createRoom(admin, "VIP", false)

	w := s.do(http.MethodPost, api("/rooms/%d/messages", vip), z, gin.H{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "permission_denied", decode(t, w)["error"])

	w = s.do(http.MethodGet, api("/rooms/%d/messages", vip), z, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, api("/rooms/%d/invites", vip), admin, gin.H{"valid_days": 1})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	inv := decode(t, w)["invite"].(map[string]any)
	token := inv["token"].(string)
	assert.Equal(t, "/join/"+token, inv["join_url"])

	w = s.do(http.MethodPost, api("/invites/%s/redeem", token), "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	body := decode(t, w)
	assert.Equal(t, "unauthenticated", body["error"])
	assert.Equal(t, "/login?next=%2Fjoin%2F"+token, body["login_url"])

	w = s.do(http.MethodPost, api("/invites/%s/redeem", token), z, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, vip, decode(t, w)["room_id"])

	w = s.do(http.MethodPost, api("/invites/%s/redeem", token), z, nil)
	assert.Equal(t, http.StatusOK, w.Code, "redeeming twice is safe")

	w = s.do(http.MethodPost, api("/rooms/%d/messages", vip), z, gin.H{"content": "thanks"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = s.do(http.MethodPost, api("/invites/%s/redeem", "nope"), z, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "invalid_invite", decode(t, w)["error"])

	past := time.Now().Add(-time.Second)
	require.NoError(t, s.db.Create(&models.Invite{Token: "old", RoomID: vip, ExpiresAt: &past}).Error)
	w = s.do(http.MethodPost, api("/invites/%s/redeem", "old"), z, nil)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "expired_invite", decode(t, w)["error"])
}

func TestCreateInviteWithoutBody(t *testing.T) {
	s := newTestServer(t)
	admin, _ := s.signup("admin", true)
	vip := s.createRoom(admin, "VIP", false)

	for name, length := range map[string]int64{"empty": 0, "chunked": -1} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, api("/rooms/%d/invites", vip), strings.NewReader(""))
			req.ContentLength = length
			req.Header.Set("Authorization", "Bearer "+admin)
			w := httptest.NewRecorder()
			s.engine.ServeHTTP(w, req)
			require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
			inv := decode(t, w)["invite"].(map[string]any)
			assert.Nil(t, inv["expires_at"], "no body means no expiry")
		})
	}

	w := s.do(http.MethodPost, api("/rooms/%d/invites", vip), admin, "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostingErrors(t *testing.T) {
	s := newTestServer(t)
	admin, _ := s.signup("admin", true)
	bob, _ := s.signup("bob", false)
	id := s.createRoom(admin, "General", true)

	w := s.do(http.MethodPost, api("/rooms/%d/join", id), bob, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPost, api("/rooms/%d/messages", id), bob, gin.H{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", decode(t, w)["error"])

	w = s.do(http.MethodPost, api("/rooms/%d/messages", id), bob, gin.H{"content": "oh darn"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "content_rejected", decode(t, w)["error"])

	w = s.do(http.MethodPut, api("/rooms/%d/settings", id), admin, gin.H{"slow_mode_seconds": 60})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, api("/rooms/%d/messages", id), bob, gin.H{"content": "first"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = s.do(http.MethodPost, api("/rooms/%d/messages", id), bob, gin.H{"content": "second"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decode(t, w)["error"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// 仅管理员可发言时，公告仍然可读
	w = s.do(http.MethodPut, api("/rooms/%d/settings", id), admin, gin.H{"admins_only_post": true, "notice": "Read-only today"})
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(http.MethodGet, api("/rooms/%d/settings", id), bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode(t, w)
	assert.Equal(t, "Read-only today", st["notice"])
	assert.EqualValues(t, 60, st["slow_mode_seconds"])

	w = s.do(http.MethodPost, api("/rooms/%d/messages", id), bob, gin.H{"content": "hello?"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(http.MethodPost, api("/rooms/%d/messages", id), admin, gin.H{"content": "announcement"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = s.do(http.MethodPost, api("/rooms/%d/messages", 999), admin, gin.H{"content": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(http.MethodPost, "/api/v1/rooms/abc/messages", admin, gin.H{"content": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReactionsMentionsAndModeration(t *testing.T) {
	s := newTestServer(t)
	admin, _ := s.signup("admin", true)
	bob, bobID := s.signup("bob", false)
	carol, _ := s.signup("carol", false)
	id := s.createRoom(admin, "General", true)
	priv := s.createRoom(admin, "VIP", false)
	w := s.do(http.MethodPost, api("/rooms/%d/members", id), admin, gin.H{"user_id": bobID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["added"])

	w = s.do(http.MethodPost, api("/rooms/%d/messages", id), bob, gin.H{"content": "hi @admin"})
	require.Equal(t, http.StatusCreated, w.Code)
	msgID := uint(decode(t, w)["message"].(map[string]any)["id"].(float64))

	w = s.do(http.MethodPost, api("/messages/%d/reactions", msgID), bob, gin.H{"emoji": "👍"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
	w = s.do(http.MethodPost, api("/messages/%d/reactions", msgID), bob, gin.H{"emoji": "👍"})
	tally := decode(t, w)
	assert.EqualValues(t, 0, tally["count"])
	assert.Equal(t, false, tally["me"])
	w = s.do(http.MethodPost, api("/messages/%d/reactions", msgID), carol, gin.H{"emoji": "👍"})
	tally = decode(t, w)
	assert.EqualValues(t, 1, tally["count"])
	assert.Equal(t, true, tally["me"])
	w = s.do(http.MethodPost, api("/messages/%d/reactions", msgID), carol, gin.H{"emoji": "lol"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, api("/rooms/%d/messages", id), bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode(t, w)["messages"].([]any)
	require.Len(t, msgs, 1)
	reactions := msgs[0].(map[string]any)["reactions"].(map[string]any)
	assert.EqualValues(t, 1, reactions["👍"].(map[string]any)["count"])

	w = s.do(http.MethodGet, api("/rooms/%d/mentions?q=BO", id), admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cands := decode(t, w)["candidates"].([]any)
	require.Len(t, cands, 1)
	assert.Equal(t, "bob", cands[0].(map[string]any)["label"])

	// 无权读取时降级为空列表
	w = s.do(http.MethodGet, api("/rooms/%d/mentions", priv), carol, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["candidates"])

	w = s.do(http.MethodGet, api("/rooms/%d/members", id), admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["members"], 2)

	w = s.do(http.MethodDelete, api("/rooms/%d/members/%d", id, bobID), admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(http.MethodDelete, api("/rooms/%d/members/%d", id, bobID), admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(http.MethodDelete, api("/messages/%d", msgID), admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(http.MethodGet, api("/rooms/%d/messages", id), bob, nil)
	assert.Empty(t, decode(t, w)["messages"])

	w = s.do(http.MethodPatch, api("/rooms/%d/visibility", id), admin, gin.H{"is_public": false})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(http.MethodGet, api("/rooms/%d/messages", id), carol, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebsocketLiveFeed(t *testing.T) {
	s := newTestServer(t)
	admin, _ := s.signup("admin", true)
	bob, _ := s.signup("bob", false)
	general := s.createRoom(admin, "General", true)
	other := s.createRoom(admin, "Other", true)
	vip := s.createRoom(admin, "VIP", false)

	srv := httptest.NewServer(s.engine)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s/ws?room_id=%d", base, general), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(fmt.Sprintf("%s/ws?room_id=%d&token=%s", base, vip, bob), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s/ws?room_id=%d&token=%s", base, general, bob), nil)
	require.NoError(t, err)
	defer conn.Close()

	next := func(types ...string) ws.Event {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		for {
			var ev ws.Event
			require.NoError(t, conn.ReadJSON(&ev))
			for _, typ := range types {
				if ev.Type == typ {
					return ev
				}
			}
		}
	}

	assert.Equal(t, general, next(ws.EventSwitched).RoomID)

	w := s.do(http.MethodPost, api("/rooms/%d/messages", general), admin, gin.H{"content": "hello"})
	require.Equal(t, http.StatusCreated, w.Code)
	ev := next(ws.EventMessage)
	assert.Equal(t, "hello", ev.Content)
	assert.Equal(t, "admin", ev.Username)

	// 非成员通过 websocket 发言得到错误帧
	require.NoError(t, conn.WriteJSON(ws.Inbound{Type: "message", Content: "me too"}))
	errEv := next(ws.EventError)
	assert.Equal(t, "permission_denied", errEv.Error)

	require.NoError(t, conn.WriteJSON(ws.Inbound{Type: "switch", RoomID: vip}))
	assert.Equal(t, "permission_denied", next(ws.EventError).Error)

	require.NoError(t, conn.WriteJSON(ws.Inbound{Type: "switch", RoomID: other}))
	assert.Equal(t, other, next(ws.EventSwitched).RoomID)

	w = s.do(http.MethodPost, api("/rooms/%d/messages", general), admin, gin.H{"content": "old room"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = s.do(http.MethodPost, api("/rooms/%d/messages", other), admin, gin.H{"content": "new room"})
	require.Equal(t, http.StatusCreated, w.Code)
	ev = next(ws.EventMessage)
	assert.Equal(t, other, ev.RoomID, "no events from the previous room after a switch")
	assert.Equal(t, "new room", ev.Content)

	// 房间被删除后订阅者先收到通知，随后连接被关闭
	w = s.do(http.MethodDelete, api("/rooms/%d", other), admin, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, other, next(ws.EventRoomDeleted).RoomID)
	for {
		var ev ws.Event
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
			break
		}
	}
}

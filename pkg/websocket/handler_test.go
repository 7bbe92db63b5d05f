package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chat-system/config"
	"chat-system/internal/model"
	"chat-system/internal/repository"
	"chat-system/pkg/db"
	"chat-system/pkg/jwt"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var e2eJWT = config.JWTConfig{Secret: "e2e-secret", Issuer: "chat-system", ExpireTime: time.Hour}

type testEnv struct {
	orm      *gorm.DB
	server   *httptest.Server
	registry *Registry
	tokens   *jwt.JWTService
	users    *repository.UserRepository
	convs    *repository.ConversationRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	orm, err := db.OpenMemory()
	require.NoError(t, err)

	env := &testEnv{
		orm:      orm,
		registry: NewRegistry(),
		tokens:   jwt.NewJWTService(e2eJWT),
		users:    repository.NewUserRepository(orm),
		convs:    repository.NewConversationRepository(orm),
	}
	verifier := jwt.NewVerifier(env.tokens, env.users)
	h := NewHandler(verifier, env.convs, env.registry, NewLocalDispatcher(env.registry), NewPresence(env.users), config.DefaultWebSocketConfig())

	router := gin.New()
	router.GET("/ws/chat/:conversation_id", h.ServeWS)
	env.server = httptest.NewServer(router)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) user(t *testing.T, name string, active bool) *model.User {
	t.Helper()
	u := &model.User{Username: name, Email: name + "@example.com", PasswordHash: "x", IsActive: true}
	require.NoError(t, e.users.Create(context.Background(), u))
	if !active {
		// IsActive 默认值为true，零值不会被Create写入
		require.NoError(t, e.orm.Model(u).Update("is_active", false).Error)
		u.IsActive = false
	}
	return u
}

func (e *testEnv) token(t *testing.T, u *model.User) string {
	t.Helper()
	tok, err := e.tokens.GenerateToken(u.ID, nil)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) dial(t *testing.T, convID uint, token string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws%s/ws/chat/%d", strings.TrimPrefix(e.server.URL, "http"), convID)
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var m map[string]interface{}
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, code, closeErr.Code)
}

func TestServeWS_DirectConversation(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.user(t, "alice", true)
	u2 := env.user(t, "bob", true)
	conv, _, err := env.convs.ResolveDirect(context.Background(), u1.ID, u2.ID)
	require.NoError(t, err)

	c1 := env.dial(t, conv.ID, env.token(t, u1))
	c2 := env.dial(t, conv.ID, env.token(t, u2))
	require.Eventually(t, func() bool { return env.registry.Size(conv.ID) == 2 }, 3*time.Second, 10*time.Millisecond)

	// 场景1：双方都收到同一条新消息
	require.NoError(t, c1.WriteJSON(map[string]string{"type": "new_message", "message": "hi"}))
	ev1 := readEvent(t, c1)
	ev2 := readEvent(t, c2)
	for _, ev := range []map[string]interface{}{ev1, ev2} {
		assert.Equal(t, "new_message", ev["type"])
		assert.Equal(t, "hi", ev["message"])
		assert.EqualValues(t, u1.ID, ev["sender_id"])
		assert.EqualValues(t, conv.ID, ev["conversation_id"])
	}
	assert.Equal(t, ev1["id"], ev2["id"])

	unread, err := env.convs.UnreadCount(context.Background(), conv.ID, u2.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(1), unread)

	// 场景2：接收者标记已读，发送者收到回执，未读数归零
	msgID := uint(ev2["id"].(float64))
	require.NoError(t, c2.WriteJSON(map[string]interface{}{"type": "mark_read", "message_ids": []uint{msgID}}))
	receipt := readEvent(t, c1)
	assert.Equal(t, "messages_read", receipt["type"])
	assert.EqualValues(t, u2.ID, receipt["reader_id"])
	assert.Equal(t, []interface{}{float64(msgID)}, receipt["message_ids"])

	unread, err = env.convs.UnreadCount(context.Background(), conv.ID, u2.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(0), unread)

	// 畸形帧只回给发送者
	require.NoError(t, c2.WriteMessage(websocket.TextMessage, []byte("{oops")))
	_ = readEvent(t, c2) // messages_read 回执
	errFrame := readEvent(t, c2)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, ErrCodeMalformedFrame, errFrame["code"])
}

func TestServeWS_ExpiredCredential(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.user(t, "alice", true)
	u2 := env.user(t, "bob", true)
	conv, _, err := env.convs.ResolveDirect(context.Background(), u1.ID, u2.ID)
	require.NoError(t, err)

	expired := jwt.NewJWTService(config.JWTConfig{Secret: e2eJWT.Secret, Issuer: e2eJWT.Issuer, ExpireTime: -time.Minute})
	tok, err := expired.GenerateToken(u1.ID, nil)
	require.NoError(t, err)

	conn := env.dial(t, conv.ID, tok)
	expectClose(t, conn, CloseCredentialExpired)
	assert.Equal(t, 0, env.registry.Size(conv.ID))
}

func TestServeWS_HandshakeCloseCodes(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.user(t, "alice", true)
	u2 := env.user(t, "bob", true)
	inactive := env.user(t, "mallory", false)
	conv, _, err := env.convs.ResolveDirect(context.Background(), u1.ID, u2.ID)
	require.NoError(t, err)

	other := jwt.NewJWTService(config.JWTConfig{Secret: "another-secret", Issuer: e2eJWT.Issuer, ExpireTime: time.Hour})
	forged, err := other.GenerateToken(u1.ID, nil)
	require.NoError(t, err)
	ghost, err := env.tokens.GenerateToken(9999, nil)
	require.NoError(t, err)

	cases := []struct {
		name   string
		convID uint
		token  string
		code   int
	}{
		{"missing token", conv.ID, "", CloseCredentialMissing},
		{"garbage token", conv.ID, "abc", CloseCredentialMissing},
		{"bad signature", conv.ID, forged, CloseCredentialInvalid},
		{"inactive user", conv.ID, env.token(t, inactive), CloseSubjectInactive},
		{"unknown user", conv.ID, ghost, CloseSubjectUnknown},
		{"unknown conversation", conv.ID + 100, env.token(t, u1), CloseConversationAbsent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := env.dial(t, tc.convID, tc.token)
			expectClose(t, conn, tc.code)
		})
	}
}

func TestServeWS_GroupMembershipDenied(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.user(t, "alice", true)
	u2 := env.user(t, "bob", true)
	u3 := env.user(t, "carol", true)
	group, err := env.convs.CreateGroup(context.Background(), "devs", u1.ID, []uint{u2.ID})
	require.NoError(t, err)

	conn := env.dial(t, group.ID, env.token(t, u3))
	expectClose(t, conn, CloseMembershipDenied)
	assert.Equal(t, 0, env.registry.Size(group.ID))
}

func TestServeWS_DisconnectDeregisters(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.user(t, "alice", true)
	u2 := env.user(t, "bob", true)
	conv, _, err := env.convs.ResolveDirect(context.Background(), u1.ID, u2.ID)
	require.NoError(t, err)

	conn := env.dial(t, conv.ID, env.token(t, u1))
	require.Eventually(t, func() bool { return env.registry.Size(conv.ID) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		u, err := env.users.GetByID(context.Background(), u1.ID)
		return err == nil && u.IsOnline
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = conn.Close()

	require.Eventually(t, func() bool { return env.registry.Size(conv.ID) == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.registry.RoomCount())
	require.Eventually(t, func() bool {
		u, err := env.users.GetByID(context.Background(), u1.ID)
		return err == nil && !u.IsOnline
	}, 3*time.Second, 10*time.Millisecond)
}

func TestServeWS_EvictedAfterRemovalAndDeletion(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.user(t, "alice", true)
	u2 := env.user(t, "bob", true)
	u3 := env.user(t, "carol", true)
	ctx := context.Background()
	group, err := env.convs.CreateGroup(ctx, "ops", u1.ID, []uint{u2.ID, u3.ID})
	require.NoError(t, err)
	d := NewLocalDispatcher(env.registry)

	c1 := env.dial(t, group.ID, env.token(t, u1))
	c2 := env.dial(t, group.ID, env.token(t, u2))
	require.Eventually(t, func() bool { return env.registry.Size(group.ID) == 2 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, env.convs.RemoveParticipant(ctx, group, u2.ID))
	require.NoError(t, d.Evict(ctx, group.ID, u2.ID))
	expectClose(t, c2, CloseMembershipDenied)
	assert.Equal(t, 1, env.registry.Size(group.ID))

	// 被移除后不再收到房间广播
	require.NoError(t, c1.WriteJSON(map[string]string{"type": "new_message", "message": "still here"}))
	assert.Equal(t, "new_message", readEvent(t, c1)["type"])

	require.NoError(t, env.convs.DeleteGroup(ctx, group))
	require.NoError(t, d.Evict(ctx, group.ID, 0))
	expectClose(t, c1, CloseConversationAbsent)
	require.Eventually(t, func() bool { return env.registry.RoomCount() == 0 }, 3*time.Second, 10*time.Millisecond)
}

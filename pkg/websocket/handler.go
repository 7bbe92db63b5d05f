package websocket

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chat-system/config"
	"chat-system/internal/model"
	"chat-system/internal/repository"
	"chat-system/pkg/jwt"
	"chat-system/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 握手失败的关闭码
const (
	CloseCredentialMissing  = 4000 // 缺少或格式错误的令牌
	CloseCredentialInvalid  = 4001 // 签名无效
	CloseCredentialExpired  = 4002 // 令牌过期
	CloseSubjectInactive    = 4003 // 账号已禁用
	CloseSubjectUnknown     = 4004 // 用户不存在
	CloseMembershipDenied   = 4403 // 不是会话成员
	CloseConversationAbsent = 4404 // 会话不存在
)

// Authenticator 将令牌解析为用户
type Authenticator interface {
	Verify(ctx context.Context, token string) (*model.User, error)
}

// ConversationStore 握手与会话所需的存储操作
type ConversationStore interface {
	MessageStore
	GetByID(ctx context.Context, id uint) (*model.Conversation, error)
	IsParticipant(ctx context.Context, conv *model.Conversation, userID uint) (bool, error)
}

// Handler WebSocket入口
type Handler struct {
	auth       Authenticator
	convs      ConversationStore
	registry   *Registry
	dispatcher Dispatcher
	presence   *Presence
	cfg        config.WebSocketConfig
	upgrader   websocket.Upgrader
}

// NewHandler 创建WebSocket处理器
func NewHandler(
	auth Authenticator,
	convs ConversationStore,
	registry *Registry,
	dispatcher Dispatcher,
	presence *Presence,
	cfg config.WebSocketConfig,
) *Handler {
	defaults := config.DefaultWebSocketConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}
	return &Handler{
		auth:       auth,
		convs:      convs,
		registry:   registry,
		dispatcher: dispatcher,
		presence:   presence,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许跨域
			},
		},
	}
}

// handshakeError 握手失败，携带关闭码
type handshakeError struct {
	code   int
	reason string
	err    error
}

func (e *handshakeError) Error() string { return e.reason }
func (e *handshakeError) Unwrap() error { return e.err }

// closeCodeFor 认证与成员校验错误对应的关闭码
func closeCodeFor(err error) (int, string) {
	switch {
	case errors.Is(err, jwt.ErrCredentialMissing), errors.Is(err, jwt.ErrCredentialMalformed):
		return CloseCredentialMissing, "credential missing or malformed"
	case errors.Is(err, jwt.ErrCredentialInvalid):
		return CloseCredentialInvalid, "credential invalid"
	case errors.Is(err, jwt.ErrCredentialExpired):
		return CloseCredentialExpired, "credential expired"
	case errors.Is(err, jwt.ErrSubjectInactive):
		return CloseSubjectInactive, "user inactive"
	case errors.Is(err, jwt.ErrSubjectUnknown):
		return CloseSubjectUnknown, "user unknown"
	case errors.Is(err, repository.ErrConversationNotFound):
		return CloseConversationAbsent, "conversation not found"
	default:
		return websocket.CloseInternalServerErr, "store unavailable"
	}
}

// ServeWS Gin路由处理函数：GET /ws/chat/:conversation_id?token=...
// 先完成升级，握手失败时用关闭码告知客户端原因
func (h *Handler) ServeWS(c *gin.Context) {
	token := c.Query("token")
	protocol := c.GetHeader("Sec-WebSocket-Protocol")
	if token == "" && protocol != "" {
		token = strings.TrimSpace(strings.TrimPrefix(protocol, "Bearer "))
	}

	// 回显子协议，避免客户端提示 "Server sent no subprotocol"
	respHeader := http.Header{}
	if protocol != "" {
		respHeader.Set("Sec-WebSocket-Protocol", protocol)
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		logger.Warn("WebSocket升级失败", zap.Error(err), zap.String("ip", c.ClientIP()))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sess := NewSession(nil, h.convs, h.dispatcher, nil)

	user, conv, err := h.handshake(ctx, sess, token, c.Param("conversation_id"))
	if err != nil {
		sess.Close()
		var hsErr *handshakeError
		if !errors.As(err, &hsErr) {
			code, reason := closeCodeFor(err)
			hsErr = &handshakeError{code: code, reason: reason, err: err}
		}
		logger.Info("WebSocket握手失败",
			zap.Int("close_code", hsErr.code),
			zap.String("reason", hsErr.reason),
			zap.Error(hsErr.err),
			zap.String("ip", c.ClientIP()),
		)
		h.closeConn(conn, hsErr.code, hsErr.reason)
		return
	}

	client := NewClient(user.ID, user.DisplayName(), h.cfg.SendBuffer)
	sess.client = client
	sess.log = logger.With(
		zap.String("session_id", client.ID),
		zap.Uint("user_id", user.ID),
		zap.Uint("conversation_id", conv.ID),
	)

	h.registry.Join(conv.ID, client)
	sess.Join(conv)
	h.presence.Connect(ctx, user)
	sess.log.Info("WebSocket连接已加入房间")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, client)
	}()

	// 无论以何种方式退出，先从房间移除，再等待写协程结束
	defer func() {
		h.registry.Leave(conv.ID, client)
		sess.Close()
		client.Close()
		<-writerDone
		h.presence.Disconnect(context.WithoutCancel(ctx), user)
		sess.log.Info("WebSocket连接已关闭")
	}()

	h.readPump(ctx, conn, sess, user)
}

// handshake Connecting -> Authorized -> Joined 前的校验
func (h *Handler) handshake(ctx context.Context, sess *Session, token, rawConvID string) (*model.User, *model.Conversation, error) {
	user, err := h.auth.Verify(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	sess.Authorize(user)

	convID, err := strconv.ParseUint(rawConvID, 10, 64)
	if err != nil || convID == 0 {
		return nil, nil, &handshakeError{code: CloseConversationAbsent, reason: "conversation not found", err: err}
	}

	conv, err := h.convs.GetByID(ctx, uint(convID))
	if err != nil {
		return nil, nil, err
	}

	ok, err := h.convs.IsParticipant(ctx, conv, user.ID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, &handshakeError{code: CloseMembershipDenied, reason: "not a participant"}
	}
	return user, conv, nil
}

func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, sess *Session, user *model.User) {
	if h.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageSize)
	}
	// 若超时未收到任何读事件则断开
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		h.presence.Refresh(user.ID)
		return conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				sess.log.Warn("WebSocket读取异常", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		sess.HandleFrame(ctx, payload)
	}
}

// writePump 唯一的数据写协程，负责发送队列与ping心跳
func (h *Handler) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				client.CloseWith(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				client.CloseWith(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-client.Done():
			code, reason := client.CloseReason()
			if code != websocket.CloseAbnormalClosure {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason),
					time.Now().Add(h.cfg.WriteTimeout))
			}
			return
		}
	}
}

func (h *Handler) closeConn(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(h.cfg.WriteTimeout))
	_ = conn.Close()
}

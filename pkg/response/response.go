package response

import (
	"net/http"
	"time"

	"chat-system/internal/model"

	"github.com/gin-gonic/gin"
)

const timeLayout = "2006-01-02 15:04:05"

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`            // 状态码：0表示成功，其他表示错误
	Message string      `json:"message"`         // 响应消息
	Data    interface{} `json:"data,omitempty"`  // 响应数据
	Error   string      `json:"error,omitempty"` // 错误详情（仅在开发环境显示）
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// SuccessWithMessage 带自定义消息的成功响应
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// ErrorWithDetails 带错误详情的错误响应
func ErrorWithDetails(c *gin.Context, code int, message string, err error) {
	response := Response{
		Code:    code,
		Message: message,
	}

	// 在开发环境下显示错误详情
	if gin.Mode() == gin.DebugMode && err != nil {
		response.Error = err.Error()
	}

	c.JSON(http.StatusOK, response)
}

// BadRequest 400错误
func BadRequest(c *gin.Context, message string) {
	Error(c, 400, message)
}

// Unauthorized 401错误
func Unauthorized(c *gin.Context, message string) {
	Error(c, 401, message)
}

// Forbidden 403错误
func Forbidden(c *gin.Context, message string) {
	Error(c, 403, message)
}

// NotFound 404错误
func NotFound(c *gin.Context, message string) {
	Error(c, 404, message)
}

// InternalError 500错误
func InternalError(c *gin.Context, message string) {
	Error(c, 500, message)
}

// UserInfo 用户信息（隐藏敏感字段）
type UserInfo struct {
	ID        uint   `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Nickname  string `json:"nickname"`
	Avatar    string `json:"avatar"`
	IsOnline  bool   `json:"is_online"`
	LastSeen  string `json:"last_seen,omitempty"`
	CreatedAt string `json:"created_at"`
}

// FilterUserInfo 过滤用户信息，隐藏敏感字段
func FilterUserInfo(user *model.User) *UserInfo {
	if user == nil {
		return nil
	}

	info := &UserInfo{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Nickname:  user.Nickname,
		Avatar:    user.Avatar,
		IsOnline:  user.IsOnline,
		CreatedAt: user.CreatedAt.Format(timeLayout),
	}
	if user.LastSeen != nil {
		info.LastSeen = user.LastSeen.Format(timeLayout)
	}
	return info
}

// LoginResponse 登录响应
type LoginResponse struct {
	User        *UserInfo `json:"user"`
	AccessToken string    `json:"access_token"`
}

// RegisterResponse 注册响应
type RegisterResponse struct {
	User        *UserInfo `json:"user"`
	AccessToken string    `json:"access_token"`
}

// MessageResponse 消息响应，单聊与群聊共用
type MessageResponse struct {
	ID             uint   `json:"id"`
	ConversationID uint   `json:"conversation_id"`
	SenderID       uint   `json:"sender_id"`
	Message        string `json:"message"`
	IsRead         bool   `json:"is_read"`
	ReadBy         []uint `json:"read_by,omitempty"`
	Timestamp      string `json:"timestamp"`
}

// FilterMessageInfo 过滤消息信息
func FilterMessageInfo(message model.Message) *MessageResponse {
	if message == nil {
		return nil
	}

	resp := &MessageResponse{
		ID:             message.MessageID(),
		ConversationID: message.ConversationRef(),
		SenderID:       message.SenderRef(),
		Message:        model.BodyOf(message),
		Timestamp:      message.SentAt().UTC().Format(time.RFC3339Nano),
	}
	switch m := message.(type) {
	case *model.DirectMessage:
		resp.IsRead = m.IsRead
	case *model.GroupMessage:
		resp.IsRead = m.IsRead
	}
	return resp
}

// UnreadResponse 未读数响应
type UnreadResponse struct {
	ConversationID uint `json:"conversation_id,omitempty"`
	UnreadCount    uint `json:"unread_count"`
}

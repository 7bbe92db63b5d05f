package websocket

import (
	"encoding/json"
	"time"

	"chat-system/internal/model"
)

// 入站帧类型
const (
	FrameNewMessage  = "new_message"
	FrameTypingStart = "typing_start"
	FrameTypingStop  = "typing_stop"
	FrameMarkRead    = "mark_read"
)

// 出站事件类型
const (
	EventNewMessage   = "new_message"
	EventTyping       = "typing"
	EventMessagesRead = "messages_read"
	EventError        = "error"
)

// 错误帧代码
const (
	ErrCodeMalformedFrame   = "malformed_frame"
	ErrCodeStoreUnavailable = "store_unavailable"
	ErrCodeMembershipDenied = "membership_denied"
)

// InboundFrame 客户端发送的帧
type InboundFrame struct {
	Type       string `json:"type"`
	Message    string `json:"message,omitempty"`
	MessageIDs []uint `json:"message_ids,omitempty"`
}

// NewMessageEvent 新消息广播
type NewMessageEvent struct {
	Type           string `json:"type"`
	ID             uint   `json:"id"`
	Message        string `json:"message"`
	SenderID       uint   `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	Timestamp      string `json:"timestamp"`
	ConversationID uint   `json:"conversation_id"`
}

// TypingEvent 输入状态广播
type TypingEvent struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	UserID   uint   `json:"user_id"`
	UserName string `json:"user_name"`
}

// MessagesReadEvent 已读回执广播
type MessagesReadEvent struct {
	Type       string `json:"type"`
	MessageIDs []uint `json:"message_ids"`
	ReaderID   uint   `json:"reader_id"`
	ReaderName string `json:"reader_name"`
}

// ErrorEvent 仅发给出错的连接
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessageEventFrom 由已持久化的消息构造广播
func NewMessageEventFrom(msg model.Message, sender *model.User) NewMessageEvent {
	return NewMessageEvent{
		Type:           EventNewMessage,
		ID:             msg.MessageID(),
		Message:        model.BodyOf(msg),
		SenderID:       msg.SenderRef(),
		SenderName:     sender.DisplayName(),
		Timestamp:      msg.SentAt().UTC().Format(time.RFC3339Nano),
		ConversationID: msg.ConversationRef(),
	}
}

// NewTypingEvent status 为 start 或 stop
func NewTypingEvent(user *model.User, status string) TypingEvent {
	return TypingEvent{
		Type:     EventTyping,
		Status:   status,
		UserID:   user.ID,
		UserName: user.DisplayName(),
	}
}

// NewMessagesReadEvent 已读回执
func NewMessagesReadEvent(reader *model.User, ids []uint) MessagesReadEvent {
	if ids == nil {
		ids = []uint{}
	}
	return MessagesReadEvent{
		Type:       EventMessagesRead,
		MessageIDs: ids,
		ReaderID:   reader.ID,
		ReaderName: reader.DisplayName(),
	}
}

// NewErrorEvent 错误帧
func NewErrorEvent(code, message string) ErrorEvent {
	return ErrorEvent{Type: EventError, Code: code, Message: message}
}

// Encode 序列化出站事件
func Encode(event interface{}) ([]byte, error) {
	return json.Marshal(event)
}

package model

import (
	"time"
)

// Message 单聊/群聊消息的统一视图
// 两种消息的正文字段名不同（Content / Text），通过 BodyOf 按具体类型取值
type Message interface {
	MessageID() uint
	ConversationRef() uint
	SenderRef() uint
	SentAt() time.Time
	isMessage()
}

// DirectMessage 单聊消息
// IsRead 只能由接收者置为true

type DirectMessage struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"not null;index:idx_direct_conv_time,priority:1;comment:会话ID" json:"conversation_id"`
	SenderID       uint      `gorm:"not null;index;comment:发送者ID" json:"sender_id"`
	ReceiverID     uint      `gorm:"not null;index;comment:接收者ID" json:"receiver_id"`
	Content        string    `gorm:"type:text;not null;comment:消息内容" json:"message"`
	IsRead         bool      `gorm:"not null;default:false;comment:是否已读" json:"is_read"`
	CreatedAt      time.Time `gorm:"index:idx_direct_conv_time,priority:2;comment:创建时间" json:"timestamp"`
}

func (DirectMessage) TableName() string { return "direct_message" }

func (m *DirectMessage) MessageID() uint       { return m.ID }
func (m *DirectMessage) ConversationRef() uint { return m.ConversationID }
func (m *DirectMessage) SenderRef() uint       { return m.SenderID }
func (m *DirectMessage) SentAt() time.Time     { return m.CreatedAt }
func (*DirectMessage) isMessage()              {}

// GroupMessage 群聊消息
// 已读者记录在 GroupMessageRead 中，只增不减；IsRead 表示“至少有一人已读”

type GroupMessage struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"not null;index:idx_group_conv_time,priority:1;comment:会话ID" json:"conversation_id"`
	SenderID       uint      `gorm:"not null;index;comment:发送者ID" json:"sender_id"`
	Text           string    `gorm:"type:text;not null;comment:消息内容" json:"message"`
	IsRead         bool      `gorm:"not null;default:false;comment:是否有人已读" json:"is_read"`
	CreatedAt      time.Time `gorm:"index:idx_group_conv_time,priority:2;comment:创建时间" json:"timestamp"`
}

func (GroupMessage) TableName() string { return "group_message" }

func (m *GroupMessage) MessageID() uint       { return m.ID }
func (m *GroupMessage) ConversationRef() uint { return m.ConversationID }
func (m *GroupMessage) SenderRef() uint       { return m.SenderID }
func (m *GroupMessage) SentAt() time.Time     { return m.CreatedAt }
func (*GroupMessage) isMessage()              {}

// GroupMessageRead 群消息已读记录

type GroupMessageRead struct {
	ID        uint      `gorm:"primaryKey"`
	MessageID uint      `gorm:"not null;uniqueIndex:idx_read_message_user;comment:消息ID"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_read_message_user;comment:已读用户ID"`
	CreatedAt time.Time `gorm:"comment:已读时间"`
}

func (GroupMessageRead) TableName() string { return "group_message_read" }

// BodyOf 取消息正文
func BodyOf(m Message) string {
	switch v := m.(type) {
	case *DirectMessage:
		return v.Content
	case *GroupMessage:
		return v.Text
	default:
		return ""
	}
}

// AllModels 需要自动迁移的全部模型
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Conversation{},
		&GroupParticipant{},
		&DirectMessage{},
		&GroupMessage{},
		&GroupMessageRead{},
	}
}

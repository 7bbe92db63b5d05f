package model

import (
	"fmt"
	"time"
)

// ConversationType 会话类型
type ConversationType string

const (
	ConversationDirect ConversationType = "direct" // 单聊
	ConversationGroup  ConversationType = "group"  // 群聊
)

// Conversation 会话模型
// 单聊：User1ID < User2ID，DirectKey = "user1:user2" 唯一，保证同一对用户只有一行
// 群聊：Name 唯一（单聊为NULL，因此唯一性只作用于群聊），成员见 GroupParticipant
// LastMessage* 为最近一条消息的冗余字段，与消息插入在同一事务内更新
// ReadCursorUser* 为未读数最近一次清零时会话内最大的消息ID，只有ID更大的消息计入未读数

type Conversation struct {
	ID                  uint             `gorm:"primaryKey" json:"id"`
	Type                ConversationType `gorm:"type:varchar(16);not null;index;comment:会话类型" json:"type"`
	User1ID             *uint            `gorm:"index;comment:单聊用户1(较小ID)" json:"user1_id,omitempty"`
	User2ID             *uint            `gorm:"index;comment:单聊用户2(较大ID)" json:"user2_id,omitempty"`
	DirectKey           *string          `gorm:"type:varchar(64);uniqueIndex;comment:单聊唯一键" json:"-"`
	Name                *string          `gorm:"type:varchar(255);uniqueIndex;comment:群名称" json:"name,omitempty"`
	CreatedByID         *uint            `gorm:"comment:群创建者" json:"created_by_id,omitempty"`
	LastMessage         string           `gorm:"type:text;comment:最近消息" json:"last_message"`
	LastMessageTime     *time.Time       `gorm:"index;comment:最近消息时间" json:"last_message_time"`
	LastMessageSenderID *uint            `gorm:"comment:最近消息发送者" json:"last_message_sender_id"`
	UnreadCountUser1    uint             `gorm:"not null;default:0;comment:用户1未读数" json:"-"`
	UnreadCountUser2    uint             `gorm:"not null;default:0;comment:用户2未读数" json:"-"`
	ReadCursorUser1     uint             `gorm:"not null;default:0;comment:用户1未读计数起点消息ID" json:"-"`
	ReadCursorUser2     uint             `gorm:"not null;default:0;comment:用户2未读计数起点消息ID" json:"-"`
	CreatedAt           time.Time        `gorm:"comment:创建时间" json:"created_at"`
	UpdatedAt           time.Time        `gorm:"comment:更新时间" json:"updated_at"`
}

func (Conversation) TableName() string { return "conversation" }

// IsDirect 是否单聊
func (c *Conversation) IsDirect() bool { return c.Type == ConversationDirect }

// IsGroup 是否群聊
func (c *Conversation) IsGroup() bool { return c.Type == ConversationGroup }

// IsDirectParticipant 单聊中判断用户是否为两方之一
func (c *Conversation) IsDirectParticipant(userID uint) bool {
	if !c.IsDirect() || c.User1ID == nil || c.User2ID == nil {
		return false
	}
	return *c.User1ID == userID || *c.User2ID == userID
}

// OtherUser 单聊中对方的ID
func (c *Conversation) OtherUser(userID uint) uint {
	if !c.IsDirectParticipant(userID) {
		return 0
	}
	if *c.User1ID == userID {
		return *c.User2ID
	}
	return *c.User1ID
}

// DirectUnreadFor 单聊中指定用户的未读数
func (c *Conversation) DirectUnreadFor(userID uint) uint {
	switch {
	case !c.IsDirectParticipant(userID):
		return 0
	case *c.User1ID == userID:
		return c.UnreadCountUser1
	default:
		return c.UnreadCountUser2
	}
}

// DirectReadCursorFor 单聊中指定用户的未读计数起点
func (c *Conversation) DirectReadCursorFor(userID uint) uint {
	switch {
	case !c.IsDirectParticipant(userID):
		return 0
	case *c.User1ID == userID:
		return c.ReadCursorUser1
	default:
		return c.ReadCursorUser2
	}
}

// CanonicalPair 返回规范顺序（小ID在前）的用户对
func CanonicalPair(a, b uint) (uint, uint) {
	if a > b {
		return b, a
	}
	return a, b
}

// DirectKeyFor 单聊唯一键，写入和查询前都必须经过规范排序
func DirectKeyFor(a, b uint) string {
	lo, hi := CanonicalPair(a, b)
	return fmt.Sprintf("%d:%d", lo, hi)
}

// GroupParticipant 群成员及其未读数
// ReadCursor 为加入或最近一次清零时群内最大的消息ID，UnreadCount 只统计ID更大的他人消息

type GroupParticipant struct {
	ID             uint       `gorm:"primaryKey"`
	ConversationID uint       `gorm:"not null;uniqueIndex:idx_participant_conv_user;comment:会话ID"`
	UserID         uint       `gorm:"not null;uniqueIndex:idx_participant_conv_user;index;comment:用户ID"`
	UnreadCount    uint       `gorm:"not null;default:0;comment:未读数"`
	ReadCursor     uint       `gorm:"not null;default:0;comment:未读计数起点消息ID"`
	LastRead       *time.Time `gorm:"comment:最近已读时间"`
	CreatedAt      time.Time  `gorm:"comment:加入时间"`
}

func (GroupParticipant) TableName() string { return "group_participant" }

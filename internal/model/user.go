package model

import (
	"time"
)

// User 用户模型
// 索引与唯一约束：用户名唯一、邮箱唯一
// 说明：密码仅存储哈希（PasswordHash），不存储明文
// IsOnline / LastSeen 由连接生命周期维护，IsActive=false 表示账号被禁用

type User struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Username     string     `gorm:"type:varchar(64);not null;uniqueIndex;comment:用户名" json:"username"`
	Email        string     `gorm:"type:varchar(128);uniqueIndex;comment:邮箱" json:"email"`
	PasswordHash string     `gorm:"type:varchar(255);not null;comment:密码哈希" json:"-"`
	Nickname     string     `gorm:"type:varchar(64);comment:昵称" json:"nickname"`
	Avatar       string     `gorm:"type:varchar(255);comment:头像URL" json:"avatar"`
	IsOnline     bool       `gorm:"not null;default:false;comment:是否在线" json:"is_online"`
	IsActive     bool       `gorm:"not null;default:true;comment:是否启用" json:"is_active"`
	LastSeen     *time.Time `gorm:"comment:最近在线时间" json:"last_seen"`
	CreatedAt    time.Time  `gorm:"comment:创建时间" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"comment:更新时间" json:"updated_at"`
}

// TableName 指定表名（全局配置使用单数表名）
func (User) TableName() string { return "user" }

// DisplayName 展示名称：优先昵称，其次用户名
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}

package websocket

import (
	"context"
	"sync"

	"chat-system/internal/model"
	"chat-system/pkg/logger"
	"chat-system/pkg/redis"

	"go.uber.org/zap"
)

// PresenceStore 持久化在线标记
type PresenceStore interface {
	SetOnline(ctx context.Context, userID uint, online bool) error
}

// Presence 按用户统计本进程内的连接数
// 第一个连接建立时标记在线，最后一个连接断开时标记离线
// Redis启用时同步写入在线状态
type Presence struct {
	mu    sync.Mutex
	conns map[uint]int
	store PresenceStore
}

// NewPresence 创建在线状态跟踪器
func NewPresence(store PresenceStore) *Presence {
	return &Presence{conns: make(map[uint]int), store: store}
}

// Connect 连接建立
func (p *Presence) Connect(ctx context.Context, user *model.User) {
	p.update(ctx, user, 1)
}

// Disconnect 连接断开
func (p *Presence) Disconnect(ctx context.Context, user *model.User) {
	p.update(ctx, user, -1)
}

// Connections 用户在本进程的连接数
func (p *Presence) Connections(userID uint) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[userID]
}

// Refresh 心跳时延长Redis中的在线状态
func (p *Presence) Refresh(userID uint) {
	if !redis.Enabled() {
		return
	}
	if err := redis.RefreshUserPresence(userID); err != nil {
		logger.Debug("刷新在线状态失败", zap.Uint("user_id", userID), zap.Error(err))
	}
}

func (p *Presence) update(ctx context.Context, user *model.User, delta int) {
	p.mu.Lock()
	before := p.conns[user.ID]
	after := before + delta
	if after <= 0 {
		after = 0
		delete(p.conns, user.ID)
	} else {
		p.conns[user.ID] = after
	}
	p.mu.Unlock()

	if redis.Enabled() {
		if err := redis.SetUserPresence(user.ID, user.Username, after); err != nil {
			logger.Warn("同步Redis在线状态失败", zap.Uint("user_id", user.ID), zap.Error(err))
		}
	}

	if (before > 0) == (after > 0) || p.store == nil {
		return
	}

	// 数据库写在锁外进行；写完后若连接数已再次跨越0，补写最新状态
	online := after > 0
	for {
		if err := p.store.SetOnline(ctx, user.ID, online); err != nil {
			logger.Warn("更新用户在线状态失败",
				zap.Uint("user_id", user.ID),
				zap.Bool("online", online),
				zap.Error(err),
			)
			return
		}
		current := p.Connections(user.ID) > 0
		if current == online {
			return
		}
		online = current
	}
}

package websocket

import (
	"sync"
	"sync/atomic"

	"chat-system/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Registry 房间注册表：会话ID -> 在线连接集合
// 每个房间独立加锁，注册表锁只在查找、创建、回收房间时持有
type Registry struct {
	mu    sync.Mutex
	rooms map[uint]*room
}

type room struct {
	mu      sync.Mutex
	members map[*Client]struct{}
	// 房间清空后置为true并从注册表移除，持有旧指针的Join需要重试
	dead atomic.Bool
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[uint]*room)}
}

func (r *Registry) lookup(roomID uint) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomID]
}

func (r *Registry) getOrCreate(roomID uint) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[roomID]; ok && !rm.dead.Load() {
		return rm
	}
	rm := &room{members: make(map[*Client]struct{})}
	r.rooms[roomID] = rm
	return rm
}

// Join 加入房间，重复加入无副作用
func (r *Registry) Join(roomID uint, c *Client) {
	for {
		rm := r.getOrCreate(roomID)
		rm.mu.Lock()
		if rm.dead.Load() {
			rm.mu.Unlock()
			continue
		}
		rm.members[c] = struct{}{}
		size := len(rm.members)
		rm.mu.Unlock()

		logger.Debug("连接加入房间",
			zap.Uint("room_id", roomID),
			zap.String("client_id", c.ID),
			zap.Uint("user_id", c.UserID),
			zap.Int("room_size", size),
		)
		return
	}
}

// Leave 离开房间，房间为空时回收
func (r *Registry) Leave(roomID uint, c *Client) {
	rm := r.lookup(roomID)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	delete(rm.members, c)
	empty := len(rm.members) == 0 && !rm.dead.Load()
	if empty {
		rm.dead.Store(true)
	}
	rm.mu.Unlock()

	if empty {
		r.mu.Lock()
		if r.rooms[roomID] == rm {
			delete(r.rooms, roomID)
		}
		r.mu.Unlock()
	}
}

// Broadcast 向房间内所有连接投递，返回成功入队的连接数
// 发送者本身也会收到；队列已满的连接被断开，不影响其他成员
func (r *Registry) Broadcast(roomID uint, payload []byte) int {
	targets := r.Members(roomID)
	if len(targets) == 0 {
		return 0
	}

	delivered := 0
	for _, c := range targets {
		if c.Enqueue(payload) {
			delivered++
			continue
		}
		if c.Closed() {
			continue
		}
		logger.Warn("慢消费者，断开连接",
			zap.Uint("room_id", roomID),
			zap.String("client_id", c.ID),
			zap.Uint("user_id", c.UserID),
		)
		c.CloseWith(websocket.ClosePolicyViolation, "slow consumer")
		r.Leave(roomID, c)
	}
	return delivered
}

// Evict 断开房间内指定用户的连接，userID 为0时断开整个房间，返回断开的连接数
func (r *Registry) Evict(roomID, userID uint, code int, reason string) int {
	evicted := 0
	for _, c := range r.Members(roomID) {
		if userID != 0 && c.UserID != userID {
			continue
		}
		c.CloseWith(code, reason)
		r.Leave(roomID, c)
		evicted++
	}
	if evicted > 0 {
		logger.Info("已断开房间连接",
			zap.Uint("room_id", roomID),
			zap.Uint("user_id", userID),
			zap.Int("code", code),
			zap.Int("count", evicted),
		)
	}
	return evicted
}

// Members 房间成员快照
func (r *Registry) Members(roomID uint) []*Client {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]*Client, 0, len(rm.members))
	for c := range rm.members {
		out = append(out, c)
	}
	return out
}

// Size 房间内连接数
func (r *Registry) Size(roomID uint) int {
	rm := r.lookup(roomID)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// RoomCount 当前活跃房间数
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Shutdown 关闭所有连接，进程退出时调用
func (r *Registry) Shutdown() {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	for _, rm := range rooms {
		rm.mu.Lock()
		for c := range rm.members {
			c.CloseWith(websocket.CloseGoingAway, "server shutdown")
		}
		rm.mu.Unlock()
	}
}

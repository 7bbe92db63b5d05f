package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotInitialized Redis未启用时presence相关函数返回
var ErrNotInitialized = errors.New("redis client not initialized")

// PresenceData 在线状态数据
type PresenceData struct {
	UserID      uint      `json:"user_id"`
	Username    string    `json:"username"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"last_seen"`
	Connections int       `json:"connections"` // 本进程内该用户的活跃连接数
}

// 在线状态相关常量
const (
	PresenceKeyPrefix = "im:presence:user:" // 用户在线状态key前缀
	OnlineUsersKey    = "im:online:users"   // 在线用户集合key
	PresenceTTL       = 2 * time.Minute     // 在线状态TTL（2倍心跳周期）
)

func presenceKey(userID uint) string {
	return fmt.Sprintf("%s%d", PresenceKeyPrefix, userID)
}

// SetUserPresence 设置用户在线状态
// 上线时写入带TTL的状态并加入在线集合，下线时删除状态并移出集合
func SetUserPresence(userID uint, username string, connections int) error {
	if client == nil {
		return ErrNotInitialized
	}

	if connections <= 0 {
		return RemoveUserPresence(userID)
	}

	presence := PresenceData{
		UserID:      userID,
		Username:    username,
		Online:      true,
		LastSeen:    time.Now(),
		Connections: connections,
	}

	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("序列化在线状态失败: %w", err)
	}

	pipe := client.TxPipeline()
	pipe.Set(ctx, presenceKey(userID), data, PresenceTTL)
	pipe.SAdd(ctx, OnlineUsersKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("设置用户在线状态失败: %w", err)
	}
	return nil
}

// GetUserPresence 获取用户在线状态
func GetUserPresence(userID uint) (*PresenceData, error) {
	if client == nil {
		return nil, ErrNotInitialized
	}

	data, err := client.Get(ctx, presenceKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("获取用户在线状态失败: %w", err)
	}

	var presence PresenceData
	if err := json.Unmarshal([]byte(data), &presence); err != nil {
		return nil, fmt.Errorf("反序列化在线状态失败: %w", err)
	}

	return &presence, nil
}

// IsUserOnline 检查用户是否在线
func IsUserOnline(userID uint) (bool, error) {
	if client == nil {
		return false, ErrNotInitialized
	}

	exists, err := client.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("检查用户在线状态失败: %w", err)
	}

	return exists > 0, nil
}

// GetOnlineUsers 获取所有在线用户ID列表
func GetOnlineUsers() ([]uint, error) {
	if client == nil {
		return nil, ErrNotInitialized
	}

	members, err := client.SMembers(ctx, OnlineUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("获取在线用户列表失败: %w", err)
	}

	userIDs := make([]uint, 0, len(members))
	for _, member := range members {
		if id, err := strconv.ParseUint(member, 10, 64); err == nil {
			userIDs = append(userIDs, uint(id))
		}
	}

	return userIDs, nil
}

// RefreshUserPresence 刷新用户在线状态（延长TTL），心跳时调用
func RefreshUserPresence(userID uint) error {
	if client == nil {
		return ErrNotInitialized
	}

	ok, err := client.Expire(ctx, presenceKey(userID), PresenceTTL).Result()
	if err != nil {
		return fmt.Errorf("刷新用户在线状态失败: %w", err)
	}
	if !ok {
		return fmt.Errorf("用户不在线")
	}
	return nil
}

// RemoveUserPresence 移除用户在线状态
func RemoveUserPresence(userID uint) error {
	if client == nil {
		return ErrNotInitialized
	}

	pipe := client.TxPipeline()
	pipe.Del(ctx, presenceKey(userID))
	pipe.SRem(ctx, OnlineUsersKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("删除用户在线状态失败: %w", err)
	}
	return nil
}

// CleanExpiredPresence 清理过期的在线状态（定期任务）
// 返回被移出在线集合的用户数
func CleanExpiredPresence() (int, error) {
	userIDs, err := GetOnlineUsers()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, userID := range userIDs {
		ttl, err := client.TTL(ctx, presenceKey(userID)).Result()
		if err != nil {
			continue
		}

		// TTL为-2（key不存在）或-1（无过期时间）时从集合中移除
		if ttl == -2 || ttl == -1 {
			if err := client.SRem(ctx, OnlineUsersKey, userID).Err(); err == nil {
				removed++
			}
		}
	}

	return removed, nil
}

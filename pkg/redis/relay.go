package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"chat-system/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RoomChannelPrefix 房间事件频道前缀，频道名为 im:room:<conversation_id>
// 断开通知使用 im:room:<conversation_id>:evict，消息体为用户ID，0表示整个房间
const (
	RoomChannelPrefix = "im:room:"
	evictSuffix       = ":evict"
)

// RoomRelay 通过Redis发布订阅在多个进程之间转发房间事件
// 每个进程订阅全部房间频道，收到后交给本地注册表投递
type RoomRelay struct {
	client *redis.Client
}

// NewRoomRelay 创建RoomRelay
func NewRoomRelay(c *redis.Client) *RoomRelay {
	return &RoomRelay{client: c}
}

// RoomChannel 房间对应的频道名
func RoomChannel(roomID uint) string {
	return RoomChannelPrefix + strconv.FormatUint(uint64(roomID), 10)
}

// EvictChannel 房间断开通知的频道名
func EvictChannel(roomID uint) string {
	return RoomChannel(roomID) + evictSuffix
}

// Publish 发布房间事件
func (r *RoomRelay) Publish(ctx context.Context, roomID uint, payload []byte) error {
	if err := r.client.Publish(ctx, RoomChannel(roomID), payload).Err(); err != nil {
		return fmt.Errorf("发布房间事件失败: %w", err)
	}
	return nil
}

// PublishEvict 通知所有进程断开房间内某用户的连接
func (r *RoomRelay) PublishEvict(ctx context.Context, roomID, userID uint) error {
	payload := strconv.FormatUint(uint64(userID), 10)
	if err := r.client.Publish(ctx, EvictChannel(roomID), payload).Err(); err != nil {
		return fmt.Errorf("发布断开通知失败: %w", err)
	}
	return nil
}

// Run 订阅所有房间频道，事件交给deliver，断开通知交给evict，直到ctx取消
// ready 在订阅确认后关闭，可为nil
func (r *RoomRelay) Run(ctx context.Context, ready chan<- struct{}, deliver func(roomID uint, payload []byte), evict func(roomID, userID uint)) error {
	sub := r.client.PSubscribe(ctx, RoomChannelPrefix+"*")
	defer sub.Close()

	// 等待订阅确认，避免在订阅生效前发布的事件丢失
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("订阅房间频道失败: %w", err)
	}
	if ready != nil {
		close(ready)
	}
	logger.Info("房间事件转发已启动", zap.String("pattern", RoomChannelPrefix+"*"))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			name := strings.TrimPrefix(msg.Channel, RoomChannelPrefix)
			isEvict := strings.HasSuffix(name, evictSuffix)
			roomID, err := strconv.ParseUint(strings.TrimSuffix(name, evictSuffix), 10, 64)
			if err != nil {
				logger.Warn("忽略无法识别的房间频道", zap.String("channel", msg.Channel))
				continue
			}
			if !isEvict {
				deliver(uint(roomID), []byte(msg.Payload))
				continue
			}
			userID, err := strconv.ParseUint(msg.Payload, 10, 64)
			if err != nil {
				logger.Warn("忽略无法识别的断开通知", zap.String("channel", msg.Channel), zap.String("payload", msg.Payload))
				continue
			}
			evict(uint(roomID), uint(userID))
		}
	}
}

package websocket

import (
	"context"
	"fmt"
	"sync/atomic"

	"chat-system/pkg/logger"

	"go.uber.org/zap"
)

// Dispatcher 将房间事件投递给所有成员
// WebSocket会话与HTTP发送消息都经由它广播
type Dispatcher interface {
	Publish(ctx context.Context, roomID uint, payload []byte) error
	// Evict 断开房间内某用户的连接，userID 为0表示整个房间
	Evict(ctx context.Context, roomID, userID uint) error
}

// PublishEvent 序列化事件并投递
func PublishEvent(ctx context.Context, d Dispatcher, roomID uint, event interface{}) error {
	payload, err := Encode(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return d.Publish(ctx, roomID, payload)
}

// evictLocal 成员被移除用4403，会话被删除用4404
func evictLocal(registry *Registry, roomID, userID uint) {
	if userID == 0 {
		registry.Evict(roomID, 0, CloseConversationAbsent, "conversation deleted")
		return
	}
	registry.Evict(roomID, userID, CloseMembershipDenied, "membership revoked")
}

// LocalDispatcher 只投递到本进程的注册表
type LocalDispatcher struct {
	registry *Registry
}

// NewLocalDispatcher 创建本地投递器
func NewLocalDispatcher(registry *Registry) *LocalDispatcher {
	return &LocalDispatcher{registry: registry}
}

func (d *LocalDispatcher) Publish(_ context.Context, roomID uint, payload []byte) error {
	d.registry.Broadcast(roomID, payload)
	return nil
}

func (d *LocalDispatcher) Evict(_ context.Context, roomID, userID uint) error {
	evictLocal(d.registry, roomID, userID)
	return nil
}

// Relay 跨进程转发通道（Redis发布订阅）
// Run 订阅确认后关闭 ready，随后把收到的事件交给 deliver 与 evict
type Relay interface {
	Publish(ctx context.Context, roomID uint, payload []byte) error
	PublishEvict(ctx context.Context, roomID, userID uint) error
	Run(ctx context.Context, ready chan<- struct{}, deliver func(roomID uint, payload []byte), evict func(roomID, userID uint)) error
}

// RelayDispatcher 事件先发布到转发通道，由各进程的订阅者投递到本地注册表
// 订阅确认前、订阅退出后以及发布失败时都退化为本地投递，本进程内的成员仍能收到
type RelayDispatcher struct {
	relay  Relay
	local  *Registry
	active atomic.Bool
}

// NewRelayDispatcher 创建转发投递器，调用 Run 之前只做本地投递
func NewRelayDispatcher(relay Relay, local *Registry) *RelayDispatcher {
	return &RelayDispatcher{relay: relay, local: local}
}

// Active 订阅是否已确认且仍在运行
func (d *RelayDispatcher) Active() bool {
	return d.active.Load()
}

// Run 运行订阅直到ctx取消或订阅失败，期间事件经转发通道投递
func (d *RelayDispatcher) Run(ctx context.Context) error {
	ready := make(chan struct{})
	stop := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-ready:
			d.active.Store(true)
			logger.Info("房间事件订阅已确认，改为跨进程投递")
		case <-stop:
		}
	}()

	err := d.relay.Run(ctx, ready, d.Deliver, d.evict)

	close(stop)
	<-watched
	d.active.Store(false)
	return err
}

func (d *RelayDispatcher) Publish(ctx context.Context, roomID uint, payload []byte) error {
	if !d.active.Load() {
		d.local.Broadcast(roomID, payload)
		return nil
	}
	if err := d.relay.Publish(ctx, roomID, payload); err != nil {
		logger.Warn("房间事件转发失败，改为本地投递",
			zap.Uint("room_id", roomID),
			zap.Error(err),
		)
		d.local.Broadcast(roomID, payload)
	}
	return nil
}

func (d *RelayDispatcher) Evict(ctx context.Context, roomID, userID uint) error {
	if !d.active.Load() {
		evictLocal(d.local, roomID, userID)
		return nil
	}
	if err := d.relay.PublishEvict(ctx, roomID, userID); err != nil {
		logger.Warn("断开通知转发失败，只断开本进程连接",
			zap.Uint("room_id", roomID),
			zap.Uint("user_id", userID),
			zap.Error(err),
		)
		evictLocal(d.local, roomID, userID)
	}
	return nil
}

// Deliver 订阅端回调，投递到本地注册表
func (d *RelayDispatcher) Deliver(roomID uint, payload []byte) {
	d.local.Broadcast(roomID, payload)
}

func (d *RelayDispatcher) evict(roomID, userID uint) {
	evictLocal(d.local, roomID, userID)
}

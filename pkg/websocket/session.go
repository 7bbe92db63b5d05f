package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"

	"chat-system/internal/model"
	"chat-system/internal/repository"

	"go.uber.org/zap"
)

// State 会话状态
type State int32

const (
	StateConnecting State = iota
	StateAuthorized
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthorized:
		return "authorized"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MessageStore 会话处理入站帧所需的存储操作
type MessageStore interface {
	AppendMessage(ctx context.Context, conv *model.Conversation, senderID uint, body string) (model.Message, error)
	MarkRead(ctx context.Context, conv *model.Conversation, readerID uint, ids []uint) (int64, error)
}

// Session 一个已认证连接在某个会话房间中的生命周期
type Session struct {
	client     *Client
	store      MessageStore
	dispatcher Dispatcher
	log        *zap.Logger

	state atomic.Int32
	user  *model.User
	conv  *model.Conversation
}

// NewSession 创建处于 Connecting 状态的会话
func NewSession(client *Client, store MessageStore, dispatcher Dispatcher, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{client: client, store: store, dispatcher: dispatcher, log: log}
}

// State 当前状态
func (s *Session) State() State {
	return State(s.state.Load())
}

// Authorize Connecting -> Authorized
func (s *Session) Authorize(user *model.User) bool {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthorized)) {
		return false
	}
	s.user = user
	return true
}

// Join Authorized -> Joined
func (s *Session) Join(conv *model.Conversation) bool {
	if !s.state.CompareAndSwap(int32(StateAuthorized), int32(StateJoined)) {
		return false
	}
	s.conv = conv
	return true
}

// Close 任意状态 -> Closed
func (s *Session) Close() {
	s.state.Store(int32(StateClosed))
}

// HandleFrame 处理一个入站帧
// 畸形帧和存储错误只回复给本连接，不会中断连接
func (s *Session) HandleFrame(ctx context.Context, raw []byte) {
	if s.State() != StateJoined {
		return
	}

	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.log.Debug("畸形帧", zap.Error(err))
		s.reply(NewErrorEvent(ErrCodeMalformedFrame, "frame is not a valid JSON object"))
		return
	}

	switch frame.Type {
	case FrameNewMessage:
		s.handleNewMessage(ctx, frame.Message)
	case FrameTypingStart:
		s.publish(ctx, NewTypingEvent(s.user, "start"))
	case FrameTypingStop:
		s.publish(ctx, NewTypingEvent(s.user, "stop"))
	case FrameMarkRead:
		s.handleMarkRead(ctx, frame.MessageIDs)
	default:
		s.log.Debug("忽略未知帧类型", zap.String("type", frame.Type))
	}
}

func (s *Session) handleNewMessage(ctx context.Context, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}

	msg, err := s.store.AppendMessage(ctx, s.conv, s.user.ID, body)
	if err != nil {
		s.replyStoreError("保存消息失败", err)
		return
	}
	s.publish(ctx, NewMessageEventFrom(msg, s.user))
}

func (s *Session) handleMarkRead(ctx context.Context, ids []uint) {
	if len(ids) == 0 {
		return
	}

	if _, err := s.store.MarkRead(ctx, s.conv, s.user.ID, ids); err != nil {
		s.replyStoreError("标记已读失败", err)
		return
	}
	s.publish(ctx, NewMessagesReadEvent(s.user, ids))
}

func (s *Session) replyStoreError(msg string, err error) {
	if errors.Is(err, repository.ErrNotParticipant) {
		s.log.Warn(msg+"：已不是会话成员", zap.Error(err))
		s.reply(NewErrorEvent(ErrCodeMembershipDenied, "you are no longer a participant of this conversation"))
		return
	}
	s.log.Error(msg, zap.Error(err))
	s.reply(NewErrorEvent(ErrCodeStoreUnavailable, "operation failed, please retry"))
}

func (s *Session) publish(ctx context.Context, event interface{}) {
	if err := PublishEvent(ctx, s.dispatcher, s.conv.ID, event); err != nil {
		s.log.Warn("广播事件失败", zap.Error(err))
	}
}

func (s *Session) reply(event ErrorEvent) {
	payload, err := Encode(event)
	if err != nil {
		return
	}
	if !s.client.Enqueue(payload) {
		s.log.Warn("错误帧未能送达", zap.String("code", event.Code))
	}
}

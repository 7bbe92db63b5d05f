package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chat-system/internal/model"
	"chat-system/internal/repository"
	"chat-system/pkg/logger"
	"chat-system/pkg/websocket"

	"go.uber.org/zap"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	minGroupMembers = 2
)

// ConversationService 会话相关业务：成员校验、群管理、HTTP发送消息与已读
type ConversationService struct {
	convs      *repository.ConversationRepository
	users      *repository.UserRepository
	dispatcher websocket.Dispatcher
}

// NewConversationService 创建ConversationService实例
func NewConversationService(convs *repository.ConversationRepository, users *repository.UserRepository, dispatcher websocket.Dispatcher) *ConversationService {
	return &ConversationService{convs: convs, users: users, dispatcher: dispatcher}
}

// HistoryItem 历史消息，群消息附带已读用户
type HistoryItem struct {
	Message model.Message
	ReadBy  []uint
}

// List 用户的会话列表
func (s *ConversationService) List(ctx context.Context, userID uint) ([]repository.ConversationSummary, error) {
	return s.convs.ListForUser(ctx, userID)
}

// ResolveDirect 获取或创建与另一用户的单聊
func (s *ConversationService) ResolveDirect(ctx context.Context, userID, otherID uint) (*model.Conversation, bool, error) {
	if otherID == 0 {
		return nil, false, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if userID == otherID {
		return nil, false, repository.ErrSelfConversation
	}
	if _, err := s.users.GetByID(ctx, otherID); err != nil {
		return nil, false, err
	}
	return s.convs.ResolveDirect(ctx, userID, otherID)
}

// CreateGroup 创建群聊，请求中至少包含两个成员，创建者自动加入
func (s *ConversationService) CreateGroup(ctx context.Context, creatorID uint, name string, participantIDs []uint) (*model.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrInvalidArgument)
	}
	ids := dedupe(participantIDs)
	if len(ids) < minGroupMembers {
		return nil, fmt.Errorf("%w: at least %d participants required", ErrInvalidArgument, minGroupMembers)
	}
	if err := s.ensureUsersExist(ctx, ids); err != nil {
		return nil, err
	}
	return s.convs.CreateGroup(ctx, name, creatorID, ids)
}

// AddParticipants 仅群创建者可添加成员
func (s *ConversationService) AddParticipants(ctx context.Context, actorID, convID uint, userIDs []uint) error {
	conv, err := s.group(ctx, convID)
	if err != nil {
		return err
	}
	if !isCreator(conv, actorID) {
		return ErrPermissionDenied
	}
	ids := dedupe(userIDs)
	if len(ids) == 0 {
		return fmt.Errorf("%w: user ids are required", ErrInvalidArgument)
	}
	if err := s.ensureUsersExist(ctx, ids); err != nil {
		return err
	}
	return s.convs.AddParticipants(ctx, conv, ids)
}

// RemoveParticipant 群创建者可移除任何人，成员可移除自己
func (s *ConversationService) RemoveParticipant(ctx context.Context, actorID, convID, userID uint) error {
	conv, err := s.group(ctx, convID)
	if err != nil {
		return err
	}
	if !isCreator(conv, actorID) && actorID != userID {
		return ErrPermissionDenied
	}
	if err := s.convs.RemoveParticipant(ctx, conv, userID); err != nil {
		return err
	}
	// 被移除的成员不能继续停留在房间里
	s.evict(ctx, conv.ID, userID)
	return nil
}

// DeleteGroup 仅群创建者可删除群
func (s *ConversationService) DeleteGroup(ctx context.Context, actorID, convID uint) error {
	conv, err := s.group(ctx, convID)
	if err != nil {
		return err
	}
	if !isCreator(conv, actorID) {
		return ErrPermissionDenied
	}
	if err := s.convs.DeleteGroup(ctx, conv); err != nil {
		return err
	}
	s.evict(ctx, conv.ID, 0)
	return nil
}

// evict 断开房间内的连接，userID 为0时断开全部；失败只记日志，存储已生效
func (s *ConversationService) evict(ctx context.Context, convID, userID uint) {
	if err := s.dispatcher.Evict(ctx, convID, userID); err != nil {
		logger.Warn("断开房间连接失败",
			zap.Uint("conversation_id", convID),
			zap.Uint("user_id", userID),
			zap.Error(err),
		)
	}
}

// History 分页获取历史消息，page从1开始
func (s *ConversationService) History(ctx context.Context, userID, convID uint, page, pageSize int) ([]HistoryItem, error) {
	conv, err := s.member(ctx, convID, userID)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	msgs, err := s.convs.ListMessages(ctx, conv, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	items := make([]HistoryItem, 0, len(msgs))
	for _, m := range msgs {
		item := HistoryItem{Message: m}
		if conv.IsGroup() {
			if item.ReadBy, err = s.convs.GroupReaders(ctx, m.MessageID()); err != nil {
				return nil, err
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// SendMessage 通过HTTP发送消息，持久化后广播到房间
// 广播失败不影响发送结果，客户端可通过拉取恢复
func (s *ConversationService) SendMessage(ctx context.Context, sender *model.User, convID uint, body string) (model.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyMessage
	}
	conv, err := s.member(ctx, convID, sender.ID)
	if err != nil {
		return nil, err
	}

	msg, err := s.convs.AppendMessage(ctx, conv, sender.ID, body)
	if err != nil {
		if errors.Is(err, repository.ErrNotParticipant) {
			return nil, ErrMembershipDenied
		}
		return nil, err
	}

	if err := websocket.PublishEvent(ctx, s.dispatcher, conv.ID, websocket.NewMessageEventFrom(msg, sender)); err != nil {
		logger.Warn("广播新消息失败",
			zap.Uint("conversation_id", conv.ID),
			zap.Uint("message_id", msg.MessageID()),
			zap.Error(err),
		)
	}
	return msg, nil
}

// MarkConversationRead 将会话中他人发送的消息全部标记已读
func (s *ConversationService) MarkConversationRead(ctx context.Context, userID, convID uint) (int64, error) {
	conv, err := s.member(ctx, convID, userID)
	if err != nil {
		return 0, err
	}
	return s.convs.MarkAllRead(ctx, conv, userID)
}

// UnreadCount 用户在会话中的未读数
func (s *ConversationService) UnreadCount(ctx context.Context, userID, convID uint) (uint, error) {
	if _, err := s.member(ctx, convID, userID); err != nil {
		return 0, err
	}
	return s.convs.UnreadCount(ctx, convID, userID)
}

// TotalUnread 用户所有会话的未读总数
func (s *ConversationService) TotalUnread(ctx context.Context, userID uint) (uint, error) {
	return s.convs.TotalUnread(ctx, userID)
}

// DeleteMessage 删除自己发送的消息
func (s *ConversationService) DeleteMessage(ctx context.Context, userID, convID, messageID uint) error {
	conv, err := s.member(ctx, convID, userID)
	if err != nil {
		return err
	}
	return s.convs.DeleteMessage(ctx, conv, messageID, userID)
}

// member 读取会话并校验成员身份
func (s *ConversationService) member(ctx context.Context, convID, userID uint) (*model.Conversation, error) {
	conv, err := s.convs.GetByID(ctx, convID)
	if err != nil {
		return nil, err
	}
	ok, err := s.convs.IsParticipant(ctx, conv, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMembershipDenied
	}
	return conv, nil
}

func (s *ConversationService) group(ctx context.Context, convID uint) (*model.Conversation, error) {
	conv, err := s.convs.GetByID(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup() {
		return nil, repository.ErrNotGroup
	}
	return conv, nil
}

func (s *ConversationService) ensureUsersExist(ctx context.Context, ids []uint) error {
	users, err := s.users.GetByIDs(ctx, ids)
	if err != nil {
		return err
	}
	if len(users) != len(ids) {
		return repository.ErrUserNotFound
	}
	return nil
}

func isCreator(conv *model.Conversation, userID uint) bool {
	return conv.CreatedByID != nil && *conv.CreatedByID == userID
}

func dedupe(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

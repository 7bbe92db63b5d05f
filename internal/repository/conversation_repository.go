package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"chat-system/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationRepository 会话/消息/未读数的存储
// 消息插入、冗余字段更新、未读数变更在同一事务中完成；
// 计数只通过 col = col + 1 这类原子更新修改，不在应用层读改写
type ConversationRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewConversationRepository 创建ConversationRepository实例
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db, now: time.Now}
}

// ConversationSummary 会话列表项
type ConversationSummary struct {
	ConversationID      uint                   `json:"conversation_id"`
	Type                model.ConversationType `json:"type"`
	Name                string                 `json:"name,omitempty"`
	OtherUserID         uint                   `json:"other_user_id,omitempty"`
	LastMessage         string                 `json:"last_message"`
	LastMessageTime     *time.Time             `json:"last_message_time"`
	LastMessageSenderID *uint                  `json:"last_message_sender_id"`
	UnreadCount         uint                   `json:"unread_count"`
}

// GetByID 根据ID获取会话
func (r *ConversationRepository) GetByID(ctx context.Context, id uint) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.WithContext(ctx).First(&conv, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, storeErr("get conversation", err)
	}
	return &conv, nil
}

// IsParticipant 单聊判断两方之一，群聊查询成员表
func (r *ConversationRepository) IsParticipant(ctx context.Context, conv *model.Conversation, userID uint) (bool, error) {
	if conv.IsDirect() {
		return conv.IsDirectParticipant(userID), nil
	}
	var count int64
	err := r.db.WithContext(ctx).Model(&model.GroupParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conv.ID, userID).
		Count(&count).Error
	if err != nil {
		return false, storeErr("check participant", err)
	}
	return count > 0, nil
}

// ParticipantIDs 会话全部成员ID
func (r *ConversationRepository) ParticipantIDs(ctx context.Context, conv *model.Conversation) ([]uint, error) {
	if conv.IsDirect() {
		if conv.User1ID == nil || conv.User2ID == nil {
			return nil, nil
		}
		return []uint{*conv.User1ID, *conv.User2ID}, nil
	}
	var ids []uint
	err := r.db.WithContext(ctx).Model(&model.GroupParticipant{}).
		Where("conversation_id = ?", conv.ID).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, storeErr("list participants", err)
	}
	return ids, nil
}

// ResolveDirect 获取或创建两个用户之间的单聊
// 先按规范顺序生成唯一键，插入时冲突即放弃，再按唯一键读取，
// 并发的首次调用由唯一索引收敛到同一行
func (r *ConversationRepository) ResolveDirect(ctx context.Context, a, b uint) (*model.Conversation, bool, error) {
	if a == b {
		return nil, false, ErrSelfConversation
	}
	lo, hi := model.CanonicalPair(a, b)
	key := model.DirectKeyFor(lo, hi)
	db := r.db.WithContext(ctx)

	var conv model.Conversation
	err := db.Where("direct_key = ?", key).First(&conv).Error
	if err == nil {
		return &conv, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, storeErr("resolve direct", err)
	}

	candidate := model.Conversation{
		Type:      model.ConversationDirect,
		User1ID:   &lo,
		User2ID:   &hi,
		DirectKey: &key,
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate)
	if res.Error != nil && !isDuplicateKey(res.Error) {
		return nil, false, storeErr("create direct", res.Error)
	}
	if res.Error == nil && res.RowsAffected > 0 {
		return &candidate, true, nil
	}

	// 并发请求先插入了同一键
	if err := db.Where("direct_key = ?", key).First(&conv).Error; err != nil {
		return nil, false, storeErr("resolve direct", err)
	}
	return &conv, false, nil
}

// CreateGroup 创建群聊并写入成员（创建者自动加入）
func (r *ConversationRepository) CreateGroup(ctx context.Context, name string, creatorID uint, participantIDs []uint) (*model.Conversation, error) {
	name = strings.TrimSpace(name)
	members := uniqueIDs(append([]uint{creatorID}, participantIDs...))

	conv := &model.Conversation{
		Type:        model.ConversationGroup,
		Name:        &name,
		CreatedByID: &creatorID,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrGroupNameTaken
			}
			return err
		}
		return insertParticipants(tx, conv.ID, members, 0)
	})
	if err != nil {
		if errors.Is(err, ErrGroupNameTaken) {
			return nil, err
		}
		return nil, storeErr("create group", err)
	}
	return conv, nil
}

// AddParticipants 向群聊添加成员，已在群中的忽略
func (r *ConversationRepository) AddParticipants(ctx context.Context, conv *model.Conversation, userIDs []uint) error {
	if !conv.IsGroup() {
		return ErrNotGroup
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 新成员只统计加入之后的消息
		if _, err := lockConversation(tx, conv.ID); err != nil {
			return err
		}
		cursor, err := latestMessageID(tx, conv)
		if err != nil {
			return err
		}
		return insertParticipants(tx, conv.ID, uniqueIDs(userIDs), cursor)
	})
	if err != nil {
		return classify("add participants", err)
	}
	return nil
}

// RemoveParticipant 从群聊移除成员
func (r *ConversationRepository) RemoveParticipant(ctx context.Context, conv *model.Conversation, userID uint) error {
	if !conv.IsGroup() {
		return ErrNotGroup
	}
	res := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conv.ID, userID).
		Delete(&model.GroupParticipant{})
	if res.Error != nil {
		return storeErr("remove participant", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotParticipant
	}
	return nil
}

// DeleteGroup 删除群聊及其成员、消息、已读记录
func (r *ConversationRepository) DeleteGroup(ctx context.Context, conv *model.Conversation) error {
	if !conv.IsGroup() {
		return ErrNotGroup
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		messageIDs := tx.Model(&model.GroupMessage{}).Select("id").Where("conversation_id = ?", conv.ID)
		if err := tx.Where("message_id IN (?)", messageIDs).Delete(&model.GroupMessageRead{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&model.GroupMessage{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&model.GroupParticipant{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Conversation{}, conv.ID).Error
	})
	if err != nil {
		return storeErr("delete group", err)
	}
	return nil
}

// AppendMessage 追加消息
// 单一事务内：锁定会话行、插入消息、更新最近消息字段、为除发送者外的成员未读数+1
func (r *ConversationRepository) AppendMessage(ctx context.Context, conv *model.Conversation, senderID uint, body string) (model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 先写会话行拿到行锁，同一会话的并发追加在此串行
		if err := tx.Model(&model.Conversation{}).Where("id = ?", conv.ID).
			Update("updated_at", r.now()).Error; err != nil {
			return err
		}
		var current model.Conversation
		if err := tx.First(&current, conv.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConversationNotFound
			}
			return err
		}

		// 时间戳由服务端分配，同一会话内不回退
		ts := r.now().Truncate(time.Millisecond)
		if current.LastMessageTime != nil && ts.Before(*current.LastMessageTime) {
			ts = *current.LastMessageTime
		}
		updates := map[string]interface{}{
			"last_message":           body,
			"last_message_time":      ts,
			"last_message_sender_id": senderID,
		}

		switch current.Type {
		case model.ConversationDirect:
			if !current.IsDirectParticipant(senderID) {
				return ErrNotParticipant
			}
			dm := &model.DirectMessage{
				ConversationID: current.ID,
				SenderID:       senderID,
				ReceiverID:     current.OtherUser(senderID),
				Content:        body,
				CreatedAt:      ts,
			}
			if err := tx.Create(dm).Error; err != nil {
				return err
			}
			counter := directCounterColumn(&current, dm.ReceiverID)
			updates[counter] = gorm.Expr(counter+" + ?", 1)
			if err := tx.Model(&model.Conversation{}).Where("id = ?", current.ID).Updates(updates).Error; err != nil {
				return err
			}
			msg = dm

		case model.ConversationGroup:
			var count int64
			if err := tx.Model(&model.GroupParticipant{}).
				Where("conversation_id = ? AND user_id = ?", current.ID, senderID).
				Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotParticipant
			}
			gm := &model.GroupMessage{
				ConversationID: current.ID,
				SenderID:       senderID,
				Text:           body,
				CreatedAt:      ts,
			}
			if err := tx.Create(gm).Error; err != nil {
				return err
			}
			if err := tx.Model(&model.Conversation{}).Where("id = ?", current.ID).Updates(updates).Error; err != nil {
				return err
			}
			if err := tx.Model(&model.GroupParticipant{}).
				Where("conversation_id = ? AND user_id <> ?", current.ID, senderID).
				UpdateColumn("unread_count", gorm.Expr("unread_count + ?", 1)).Error; err != nil {
				return err
			}
			msg = gm

		default:
			return ErrConversationNotFound
		}
		return nil
	})
	if err != nil {
		return nil, classify("append message", err)
	}
	return msg, nil
}

// MarkRead 标记指定消息为已读并将读者未读数清零
// 只处理该会话中由他人发送的消息；重复标记不会报错，也不会改变计数
// 返回本次新标记的条数
func (r *ConversationRepository) MarkRead(ctx context.Context, conv *model.Conversation, readerID uint, ids []uint) (int64, error) {
	var marked int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		marked, err = r.markReadTx(tx, conv, readerID, ids, false)
		return err
	})
	if err != nil {
		return 0, classify("mark read", err)
	}
	return marked, nil
}

// MarkAllRead 标记会话中所有他人消息为已读
func (r *ConversationRepository) MarkAllRead(ctx context.Context, conv *model.Conversation, readerID uint) (int64, error) {
	var marked int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		marked, err = r.markReadTx(tx, conv, readerID, nil, true)
		return err
	})
	if err != nil {
		return 0, classify("mark all read", err)
	}
	return marked, nil
}

func (r *ConversationRepository) markReadTx(tx *gorm.DB, conv *model.Conversation, readerID uint, ids []uint, all bool) (int64, error) {
	now := r.now()
	// 与追加消息串行，保证清零与计数起点对应同一批消息
	if _, err := lockConversation(tx, conv.ID); err != nil {
		return 0, err
	}
	cursor, err := latestMessageID(tx, conv)
	if err != nil {
		return 0, err
	}
	switch conv.Type {
	case model.ConversationDirect:
		if !conv.IsDirectParticipant(readerID) {
			return 0, ErrNotParticipant
		}
		q := tx.Model(&model.DirectMessage{}).
			Where("conversation_id = ? AND receiver_id = ? AND is_read = ?", conv.ID, readerID, false)
		if !all {
			q = q.Where("id IN ?", ids)
		}
		res := q.Update("is_read", true)
		if res.Error != nil {
			return 0, res.Error
		}
		if err := tx.Model(&model.Conversation{}).Where("id = ?", conv.ID).
			UpdateColumns(map[string]interface{}{
				directCounterColumn(conv, readerID): 0,
				directCursorColumn(conv, readerID):  cursor,
			}).Error; err != nil {
			return 0, err
		}
		return res.RowsAffected, nil

	case model.ConversationGroup:
		var count int64
		if err := tx.Model(&model.GroupParticipant{}).
			Where("conversation_id = ? AND user_id = ?", conv.ID, readerID).
			Count(&count).Error; err != nil {
			return 0, err
		}
		if count == 0 {
			return 0, ErrNotParticipant
		}
		if err := tx.Model(&model.GroupParticipant{}).
			Where("conversation_id = ? AND user_id = ?", conv.ID, readerID).
			Updates(map[string]interface{}{"unread_count": 0, "last_read": now, "read_cursor": cursor}).Error; err != nil {
			return 0, err
		}

		var targets []uint
		q := tx.Model(&model.GroupMessage{}).
			Where("conversation_id = ? AND sender_id <> ?", conv.ID, readerID)
		if !all {
			q = q.Where("id IN ?", ids)
		}
		if err := q.Pluck("id", &targets).Error; err != nil {
			return 0, err
		}
		if len(targets) == 0 {
			return 0, nil
		}

		reads := make([]model.GroupMessageRead, 0, len(targets))
		for _, id := range targets {
			reads = append(reads, model.GroupMessageRead{MessageID: id, UserID: readerID, CreatedAt: now})
		}
		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&reads)
		if ins.Error != nil {
			return 0, ins.Error
		}
		if err := tx.Model(&model.GroupMessage{}).
			Where("id IN ? AND is_read = ?", targets, false).
			Update("is_read", true).Error; err != nil {
			return 0, err
		}
		return ins.RowsAffected, nil
	}
	return 0, ErrConversationNotFound
}

// UnreadCount 从存储读取用户在会话中的未读数
func (r *ConversationRepository) UnreadCount(ctx context.Context, conversationID, userID uint) (uint, error) {
	conv, err := r.GetByID(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if conv.IsDirect() {
		if !conv.IsDirectParticipant(userID) {
			return 0, ErrNotParticipant
		}
		return conv.DirectUnreadFor(userID), nil
	}
	var p model.GroupParticipant
	err = r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotParticipant
		}
		return 0, storeErr("unread count", err)
	}
	return p.UnreadCount, nil
}

// TotalUnread 用户在所有会话中的未读总数
func (r *ConversationRepository) TotalUnread(ctx context.Context, userID uint) (uint, error) {
	db := r.db.WithContext(ctx)
	var direct, group int64
	err := db.Model(&model.Conversation{}).
		Select("COALESCE(SUM(CASE WHEN user1_id = ? THEN unread_count_user1 ELSE unread_count_user2 END), 0)", userID).
		Where("type = ? AND (user1_id = ? OR user2_id = ?)", model.ConversationDirect, userID, userID).
		Scan(&direct).Error
	if err != nil {
		return 0, storeErr("total unread", err)
	}
	err = db.Model(&model.GroupParticipant{}).
		Select("COALESCE(SUM(unread_count), 0)").
		Where("user_id = ?", userID).
		Scan(&group).Error
	if err != nil {
		return 0, storeErr("total unread", err)
	}
	return uint(direct + group), nil
}

// ListForUser 用户的单聊与群聊列表，按最近消息时间倒序
func (r *ConversationRepository) ListForUser(ctx context.Context, userID uint) ([]ConversationSummary, error) {
	db := r.db.WithContext(ctx)

	var directs []model.Conversation
	if err := db.Where("type = ? AND (user1_id = ? OR user2_id = ?)", model.ConversationDirect, userID, userID).
		Find(&directs).Error; err != nil {
		return nil, storeErr("list conversations", err)
	}

	var memberships []model.GroupParticipant
	if err := db.Where("user_id = ?", userID).Find(&memberships).Error; err != nil {
		return nil, storeErr("list conversations", err)
	}
	unread := make(map[uint]uint, len(memberships))
	groupIDs := make([]uint, 0, len(memberships))
	for _, m := range memberships {
		unread[m.ConversationID] = m.UnreadCount
		groupIDs = append(groupIDs, m.ConversationID)
	}
	var groups []model.Conversation
	if len(groupIDs) > 0 {
		if err := db.Where("id IN ? AND type = ?", groupIDs, model.ConversationGroup).Find(&groups).Error; err != nil {
			return nil, storeErr("list conversations", err)
		}
	}

	result := make([]ConversationSummary, 0, len(directs)+len(groups))
	for i := range directs {
		c := &directs[i]
		result = append(result, ConversationSummary{
			ConversationID:      c.ID,
			Type:                c.Type,
			OtherUserID:         c.OtherUser(userID),
			LastMessage:         c.LastMessage,
			LastMessageTime:     c.LastMessageTime,
			LastMessageSenderID: c.LastMessageSenderID,
			UnreadCount:         c.DirectUnreadFor(userID),
		})
	}
	for i := range groups {
		c := &groups[i]
		s := ConversationSummary{
			ConversationID:      c.ID,
			Type:                c.Type,
			LastMessage:         c.LastMessage,
			LastMessageTime:     c.LastMessageTime,
			LastMessageSenderID: c.LastMessageSenderID,
			UnreadCount:         unread[c.ID],
		}
		if c.Name != nil {
			s.Name = *c.Name
		}
		result = append(result, s)
	}

	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i].LastMessageTime, result[j].LastMessageTime
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return result, nil
}

// ListMessages 分页获取会话消息，最新的在前
func (r *ConversationRepository) ListMessages(ctx context.Context, conv *model.Conversation, limit, offset int) ([]model.Message, error) {
	db := r.db.WithContext(ctx).
		Where("conversation_id = ?", conv.ID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(offset)

	if conv.IsDirect() {
		var rows []*model.DirectMessage
		if err := db.Find(&rows).Error; err != nil {
			return nil, storeErr("list messages", err)
		}
		out := make([]model.Message, 0, len(rows))
		for _, m := range rows {
			out = append(out, m)
		}
		return out, nil
	}

	var rows []*model.GroupMessage
	if err := db.Find(&rows).Error; err != nil {
		return nil, storeErr("list messages", err)
	}
	out := make([]model.Message, 0, len(rows))
	for _, m := range rows {
		out = append(out, m)
	}
	return out, nil
}

// GroupReaders 群消息的已读用户ID
func (r *ConversationRepository) GroupReaders(ctx context.Context, messageID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&model.GroupMessageRead{}).
		Where("message_id = ?", messageID).
		Order("id ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, storeErr("group readers", err)
	}
	return ids, nil
}

// DeleteMessage 删除消息（物理删除，仅发送者可删）
// 只有ID大于成员计数起点的消息计入过未读数，删除时只扣减这些成员，计数不会小于0
func (r *ConversationRepository) DeleteMessage(ctx context.Context, conv *model.Conversation, messageID, senderID uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := lockConversation(tx, conv.ID)
		if err != nil {
			return err
		}
		if current.IsDirect() {
			var m model.DirectMessage
			if err := tx.Where("id = ? AND conversation_id = ? AND sender_id = ?", messageID, conv.ID, senderID).
				First(&m).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrMessageNotFound
				}
				return err
			}
			if err := tx.Delete(&m).Error; err != nil {
				return err
			}
			if m.ID <= current.DirectReadCursorFor(m.ReceiverID) {
				return nil
			}
			counter := directCounterColumn(current, m.ReceiverID)
			return tx.Model(&model.Conversation{}).
				Where("id = ? AND "+counter+" > 0", conv.ID).
				UpdateColumn(counter, gorm.Expr(counter+" - ?", 1)).Error
		}

		var m model.GroupMessage
		if err := tx.Where("id = ? AND conversation_id = ? AND sender_id = ?", messageID, conv.ID, senderID).
			First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMessageNotFound
			}
			return err
		}
		if err := tx.Model(&model.GroupParticipant{}).
			Where("conversation_id = ? AND user_id <> ? AND unread_count > 0", conv.ID, senderID).
			Where("read_cursor < ?", m.ID).
			UpdateColumn("unread_count", gorm.Expr("unread_count - ?", 1)).Error; err != nil {
			return err
		}
		if err := tx.Where("message_id = ?", m.ID).Delete(&model.GroupMessageRead{}).Error; err != nil {
			return err
		}
		return tx.Delete(&m).Error
	})
	if err != nil {
		return classify("delete message", err)
	}
	return nil
}

// directCounterColumn 单聊中某用户对应的未读计数列
func directCounterColumn(conv *model.Conversation, userID uint) string {
	if conv.User1ID != nil && *conv.User1ID == userID {
		return "unread_count_user1"
	}
	return "unread_count_user2"
}

// directCursorColumn 单聊中某用户对应的未读计数起点列
func directCursorColumn(conv *model.Conversation, userID uint) string {
	if conv.User1ID != nil && *conv.User1ID == userID {
		return "read_cursor_user1"
	}
	return "read_cursor_user2"
}

// lockConversation 以加锁读取会话行，同一会话的追加、已读、删除在此串行
func lockConversation(tx *gorm.DB, id uint) (*model.Conversation, error) {
	var conv model.Conversation
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&conv, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// latestMessageID 会话内当前最大的消息ID，没有消息时为0
func latestMessageID(tx *gorm.DB, conv *model.Conversation) (uint, error) {
	var table interface{} = &model.GroupMessage{}
	if conv.IsDirect() {
		table = &model.DirectMessage{}
	}
	var id uint
	err := tx.Model(table).Where("conversation_id = ?", conv.ID).
		Select("COALESCE(MAX(id), 0)").Scan(&id).Error
	return id, err
}

// classify 业务错误原样返回，其余视为存储不可用
func classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrConversationNotFound),
		errors.Is(err, ErrNotParticipant),
		errors.Is(err, ErrMessageNotFound),
		errors.Is(err, ErrNotGroup):
		return err
	default:
		return storeErr(op, err)
	}
}

func insertParticipants(tx *gorm.DB, conversationID uint, userIDs []uint, cursor uint) error {
	if len(userIDs) == 0 {
		return nil
	}
	rows := make([]model.GroupParticipant, 0, len(userIDs))
	for _, id := range userIDs {
		rows = append(rows, model.GroupParticipant{ConversationID: conversationID, UserID: id, ReadCursor: cursor})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

package handler

import (
	"strconv"

	"chat-system/internal/service"
	"chat-system/pkg/jwt"
	"chat-system/pkg/response"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 会话相关接口
type ConversationHandler struct {
	service *service.ConversationService
}

// NewConversationHandler 创建ConversationHandler实例
func NewConversationHandler(s *service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: s}
}

// List 当前用户的会话列表
func (h *ConversationHandler) List(c *gin.Context) {
	list, err := h.service.List(c.Request.Context(), jwt.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, list)
}

// ResolveDirect 获取或创建与指定用户的单聊
func (h *ConversationHandler) ResolveDirect(c *gin.Context) {
	otherID, ok := paramID(c, "user_id")
	if !ok {
		return
	}
	conv, created, err := h.service.ResolveDirect(c.Request.Context(), jwt.GetUserID(c), otherID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"conversation_id": conv.ID,
		"created":         created,
		"conversation":    conv,
	})
}

// CreateGroup 创建群聊
func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	type req struct {
		Name           string `json:"name" binding:"required"`
		ParticipantIDs []uint `json:"participant_ids" binding:"required"`
	}
	var r req
	if err := c.ShouldBindJSON(&r); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	conv, err := h.service.CreateGroup(c.Request.Context(), jwt.GetUserID(c), r.Name, r.ParticipantIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessWithMessage(c, "群聊创建成功", conv)
}

// AddParticipants 添加群成员
func (h *ConversationHandler) AddParticipants(c *gin.Context) {
	convID, ok := paramID(c, "id")
	if !ok {
		return
	}
	type req struct {
		UserIDs []uint `json:"user_ids" binding:"required"`
	}
	var r req
	if err := c.ShouldBindJSON(&r); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.service.AddParticipants(c.Request.Context(), jwt.GetUserID(c), convID, r.UserIDs); err != nil {
		writeError(c, err)
		return
	}
	response.SuccessWithMessage(c, "成员已添加", nil)
}

// RemoveParticipant 移除群成员
func (h *ConversationHandler) RemoveParticipant(c *gin.Context) {
	convID, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID, ok := paramID(c, "user_id")
	if !ok {
		return
	}
	if err := h.service.RemoveParticipant(c.Request.Context(), jwt.GetUserID(c), convID, userID); err != nil {
		writeError(c, err)
		return
	}
	response.SuccessWithMessage(c, "成员已移除", nil)
}

// DeleteGroup 删除群聊
func (h *ConversationHandler) DeleteGroup(c *gin.Context) {
	convID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteGroup(c.Request.Context(), jwt.GetUserID(c), convID); err != nil {
		writeError(c, err)
		return
	}
	response.SuccessWithMessage(c, "群聊已删除", nil)
}

// History 获取会话历史消息
func (h *ConversationHandler) History(c *gin.Context) {
	convID, ok := paramID(c, "id")
	if !ok {
		return
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil {
		pageSize = 20
	}

	items, err := h.service.History(c.Request.Context(), jwt.GetUserID(c), convID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]*response.MessageResponse, 0, len(items))
	for _, item := range items {
		m := response.FilterMessageInfo(item.Message)
		m.ReadBy = item.ReadBy
		out = append(out, m)
	}
	response.Success(c, gin.H{
		"messages":  out,
		"page":      page,
		"page_size": pageSize,
	})
}

// SendMessage 通过HTTP发送消息，同时广播给房间内的连接
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	convID, ok := paramID(c, "id")
	if !ok {
		return
	}
	type req struct {
		Message string `json:"message" binding:"required"`
	}
	var r req
	if err := c.ShouldBindJSON(&r); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	msg, err := h.service.SendMessage(c.Request.Context(), jwt.GetUser(c), convID, r.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessWithMessage(c, "消息发送成功", response.FilterMessageInfo(msg))
}

// MarkRead 将整个会话标记为已读
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	convID, ok := paramID(c, "id")
	if !ok {
		return
	}
	marked, err := h.service.MarkConversationRead(c.Request.Context(), jwt.GetUserID(c), convID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"marked": marked})
}

// UnreadCount 当前用户在会话中的未读数
func (h *ConversationHandler) UnreadCount(c *gin.Context) {
	convID, ok := paramID(c, "id")
	if !ok {
		return
	}
	n, err := h.service.UnreadCount(c.Request.Context(), jwt.GetUserID(c), convID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, &response.UnreadResponse{ConversationID: convID, UnreadCount: n})
}

// TotalUnread 当前用户所有会话的未读总数
func (h *ConversationHandler) TotalUnread(c *gin.Context) {
	n, err := h.service.TotalUnread(c.Request.Context(), jwt.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, &response.UnreadResponse{UnreadCount: n})
}

// DeleteMessage 删除自己发送的消息
func (h *ConversationHandler) DeleteMessage(c *gin.Context) {
	convID, ok := paramID(c, "id")
	if !ok {
		return
	}
	msgID, ok := paramID(c, "message_id")
	if !ok {
		return
	}
	if err := h.service.DeleteMessage(c.Request.Context(), jwt.GetUserID(c), convID, msgID); err != nil {
		writeError(c, err)
		return
	}
	response.SuccessWithMessage(c, "消息已删除", nil)
}

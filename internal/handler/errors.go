package handler

import (
	"errors"
	"strconv"

	"chat-system/internal/repository"
	"chat-system/internal/service"
	"chat-system/pkg/jwt"
	"chat-system/pkg/logger"
	"chat-system/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// writeError 将业务错误映射为响应
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidArgument),
		errors.Is(err, service.ErrEmptyMessage),
		errors.Is(err, repository.ErrSelfConversation),
		errors.Is(err, repository.ErrGroupNameTaken),
		errors.Is(err, repository.ErrUserExists),
		errors.Is(err, repository.ErrNotGroup):
		response.BadRequest(c, err.Error())
	case errors.Is(err, service.ErrInvalidCredentials):
		response.Unauthorized(c, err.Error())
	case errors.Is(err, service.ErrMembershipDenied),
		errors.Is(err, service.ErrPermissionDenied),
		errors.Is(err, jwt.ErrSubjectInactive):
		response.Forbidden(c, err.Error())
	case errors.Is(err, repository.ErrConversationNotFound),
		errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrMessageNotFound),
		errors.Is(err, repository.ErrNotParticipant):
		response.NotFound(c, err.Error())
	default:
		logger.Error("请求处理失败",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		_ = c.Error(err)
		response.ErrorWithDetails(c, 500, "服务暂不可用", err)
	}
}

// paramID 解析路径中的ID参数
func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

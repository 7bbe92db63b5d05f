package jwt

import (
	"errors"
	"strings"

	"chat-system/internal/model"
	"chat-system/pkg/logger"
	"chat-system/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// ContextUserIDKey 用户ID在gin.Context中的键名
	ContextUserIDKey = "user_id"
	// ContextUserKey 当前用户在gin.Context中的键名
	ContextUserKey = "current_user"
)

// AuthMiddleware JWT认证中间件
// 从请求头中提取Authorization: Bearer <token>
// 与WebSocket握手使用同一个Verifier，验证通过后将用户存入gin.Context
func (v *Verifier) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "缺少Authorization请求头")
			c.Abort()
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			response.Unauthorized(c, "Authorization格式错误，应为Bearer <token>")
			c.Abort()
			return
		}

		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		user, err := v.Verify(c.Request.Context(), tokenString)
		if err != nil {
			logger.Warn("JWT验证失败",
				zap.Error(err),
				zap.String("path", c.Request.URL.Path),
			)
			switch {
			case errors.Is(err, ErrCredentialExpired):
				response.Unauthorized(c, "token已过期")
			case errors.Is(err, ErrSubjectInactive):
				response.Forbidden(c, "账号已被禁用")
			case errors.Is(err, ErrCredentialMissing),
				errors.Is(err, ErrCredentialMalformed),
				errors.Is(err, ErrCredentialInvalid),
				errors.Is(err, ErrSubjectUnknown):
				response.Unauthorized(c, "token无效")
			default:
				response.InternalError(c, "服务暂不可用")
			}
			c.Abort()
			return
		}

		c.Set(ContextUserIDKey, user.ID)
		c.Set(ContextUserKey, user)

		logger.Debug("用户访问接口",
			zap.Uint("user_id", user.ID),
			zap.String("username", user.Username),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
		)

		c.Next()
	}
}

// GetUserID 从gin.Context中获取用户ID
func GetUserID(c *gin.Context) uint {
	if userID, exists := c.Get(ContextUserIDKey); exists {
		if id, ok := userID.(uint); ok {
			return id
		}
	}
	return 0
}

// GetUser 从gin.Context中获取当前用户
func GetUser(c *gin.Context) *model.User {
	if user, exists := c.Get(ContextUserKey); exists {
		if u, ok := user.(*model.User); ok {
			return u
		}
	}
	return nil
}

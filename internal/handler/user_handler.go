package handler

import (
	"chat-system/internal/service"
	"chat-system/pkg/jwt"
	"chat-system/pkg/response"

	"github.com/gin-gonic/gin"
)

type UserHandler struct {
	service *service.UserService
}

func NewUserHandler(s *service.UserService) *UserHandler {
	return &UserHandler{service: s}
}

// Register 用户注册
func (h *UserHandler) Register(c *gin.Context) {
	type req struct {
		Username string `json:"username" binding:"required"`
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required"`
		Nickname string `json:"nickname"`
	}
	var r req
	if err := c.ShouldBindJSON(&r); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	user, token, err := h.service.Register(c.Request.Context(), r.Username, r.Email, r.Password, r.Nickname)
	if err != nil {
		writeError(c, err)
		return
	}

	response.SuccessWithMessage(c, "注册成功", &response.RegisterResponse{
		User:        response.FilterUserInfo(user),
		AccessToken: token,
	})
}

// Login 用户登录
func (h *UserHandler) Login(c *gin.Context) {
	type req struct {
		UsernameOrEmail string `json:"usernameOrEmail" binding:"required"`
		Password        string `json:"password" binding:"required"`
	}
	var r req
	if err := c.ShouldBindJSON(&r); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	user, token, err := h.service.Login(c.Request.Context(), r.UsernameOrEmail, r.Password)
	if err != nil {
		writeError(c, err)
		return
	}

	response.SuccessWithMessage(c, "登录成功", &response.LoginResponse{
		User:        response.FilterUserInfo(user),
		AccessToken: token,
	})
}

// GetProfile 获取用户资料（需要JWT认证）
func (h *UserHandler) GetProfile(c *gin.Context) {
	user, err := h.service.Profile(c.Request.Context(), jwt.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessWithMessage(c, "获取用户资料成功", response.FilterUserInfo(user))
}

// GetOnlineUsers 获取在线用户列表（需要Redis）
func (h *UserHandler) GetOnlineUsers(c *gin.Context) {
	ids, err := h.service.OnlineUsers()
	if err != nil {
		response.ErrorWithDetails(c, 503, "在线用户列表不可用", err)
		return
	}
	response.SuccessWithMessage(c, "获取在线用户成功", gin.H{
		"online_count": len(ids),
		"users":        ids,
	})
}

// CheckUserOnline 检查指定用户是否在线
func (h *UserHandler) CheckUserOnline(c *gin.Context) {
	userID, ok := paramID(c, "user_id")
	if !ok {
		return
	}
	online, err := h.service.IsOnline(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessWithMessage(c, "检查用户在线状态成功", gin.H{
		"user_id": userID,
		"online":  online,
	})
}

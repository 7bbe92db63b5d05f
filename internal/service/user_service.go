package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chat-system/internal/model"
	"chat-system/internal/repository"
	"chat-system/pkg/jwt"
	"chat-system/pkg/logger"
	"chat-system/pkg/password"
	"chat-system/pkg/redis"

	"go.uber.org/zap"
)

type UserService struct {
	repo       *repository.UserRepository
	jwtService *jwt.JWTService
}

func NewUserService(repo *repository.UserRepository, jwtService *jwt.JWTService) *UserService {
	return &UserService{repo: repo, jwtService: jwtService}
}

// Register 注册
func (s *UserService) Register(ctx context.Context, username, email, plainPassword, nickname string) (*model.User, string, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	// 邮箱有唯一索引，空串也会互相冲突，因此必填
	if username == "" || email == "" || plainPassword == "" {
		return nil, "", fmt.Errorf("%w: username, email and password are required", ErrInvalidArgument)
	}
	if len(plainPassword) < 6 {
		return nil, "", fmt.Errorf("%w: password must be at least 6 characters", ErrInvalidArgument)
	}
	// 密码哈希
	hash, err := password.Hash(plainPassword)
	if err != nil {
		return nil, "", err
	}
	user := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Nickname:     strings.TrimSpace(nickname),
		IsActive:     true,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, "", err
	}
	token, err := s.issueToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login 登录
func (s *UserService) Login(ctx context.Context, identifier, plainPassword string) (*model.User, string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || plainPassword == "" {
		return nil, "", fmt.Errorf("%w: identifier and password are required", ErrInvalidArgument)
	}
	u, err := s.repo.GetByUsernameOrEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if !password.Verify(plainPassword, u.PasswordHash) {
		return nil, "", ErrInvalidCredentials
	}
	if !u.IsActive {
		return nil, "", jwt.ErrSubjectInactive
	}
	token, err := s.issueToken(u)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// Profile 获取资料并刷新最近在线时间
func (s *UserService) Profile(ctx context.Context, userID uint) (*model.User, error) {
	if err := s.repo.Touch(ctx, userID); err != nil {
		logger.Warn("刷新最近在线时间失败", zap.Uint("user_id", userID), zap.Error(err))
	}
	return s.repo.GetByID(ctx, userID)
}

// IsOnline 用户是否在线：Redis启用时以Redis为准，否则读数据库标记
func (s *UserService) IsOnline(ctx context.Context, userID uint) (bool, error) {
	if redis.Enabled() {
		online, err := redis.IsUserOnline(userID)
		if err == nil {
			return online, nil
		}
		logger.Warn("读取Redis在线状态失败，回退数据库", zap.Uint("user_id", userID), zap.Error(err))
	}
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.IsOnline, nil
}

// OnlineUsers 在线用户ID列表，需要Redis
func (s *UserService) OnlineUsers() ([]uint, error) {
	return redis.GetOnlineUsers()
}

func (s *UserService) issueToken(u *model.User) (string, error) {
	return s.jwtService.GenerateToken(u.ID, map[string]interface{}{"username": u.Username})
}

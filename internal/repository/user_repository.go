package repository

import (
	"context"
	"errors"
	"time"

	"chat-system/internal/model"

	"gorm.io/gorm"
)

type UserRepository struct {
	orm *gorm.DB
	now func() time.Time
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{orm: db, now: time.Now}
}

func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	if err := r.orm.WithContext(ctx).Create(user).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrUserExists
		}
		return storeErr("create user", err)
	}
	return nil
}

// GetByID 按ID查询用户，不存在时返回 ErrUserNotFound
func (r *UserRepository) GetByID(ctx context.Context, id uint) (*model.User, error) {
	var u model.User
	if err := r.orm.WithContext(ctx).First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, storeErr("get user", err)
	}
	return &u, nil
}

// GetByIDs 批量查询用户，不存在的ID直接忽略
func (r *UserRepository) GetByIDs(ctx context.Context, ids []uint) ([]model.User, error) {
	var users []model.User
	if len(ids) == 0 {
		return users, nil
	}
	if err := r.orm.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, storeErr("get users", err)
	}
	return users, nil
}

func (r *UserRepository) GetByUsernameOrEmail(ctx context.Context, identifier string) (*model.User, error) {
	var u model.User
	if err := r.orm.WithContext(ctx).Where("username = ? OR email = ?", identifier, identifier).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, storeErr("get user", err)
	}
	return &u, nil
}

// SetOnline 更新在线标记并刷新最近在线时间
func (r *UserRepository) SetOnline(ctx context.Context, id uint, online bool) error {
	err := r.orm.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"is_online": online, "last_seen": r.now()}).Error
	if err != nil {
		return storeErr("set online", err)
	}
	return nil
}

// Touch 刷新最近在线时间（获取资料时调用）
func (r *UserRepository) Touch(ctx context.Context, id uint) error {
	err := r.orm.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", id).
		Update("last_seen", r.now()).Error
	if err != nil {
		return storeErr("touch user", err)
	}
	return nil
}

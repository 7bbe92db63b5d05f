package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrUserExists           = errors.New("username or email already registered")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotParticipant       = errors.New("user is not a participant of the conversation")
	ErrSelfConversation     = errors.New("cannot create conversation with yourself")
	ErrGroupNameTaken       = errors.New("a group with this name already exists")
	ErrNotGroup             = errors.New("conversation is not a group")
	// ErrStoreUnavailable 底层存储异常（连接断开、超时等），调用方可重试
	ErrStoreUnavailable = errors.New("store unavailable")
)

// mysql 唯一键冲突错误码
const mysqlDuplicateEntry = 1062

// storeErr 将底层错误包装为 ErrStoreUnavailable，保留原始错误链
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// isDuplicateKey 判断是否唯一约束冲突（MySQL 1062 / SQLite UNIQUE）
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

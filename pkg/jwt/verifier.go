package jwt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"chat-system/internal/model"
	"chat-system/internal/repository"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

var (
	ErrCredentialMissing   = errors.New("credential missing")
	ErrCredentialMalformed = errors.New("credential malformed")
	ErrCredentialInvalid   = errors.New("credential invalid")
	ErrCredentialExpired   = errors.New("credential expired")
	ErrSubjectUnknown      = errors.New("credential subject unknown")
	ErrSubjectInactive     = errors.New("credential subject inactive")
)

// UserFinder 按ID查询用户
type UserFinder interface {
	GetByID(ctx context.Context, id uint) (*model.User, error)
}

// Verifier 将令牌解析为用户身份
// 库自带的声明校验关闭，过期时间按 now 显式判断，便于区分各类失败
type Verifier struct {
	svc   *JWTService
	users UserFinder
	now   func() time.Time
}

// NewVerifier 创建 Verifier
func NewVerifier(svc *JWTService, users UserFinder) *Verifier {
	return &Verifier{svc: svc, users: users, now: time.Now}
}

// Claims 校验签名与过期时间，不访问存储
func (v *Verifier) Claims(tokenString string) (*CustomClaims, uint, error) {
	if tokenString == "" {
		return nil, 0, ErrCredentialMissing
	}

	claims := &CustomClaims{}
	_, err := jwtv5.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwtv5.Token) (interface{}, error) {
			return v.svc.secretKey, nil
		},
		jwtv5.WithValidMethods([]string{jwtv5.SigningMethodHS256.Alg()}),
		jwtv5.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwtv5.ErrTokenMalformed) {
			return nil, 0, fmt.Errorf("%w: %w", ErrCredentialMalformed, err)
		}
		return nil, 0, fmt.Errorf("%w: %w", ErrCredentialInvalid, err)
	}

	if v.svc.issuer != "" && claims.Issuer != v.svc.issuer {
		return nil, 0, fmt.Errorf("%w: unexpected issuer %q", ErrCredentialInvalid, claims.Issuer)
	}
	if claims.ExpiresAt == nil {
		return nil, 0, fmt.Errorf("%w: exp claim missing", ErrCredentialMalformed)
	}
	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || userID == 0 {
		return nil, 0, fmt.Errorf("%w: bad sub claim %q", ErrCredentialMalformed, claims.Subject)
	}
	if !v.now().Before(claims.ExpiresAt.Time) {
		return nil, 0, ErrCredentialExpired
	}
	return claims, uint(userID), nil
}

// Verify 校验令牌并解析出有效用户
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*model.User, error) {
	_, userID, err := v.Claims(tokenString)
	if err != nil {
		return nil, err
	}

	user, err := v.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrSubjectUnknown
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrSubjectInactive
	}
	return user, nil
}

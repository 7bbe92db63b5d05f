package service

import "errors"

var (
	ErrMembershipDenied   = errors.New("user is not a member of this conversation")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrEmptyMessage       = errors.New("message body is empty")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

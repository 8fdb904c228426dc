package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/ngapox/malenga-knowledge-clinic/internal/moderation"
)

// 业务层通用错误，handler 根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrValidation       = errors.New("validation error")
	ErrPermissionDenied = errors.New("permission denied")
	ErrRateLimited      = errors.New("rate limited")
	ErrContentRejected  = errors.New("content rejected")
	ErrExpiredInvite    = errors.New("invite expired")
	ErrInvalidInvite    = errors.New("invalid invite")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrTransient        = errors.New("temporarily unavailable")
	ErrNotFound         = errors.New("not found")
	ErrDuplicate        = errors.New("already exists")

	ErrUsernameTaken      = fmt.Errorf("%w: username taken", ErrDuplicate)
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRoomNotFound       = fmt.Errorf("%w: room", ErrNotFound)
	ErrMessageNotFound    = fmt.Errorf("%w: message", ErrNotFound)
)

// RateLimitError 携带慢速模式剩余等待时间。
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// classify 把持久层错误归入错误分类，调用方不会看到原始的基础设施错误类型。
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrContentRejected), errors.Is(err, ErrExpiredInvite), errors.Is(err, ErrInvalidInvite),
		errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicate),
		errors.Is(err, ErrTransient):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	case errors.Is(err, moderation.ErrRejected):
		return fmt.Errorf("%w: %w", ErrContentRejected, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		// check constraint，例如数据库侧的敏感词约束
		return fmt.Errorf("%w: %w", ErrContentRejected, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "check constraint") {
		return fmt.Errorf("%w: %w", ErrContentRejected, err)
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

package core

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Kind classifies failures so callers can switch on it instead of matching messages.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindPermission
	KindNotFound
	KindTimeout
	KindTransientStore
	KindSecurity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindTransientStore:
		return "transient_store"
	case KindSecurity:
		return "security"
	default:
		return "internal"
	}
}

// Error is the tagged failure returned by every core operation.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		if e.Msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, ErrTimeout) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrPermission     = &Error{Kind: KindPermission}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrTransientStore = &Error{Kind: KindTransientStore}
	ErrSecurity       = &Error{Kind: KindSecurity}
)

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NewValidationError creates a validation failure with a formatted message.
func NewValidationError(format string, args ...interface{}) *Error {
	return newError(KindValidation, format, args...)
}

// NewPermissionError creates a permission failure with a formatted message.
func NewPermissionError(format string, args ...interface{}) *Error {
	return newError(KindPermission, format, args...)
}

// NewNotFoundError creates a not-found failure with a formatted message.
func NewNotFoundError(format string, args ...interface{}) *Error {
	return newError(KindNotFound, format, args...)
}

// NewTimeoutError creates a timeout failure with a formatted message.
func NewTimeoutError(format string, args ...interface{}) *Error {
	return newError(KindTimeout, format, args...)
}

// NewSecurityError creates a security failure with a formatted message.
func NewSecurityError(format string, args ...interface{}) *Error {
	return newError(KindSecurity, format, args...)
}

// Wrap tags err with kind and op. An err that is already an *Error keeps its kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		switch {
		case error(ce) != err:
			return &Error{Kind: ce.Kind, Op: op, Err: err}
		case ce.Op != "":
			return err
		default:
			return &Error{Kind: ce.Kind, Op: op, Msg: ce.Msg, Err: ce.Err}
		}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, KindInternal for untagged errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsRetryable reports whether a failure may succeed if attempted again.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientStore, KindValidation, KindTimeout:
		return true
	}
	return false
}

// ClassifyStoreError tags a driver error as transient or internal.
func ClassifyStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, op, err)
	}
	if IsTransientStoreError(err) {
		return Wrap(KindTransientStore, op, err)
	}
	return Wrap(KindInternal, op, err)
}

// mysql error numbers for deadlock and lock wait timeout
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// IsTransientStoreError reports driver errors worth retrying.
func IsTransientStoreError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWaitTimeout
	}
	msg := strings.ToLower(err.Error())
	hints := []string{"connection reset", "broken pipe", "database is locked", "sqlite_busy", "deadlock", "temporarily", "too many connections"}
	for _, hint := range hints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

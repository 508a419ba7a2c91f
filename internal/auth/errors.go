package auth

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error string surfaced to clients.
type Code string

const (
	CodeInvalidCredentials      Code = "INVALID_CREDENTIALS"
	CodeInvalidMFA              Code = "INVALID_MFA"
	CodeMFASetupRequired        Code = "MFA_SETUP_REQUIRED"
	CodeAccountLocked           Code = "ACCOUNT_LOCKED"
	CodeAccountDeactivated      Code = "ACCOUNT_DEACTIVATED"
	CodeTenantInactive          Code = "TENANT_INACTIVE"
	CodeTokenExpired            Code = "TOKEN_EXPIRED"
	CodeTokenRevoked            Code = "TOKEN_REVOKED"
	CodeInvalidToken            Code = "INVALID_TOKEN"
	CodeInvalidRefreshToken     Code = "INVALID_REFRESH_TOKEN"
	CodeRefreshReuse            Code = "REFRESH_REUSE"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	CodeInsufficientRole        Code = "INSUFFICIENT_ROLE"
	CodeTenantAccessDenied      Code = "TENANT_ACCESS_DENIED"
	CodeCSRFMissing             Code = "CSRF_MISSING"
	CodeCSRFInvalid             Code = "CSRF_INVALID"
	CodeRateLimited             Code = "RATE_LIMITED"
	CodeWeakPassword            Code = "WEAK_PASSWORD"
	CodeCorruptHierarchy        Code = "CORRUPT_HIERARCHY"
	CodeSessionStoreDegraded    Code = "SESSION_STORE_DEGRADED"
)

// Error carries a stable code alongside an internal message. The message is
// for logs; responses expose only the code.
type Error struct {
	Code Code
	msg  string
}

func (e *Error) Error() string {
	if e.msg == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.msg
}

// Is matches any *Error with the same code, so sentinels work with errors.Is
// even when a wrapped copy carries extra context.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// E builds a coded error with an optional internal message.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

// Sentinel errors for the common conditions. Compare with errors.Is.
var (
	ErrInvalidCredentials      = &Error{Code: CodeInvalidCredentials}
	ErrInvalidMFA              = &Error{Code: CodeInvalidMFA}
	ErrMFASetupRequired        = &Error{Code: CodeMFASetupRequired}
	ErrAccountLocked           = &Error{Code: CodeAccountLocked}
	ErrAccountDeactivated      = &Error{Code: CodeAccountDeactivated}
	ErrTenantInactive          = &Error{Code: CodeTenantInactive}
	ErrTokenExpired            = &Error{Code: CodeTokenExpired}
	ErrTokenRevoked            = &Error{Code: CodeTokenRevoked}
	ErrInvalidToken            = &Error{Code: CodeInvalidToken}
	ErrInvalidRefreshToken     = &Error{Code: CodeInvalidRefreshToken}
	ErrRefreshReuse            = &Error{Code: CodeRefreshReuse}
	ErrInsufficientPermissions = &Error{Code: CodeInsufficientPermissions}
	ErrInsufficientRole        = &Error{Code: CodeInsufficientRole}
	ErrTenantAccessDenied      = &Error{Code: CodeTenantAccessDenied}
	ErrCSRFMissing             = &Error{Code: CodeCSRFMissing}
	ErrCSRFInvalid             = &Error{Code: CodeCSRFInvalid}
	ErrRateLimited             = &Error{Code: CodeRateLimited}
	ErrWeakPassword            = &Error{Code: CodeWeakPassword}
	ErrCorruptHierarchy        = &Error{Code: CodeCorruptHierarchy}
	ErrSessionStoreDegraded    = &Error{Code: CodeSessionStoreDegraded}
)

// Storage-level sentinels used by the store interfaces.
var (
	ErrNotFound        = errors.New("auth: not found")
	ErrAlreadyExists   = errors.New("auth: already exists")
	ErrVersionConflict = errors.New("auth: version conflict")
)

// CodeOf extracts the stable code from an error chain. Unknown errors map to
// an empty code so callers fall back to a generic 500.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

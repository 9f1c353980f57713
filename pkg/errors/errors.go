package errors

import "fmt"

// Caller-facing error classes. Messages are deliberately generic: the
// precise verification or issuance failure is kept in internal logs.
var (
	ErrUnauthorized = &ServiceError{
		Code:    "UNAUTHORIZED",
		Message: "Missing, invalid or expired credentials",
		Status:  401,
	}

	ErrForbidden = &ServiceError{
		Code:    "FORBIDDEN",
		Message: "Insufficient scope for this operation",
		Status:  403,
	}

	// ErrScopeNotAllowed is returned at issuance when a service asks for
	// more than its configured ceiling. Requests are never truncated.
	ErrScopeNotAllowed = &ServiceError{
		Code:    "SCOPE_NOT_ALLOWED",
		Message: "Requested scope exceeds the service's allowance",
		Status:  403,
	}

	// ErrUnknownService renders exactly like ErrScopeNotAllowed so issuance
	// responses do not reveal which service names are registered.
	ErrUnknownService = &ServiceError{
		Code:    "SCOPE_NOT_ALLOWED",
		Message: "Requested scope exceeds the service's allowance",
		Status:  403,
	}

	ErrTooManyAttempts = &ServiceError{
		Code:    "TOO_MANY_ATTEMPTS",
		Message: "Too many failed attempts, retry later",
		Status:  429,
	}

	ErrRateLimitExceeded = &ServiceError{
		Code:    "RATE_LIMIT_EXCEEDED",
		Message: "Rate limit exceeded",
		Status:  429,
	}

	// ErrInvalidRequest is used for syntactically invalid requests (missing or
	// malformed parameters) where a 400 response is appropriate.
	ErrInvalidRequest = &ServiceError{
		Code:    "INVALID_REQUEST",
		Message: "Invalid request",
		Status:  400,
	}

	ErrServiceUnavailable = &ServiceError{
		Code:    "SERVICE_UNAVAILABLE",
		Message: "Authentication backend unavailable",
		Status:  503,
	}

	// ErrConflict covers rotation operations that do not apply to the
	// current key states, such as activating a key that is not pending.
	ErrConflict = &ServiceError{
		Code:    "CONFLICT",
		Message: "Operation conflicts with the current key state",
		Status:  409,
	}

	ErrInternalServer = &ServiceError{
		Code:    "INTERNAL_SERVER_ERROR",
		Message: "Internal server error",
		Status:  500,
	}
)

// ServiceError represents a service-level error
type ServiceError struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches on Code so a wrapped copy still compares equal to the
// package-level value it was derived from.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Wrap wraps an error with a ServiceError
func Wrap(err error, serviceErr *ServiceError) *ServiceError {
	return &ServiceError{
		Code:    serviceErr.Code,
		Message: serviceErr.Message,
		Status:  serviceErr.Status,
		Err:     err,
	}
}

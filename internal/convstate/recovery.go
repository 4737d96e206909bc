package convstate

import "strings"

// ErrorType classifies a failure for error-recovery planning.
type ErrorType string

const (
	ErrorTimeout           ErrorType = "TIMEOUT"
	ErrorAPIFailure        ErrorType = "API_FAILURE"
	ErrorRateLimited       ErrorType = "RATE_LIMITED"
	ErrorDataMissing       ErrorType = "DATA_MISSING"
	ErrorValidation        ErrorType = "VALIDATION_ERROR"
	ErrorPermissionDenied  ErrorType = "PERMISSION_DENIED"
	ErrorResourceExhausted ErrorType = "RESOURCE_EXHAUSTED"
	ErrorUnknown           ErrorType = "UNKNOWN"
)

// IsRetryable reports whether the reasoning loop may retry without user
// input.
func (e ErrorType) IsRetryable() bool {
	switch e {
	case ErrorTimeout, ErrorAPIFailure, ErrorRateLimited:
		return true
	}
	return false
}

// RequiresUserIntervention reports whether recovery needs the user.
func (e ErrorType) RequiresUserIntervention() bool {
	switch e {
	case ErrorDataMissing, ErrorValidation, ErrorPermissionDenied, ErrorUnknown:
		return true
	}
	return false
}

// ClassifyError maps a failure message onto the recovery taxonomy.
func ClassifyError(message string) ErrorType {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"), strings.Contains(lower, "deadline"):
		return ErrorTimeout
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"), strings.Contains(lower, "429"):
		return ErrorRateLimited
	case strings.Contains(lower, "permission"), strings.Contains(lower, "forbidden"), strings.Contains(lower, "unauthorized"):
		return ErrorPermissionDenied
	case strings.Contains(lower, "not found"), strings.Contains(lower, "missing"), strings.Contains(lower, "no data"):
		return ErrorDataMissing
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "validation"), strings.Contains(lower, "schema"):
		return ErrorValidation
	case strings.Contains(lower, "quota"), strings.Contains(lower, "exhausted"), strings.Contains(lower, "out of memory"):
		return ErrorResourceExhausted
	case strings.Contains(lower, "connection"), strings.Contains(lower, "api"), strings.Contains(lower, "unavailable"), strings.Contains(lower, "5xx"), strings.Contains(lower, "502"), strings.Contains(lower, "503"):
		return ErrorAPIFailure
	default:
		return ErrorUnknown
	}
}

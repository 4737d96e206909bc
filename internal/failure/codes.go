package failure

import (
	"fmt"
	"strings"
)

// ErrorCode classifies a node failure. Every collaborator boundary must
// translate its failures into one of these; the retry decision never
// depends on collaborator exception types.
type ErrorCode string

const (
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeNetworkError      ErrorCode = "NETWORK_ERROR"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	CodeValidationFailed  ErrorCode = "VALIDATION_FAILED"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodeInternalError     ErrorCode = "INTERNAL_ERROR"
	CodeDependencyFailed  ErrorCode = "DEPENDENCY_FAILED"
	CodeDataMissing       ErrorCode = "DATA_MISSING"
)

// IsRetryable reports whether a failure with this code may succeed on
// retry. VALIDATION_FAILED and PERMISSION_DENIED require user intervention
// and are never retried.
func (c ErrorCode) IsRetryable() bool {
	switch c {
	case CodeTimeout, CodeNetworkError, CodeRateLimited, CodeResourceExhausted:
		return true
	default:
		return false
	}
}

// Strategy selects how a node failure is handled.
type Strategy string

const (
	StrategyRetry  Strategy = "RETRY"
	StrategySkip   Strategy = "SKIP"
	StrategyAbort  Strategy = "ABORT"
	StrategyReplan Strategy = "REPLAN"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRetry, StrategySkip, StrategyAbort, StrategyReplan:
		return true
	}
	return false
}

// ParseStrategy reads a strategy from its configuration spelling,
// case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	parsed := Strategy(strings.ToUpper(s))
	if !parsed.Valid() {
		return "", fmt.Errorf("unknown failure strategy %q", s)
	}
	return parsed, nil
}

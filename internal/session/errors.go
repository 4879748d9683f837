package session

import "fmt"

// Machine-readable error codes. These are contract surface: buyers key
// retry behavior off them.
const (
	CodeInvalidState      = "INVALID_STATE"
	CodeSessionExpired    = "SESSION_EXPIRED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeCallLimitExceeded = "CALL_LIMIT_EXCEEDED"
	CodeBudgetExhausted   = "BUDGET_EXHAUSTED"

	CodeWrongSeller   = "WRONG_SELLER"
	CodeInvalidBudget = "INVALID_BUDGET"
	CodeInvalidTTL    = "INVALID_TTL"
	CodeIntentExpired = "INTENT_EXPIRED"
)

// Error is a typed metering/validation failure. No stack traces by
// contract; the code plus session id is what crosses the wire.
type Error struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	SessionID    string `json:"sessionId,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("session %s: %s: %s", e.SessionID, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code string) bool {
	se, ok := err.(*Error)
	return ok && se.Code == code
}

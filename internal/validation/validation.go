// Package validation provides input validation middleware for the
// gateway API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// methodRegex validates upstream RPC method names
	methodRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.]{0,127}$`)
	// idRegex validates prefixed resource ids (ses_..., rcp_..., bdl_...)
	idRegex = regexp.MustCompile(`^[a-z]{3}_[a-f0-9]{24}$`)
	// amountRegex validates base-unit amounts (non-negative decimal integers)
	amountRegex = regexp.MustCompile(`^(0|[1-9][0-9]*)$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidMethod checks if a string is a plausible RPC method name
func IsValidMethod(method string) bool {
	return methodRegex.MatchString(method)
}

// IsValidID checks if a string is a well-formed prefixed resource id
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// IsValidAmount checks if a string is a base-unit amount: a plain
// non-negative decimal integer, no sign, no fractions, no leading zeros
func IsValidAmount(s string) bool {
	return amountRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// SessionIDParamMiddleware validates the :id URL parameter on session
// routes. Malformed ids are rejected before any lookup.
func SessionIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_session_id",
				"message": "session id must look like ses_ followed by 24 hex chars",
			})
			return
		}
		c.Next()
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidMethod checks if a field is a plausible RPC method name
func ValidMethod(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidMethod(value) {
			return &ValidationError{Field: field, Message: "must be a valid RPC method name"}
		}
		return nil
	}
}

// ValidAmount checks if a field is a base-unit amount
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidAmount(value) {
			return &ValidationError{Field: field, Message: "must be a non-negative decimal integer in base units"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Package validation provides input validation for the offersync API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// ethAddressRegex validates Ethereum addresses
var ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// SanitizeAddress trims whitespace and ensures the 0x prefix.
// Case is preserved so checksummed input stays checksummed.
func SanitizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) == 40 && !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		addr = "0x" + addr
	}
	if strings.HasPrefix(addr, "0X") {
		addr = "0x" + addr[2:]
	}
	return addr
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

// Present checks that an optional JSON field was supplied.
func Present[T any](field string, value *T) func() *ValidationError {
	return func() *ValidationError {
		if value == nil {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Required checks that a string field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a valid Ethereum address.
// Empty values pass; the registry endpoint uses "" to clear the address.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// IntRange checks min <= *value <= max. A nil value passes; pair with Present.
func IntRange(field string, value *int64, min, max int64) func() *ValidationError {
	return func() *ValidationError {
		if value == nil {
			return nil
		}
		if *value < min || *value > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %d and %d", min, max)}
		}
		return nil
	}
}

// NonNegative checks *value >= 0. A nil value passes.
func NonNegative(field string, value *int64) func() *ValidationError {
	return func() *ValidationError {
		if value != nil && *value < 0 {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

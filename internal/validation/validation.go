// Package validation provides input validation for the HTTP and tool surfaces.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ledgersync/internal/amount"
)

// MaxRequestSize is the maximum request body size (64KB). No endpoint
// accepts more than a small JSON object.
const MaxRequestSize = 64 << 10

var (
	ethAddressRegex  = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	paymentHashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{1,64}$`)
)

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

// IsValidPaymentHash accepts 0x-prefixed hex of up to 32 bytes. Demo
// fixtures use short hashes, so no minimum length is enforced.
func IsValidPaymentHash(s string) bool {
	return paymentHashRegex.MatchString(s)
}

// NormalizeAddress trims, lowercases and 0x-prefixes an address. Stored
// addresses are always lowercase.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
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

// Validate runs validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
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

// ValidAddress checks if a field is a valid Ethereum address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(NormalizeAddress(value)) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidAmount checks that a field is a non-negative integer amount in base
// units. Decimals and exponents are rejected.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		v, ok := amount.Parse(value)
		if !ok {
			return &ValidationError{Field: field, Message: "must be an integer string"}
		}
		if v.Sign() < 0 {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// AddressParamMiddleware rejects a malformed :address parameter and
// rewrites a valid one to its normalized form.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for i, p := range c.Params {
			if p.Key != "address" {
				continue
			}
			addr := NormalizeAddress(p.Value)
			if !IsValidEthAddress(addr) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_address",
					"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
				})
				return
			}
			c.Params[i].Value = addr
		}
		c.Next()
	}
}

// PaymentHashParamMiddleware rejects a malformed :hash parameter.
func PaymentHashParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if hash := c.Param("hash"); hash != "" && !IsValidPaymentHash(hash) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payment_hash",
				"message": "payment hash must be 0x-prefixed hex",
			})
			return
		}
		c.Next()
	}
}

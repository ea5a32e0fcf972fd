// Package validation checks HTTP input for the payment and operator APIs.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paylink/internal/usdc"
)

// MaxRequestSize caps request bodies at 1 MiB.
const MaxRequestSize = 1 << 20

var (
	addressPattern   = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	invoiceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// RequestSizeMiddleware makes body reads past maxSize fail.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is 0x followed by 40 hex digits.
// Checksum casing is not enforced.
func IsValidEthAddress(addr string) bool {
	return addressPattern.MatchString(addr)
}

// IsValidInvoiceID reports whether s is usable as an invoice ID. The ID is
// hashed into the on-chain key, so only a conservative charset is accepted.
func IsValidInvoiceID(s string) bool {
	return invoiceIDPattern.MatchString(s)
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is returned in the "details" of a 400 response.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule checks one field and returns nil when it passes.
type Rule func() *ValidationError

// Validate runs every rule and collects all failures, not just the first.
func Validate(rules ...Rule) ValidationErrors {
	var failed ValidationErrors
	for _, rule := range rules {
		if ve := rule(); ve != nil {
			failed = append(failed, *ve)
		}
	}
	return failed
}

func fail(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// Required rejects empty and whitespace-only values.
func Required(field, value string) Rule {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return fail(field, "is required")
		}
		return nil
	}
}

// ValidAddress accepts an empty value; pair it with Required when the
// address is mandatory. The zero address is never a valid payee or payer.
func ValidAddress(field, value string) Rule {
	return func() *ValidationError {
		switch {
		case value == "":
			return nil
		case !IsValidEthAddress(value):
			return fail(field, "must be a valid Ethereum address (0x...)")
		case strings.Trim(value[2:], "0") == "":
			return fail(field, "must not be the zero address")
		}
		return nil
	}
}

// MaxLength limits value to max bytes.
func MaxLength(field, value string, max int) Rule {
	return func() *ValidationError {
		if len(value) > max {
			return fail(field, "exceeds maximum length")
		}
		return nil
	}
}

// ValidAmount checks that a non-empty field is a positive token amount with
// at most usdc.Decimals fractional digits.
func ValidAmount(field, value string) Rule {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		whole, frac, hasDot := strings.Cut(value, ".")
		if whole == "" || (hasDot && frac == "") || !digits(whole) || !digits(frac) {
			return fail(field, "invalid amount format")
		}
		if len(frac) > usdc.Decimals {
			return fail(field, "too many decimal places")
		}
		v, ok := usdc.Parse(value)
		if !ok || v.Sign() <= 0 {
			return fail(field, "amount must be greater than zero")
		}
		return nil
	}
}

func digits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// InvoiceIDParamMiddleware rejects malformed :id URL parameters early.
func InvoiceIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidInvoiceID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_invoice_id",
				"message": "invoice id may contain only letters, digits, '_' and '-'",
			})
			return
		}
		c.Next()
	}
}

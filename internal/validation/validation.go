// Package validation provides input validation middleware and helpers for
// the Muse API.
package validation

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxDescriptorLength caps the generation descriptor. Descriptors are
// forwarded to the provider verbatim, so the cap bounds provider payloads
// as well as our own storage.
const MaxDescriptorLength = 10000

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, strips null bytes, and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidDescriptor checks that a generation descriptor is usable.
func ValidDescriptor(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("descriptor is required")
	}
	if len(s) > MaxDescriptorLength {
		return fmt.Errorf("descriptor exceeds %d bytes", MaxDescriptorLength)
	}
	return nil
}

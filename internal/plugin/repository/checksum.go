package repository

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dshills/modhost/internal/plugin"
)

// ChecksumError provides details about a checksum verification failure.
// It wraps plugin.ErrChecksumMismatch so callers can use errors.Is.
type ChecksumError struct {
	Package  string
	Expected string
	Got      string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum verification failed for %s\nExpected: %s\nGot:      %s", e.Package, e.Expected, e.Got)
}

// Unwrap returns plugin.ErrChecksumMismatch.
func (e *ChecksumError) Unwrap() error { return plugin.ErrChecksumMismatch }

// Digest returns the lowercase hex-encoded SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify compares the digest of data with expected, ignoring case.
func Verify(name string, data []byte, expected string) error {
	got := Digest(data)
	if !strings.EqualFold(got, strings.TrimSpace(expected)) {
		return &ChecksumError{
			Package:  name,
			Expected: strings.ToLower(expected),
			Got:      got,
		}
	}
	return nil
}

// Package tenant normalizes phone numbers used as tenant keys and as
// identity lookup keys.
package tenant

import (
	"errors"
	"strings"
)

// ErrInvalidTenant is returned when a tenant phone number cannot be normalized.
var ErrInvalidTenant = errors.New("invalid tenant phone number")

const (
	minTenantDigits = 10
	maxTenantDigits = 15
)

// Digits strips everything that is not an ASCII digit.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Normalize returns the canonical digits-only tenant key.
func Normalize(raw string) (string, error) {
	d := Digits(raw)
	if len(d) < minTenantDigits || len(d) > maxTenantDigits {
		return "", ErrInvalidTenant
	}
	return d, nil
}

// Valid reports whether s is already a canonical tenant key.
func Valid(s string) bool {
	n, err := Normalize(s)
	return err == nil && n == s
}

// NormalizePhone returns the canonical form of a phone number used for
// identity lookups: digits only, trunk zeros removed, and the default
// country code prepended to 10 or 11 digit national numbers.
func NormalizePhone(raw, defaultCountry string) string {
	d := strings.TrimLeft(Digits(raw), "0")
	if d == "" {
		return ""
	}
	if defaultCountry != "" && (len(d) == 10 || len(d) == 11) {
		return defaultCountry + d
	}
	return d
}

// ValidPhoneReply checks a free-text phone reply. The digit count must be
// within [minDigits, maxDigits].
func ValidPhoneReply(text string, minDigits, maxDigits int) (string, bool) {
	d := Digits(text)
	if len(d) < minDigits || len(d) > maxDigits {
		return d, false
	}
	return d, true
}

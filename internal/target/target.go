// Package target maps user-supplied destinations to the messaging service's
// canonical addressing format.
package target

import "strings"

const (
	// ContactSuffix marks an individual contact address.
	ContactSuffix = "@c.us"
	// GroupSuffix marks a group address.
	GroupSuffix = "@g.us"

	// DefaultCountryCode is prepended to bare 10-digit national numbers.
	DefaultCountryCode = "57"

	nationalNumberLen = 10
)

// Formatter canonicalizes destinations for one default country code.
type Formatter struct {
	CountryCode string
}

// New returns a Formatter. An empty code selects DefaultCountryCode.
func New(countryCode string) Formatter {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	return Formatter{CountryCode: countryCode}
}

// Format returns the canonical address for input. Inputs containing '-' are
// group ids and only gain the group suffix. Everything else is treated as a
// phone number: non-digits are dropped, a bare 10-digit national number gets
// the country code, and the contact suffix is appended.
//
// Format is total and idempotent: Format(Format(x)) == Format(x).
func (f Formatter) Format(input string) string {
	s := strings.TrimSpace(input)
	if strings.Contains(s, "-") {
		if strings.HasSuffix(s, GroupSuffix) {
			return s
		}
		return s + GroupSuffix
	}

	digits := Digits(strings.TrimSuffix(s, ContactSuffix))
	if len(digits) == nationalNumberLen && !strings.HasPrefix(digits, f.countryCode()) {
		digits = f.countryCode() + digits
	}
	return digits + ContactSuffix
}

func (f Formatter) countryCode() string {
	if f.CountryCode == "" {
		return DefaultCountryCode
	}
	return f.CountryCode
}

// Format canonicalizes input with DefaultCountryCode.
func Format(input string) string {
	return New("").Format(input)
}

// IsCanonical reports whether s already carries a transport suffix.
func IsCanonical(s string) bool {
	return strings.HasSuffix(s, ContactSuffix) || strings.HasSuffix(s, GroupSuffix)
}

// IsGroup reports whether a canonical address points at a group.
func IsGroup(s string) bool {
	return strings.HasSuffix(s, GroupSuffix)
}

// User returns the address without its transport suffix.
func User(s string) string {
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		return s[:i]
	}
	return s
}

// Digits strips every non-digit character from s.
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

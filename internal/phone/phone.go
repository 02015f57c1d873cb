// Package phone validates and canonicalizes patient phone numbers into a
// dispatchable international form.
//
// The reference deployment serves two dialing plans: US national numbers
// (10 digits, leading digit 2-9, country code +1) and Indian national
// numbers (10 digits, leading digit 6-9, country code +91). Anything else
// is rejected rather than guessed at.
package phone

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNotAPhoneNumber is returned for input that matches neither supported
// dialing plan.
var ErrNotAPhoneNumber = errors.New("not a recognizable phone number")

var (
	// separatorPattern matches spaces, dashes, dots, and parentheses that
	// commonly appear in user-entered numbers.
	separatorPattern = regexp.MustCompile(`[\s\-\.\(\)]`)

	usInternational    = regexp.MustCompile(`^\+1[2-9]\d{9}$`)
	usNational         = regexp.MustCompile(`^[2-9]\d{9}$`)
	indiaInternational = regexp.MustCompile(`^\+91[6-9]\d{9}$`)
	indiaNational      = regexp.MustCompile(`^[6-9]\d{9}$`)
)

// stripInvisible removes zero-width and bidirectional formatting marks
// that copy-pasted numbers sometimes carry.
func stripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == 0x200e || r == 0x200f:
			return -1
		case r >= 0x202a && r <= 0x202e:
			return -1
		case r >= 0x2066 && r <= 0x2069:
			return -1
		}
		return r
	}, s)
}

// Normalize canonicalizes a raw phone number into E.164-like form.
// It is a pure function and idempotent: normalizing an already-normalized
// number returns it unchanged.
func Normalize(raw string) (string, error) {
	cleaned := separatorPattern.ReplaceAllString(stripInvisible(raw), "")
	if cleaned == "" {
		return "", ErrNotAPhoneNumber
	}

	switch {
	case usInternational.MatchString(cleaned):
		return cleaned, nil
	case indiaInternational.MatchString(cleaned):
		return cleaned, nil
	// US national form is checked before the Indian one, matching the
	// deployment's historical precedence for ambiguous 10-digit numbers.
	case usNational.MatchString(cleaned):
		return "+1" + cleaned, nil
	case indiaNational.MatchString(cleaned):
		return "+91" + cleaned, nil
	}
	return "", ErrNotAPhoneNumber
}

// IsValid reports whether raw normalizes to a dispatchable number.
func IsValid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

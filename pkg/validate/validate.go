// Package validate provides composable predicate chains. A chain applies its
// rules in order and produces either the input (success) or the first
// violated rule (failure), never a collection of errors.
package validate

import (
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/vantagetrade/authcore/pkg/outcome"
)

// Rule inspects a value and returns nil when it holds.
type Rule[T any] func(T) *outcome.Error

// Chain combines rules into a single first-failure validator.
func Chain[T any](rules ...Rule[T]) func(T) outcome.Result[T] {
	return func(v T) outcome.Result[T] {
		for _, rule := range rules {
			if err := rule(v); err != nil {
				return outcome.Fail[T](err)
			}
		}
		return outcome.OK(v)
	}
}

// Field adapts a string rule to a struct by extracting the field first.
func Field[T any](name string, get func(T) string, rules ...Rule[string]) Rule[T] {
	return func(v T) *outcome.Error {
		s := get(v)
		for _, rule := range rules {
			if err := rule(s); err != nil {
				return outcome.Ef(outcome.KindValidation, "%s: %s", name, err.Msg)
			}
		}
		return nil
	}
}

// NonEmpty rejects empty or whitespace-only strings.
func NonEmpty(s string) *outcome.Error {
	if strings.TrimSpace(s) == "" {
		return outcome.E(outcome.KindValidation, "must not be empty")
	}
	return nil
}

// MinLen rejects strings shorter than n runes.
func MinLen(n int) Rule[string] {
	return func(s string) *outcome.Error {
		if utf8.RuneCountInString(s) < n {
			return outcome.Ef(outcome.KindValidation, "must be at least %d characters", n)
		}
		return nil
	}
}

// MaxLen rejects strings longer than n runes.
func MaxLen(n int) Rule[string] {
	return func(s string) *outcome.Error {
		if utf8.RuneCountInString(s) > n {
			return outcome.Ef(outcome.KindValidation, "must be at most %d characters", n)
		}
		return nil
	}
}

// EmailFormat rejects strings that are not a single RFC 5322 address.
func EmailFormat(s string) *outcome.Error {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return outcome.E(outcome.KindValidation, "invalid email address")
	}
	return nil
}

// PasswordPolicy enforces the platform password baseline: length plus at
// least one letter and one digit. Strength guidance beyond this is a client
// concern.
func PasswordPolicy(s string) *outcome.Error {
	if utf8.RuneCountInString(s) < 8 {
		return outcome.E(outcome.KindValidation, "password must be at least 8 characters")
	}
	var hasLetter, hasDigit bool
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			hasLetter = true
		}
	}
	if !hasLetter || !hasDigit {
		return outcome.E(outcome.KindValidation, "password must contain a letter and a digit")
	}
	return nil
}

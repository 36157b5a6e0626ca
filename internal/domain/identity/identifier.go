// Package identity canonicalizes raw email addresses and phone numbers so the
// same real-world identifier compares equal regardless of the source it came from.
package identity

import (
	"fmt"
	"strings"
)

// Kind is the identifier family.
type Kind string

const (
	KindEmail Kind = "email"
	KindPhone Kind = "phone"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindEmail || k == KindPhone
}

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown identifier kind %q", s)
	}
	return k, nil
}

// NormalizedIdentifier is a canonical email (lowercase, trimmed) or an
// E.164 phone number. Two identifiers are equal iff Kind and Value are equal.
type NormalizedIdentifier struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// String renders kind:value.
func (n NormalizedIdentifier) String() string {
	return string(n.Kind) + ":" + n.Value
}

// Domain returns the part after '@' for emails, empty for phones.
func (n NormalizedIdentifier) Domain() string {
	if n.Kind != KindEmail {
		return ""
	}
	if i := strings.LastIndexByte(n.Value, '@'); i >= 0 {
		return n.Value[i+1:]
	}
	return ""
}

// Digits returns the phone digits without the leading '+'.
func (n NormalizedIdentifier) Digits() string {
	if n.Kind != KindPhone {
		return ""
	}
	return strings.TrimPrefix(n.Value, "+")
}

// PhoneSuffix returns the last count digits of a phone, or "" when the
// number is shorter than count.
func (n NormalizedIdentifier) PhoneSuffix(count int) string {
	d := n.Digits()
	if count <= 0 || len(d) < count {
		return ""
	}
	return d[len(d)-count:]
}

// Normalize dispatches on kind.
func Normalize(kind Kind, raw, defaultRegion string) (NormalizedIdentifier, error) {
	switch kind {
	case KindEmail:
		return NormalizeEmail(raw)
	case KindPhone:
		return NormalizePhone(raw, defaultRegion)
	default:
		return NormalizedIdentifier{}, &NormalizationError{Kind: kind, Input: raw, Reason: "unsupported kind"}
	}
}

// Canonical applies only the region-independent part of normalization:
// emails are trimmed and lowercased, phones keep a leading '+' and digits.
// It never fails and is used to compare against directory values that were
// recorded without a known region.
func Canonical(kind Kind, raw string) string {
	switch kind {
	case KindEmail:
		return strings.ToLower(strings.TrimSpace(raw))
	case KindPhone:
		s := strings.TrimSpace(raw)
		plus := strings.HasPrefix(s, "+")
		d := DigitsOnly(stripExtension(s))
		if plus {
			return "+" + d
		}
		return d
	default:
		return strings.TrimSpace(raw)
	}
}

// DigitsOnly removes every non-digit rune.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

package identity

import (
	"strings"
)

const (
	minE164Digits = 8
	maxE164Digits = 15
)

// NormalizePhone converts raw into E.164 form ("+<country><subscriber>").
//
// Every non-digit is stripped. A '+' ahead of the first digit or an
// international "00" prefix marks the number as already carrying a country
// code. Otherwise defaultRegion (ISO 3166 alpha-2) supplies it and a national
// trunk '0' is dropped. Extensions ("x12", "ext. 12") are discarded. The
// result is a fixed point: NormalizePhone(v.Value) == v.
func NormalizePhone(raw, defaultRegion string) (NormalizedIdentifier, error) {
	fail := func(reason string) (NormalizedIdentifier, error) {
		return NormalizedIdentifier{}, &NormalizationError{Kind: KindPhone, Input: raw, Reason: reason}
	}

	s := stripExtension(raw)
	if strings.TrimSpace(s) == "" {
		return fail("empty")
	}

	international := hasLeadingPlus(s)
	digits := DigitsOnly(s)
	if !international && strings.HasPrefix(digits, "00") {
		international = true
		digits = digits[2:]
	}
	if digits == "" {
		return fail("no digits")
	}

	if !international {
		code, ok := CallingCode(defaultRegion)
		if !ok {
			return fail("no country code and unknown default region " + defaultRegion)
		}
		switch {
		case code == "1" && len(digits) == 11 && digits[0] == '1':
			// national number already dialled with the NANP country code
		case code == "1":
			digits = code + digits
		default:
			digits = code + strings.TrimPrefix(digits, "0")
		}
	}

	if len(digits) < minE164Digits || len(digits) > maxE164Digits {
		return fail("wrong number of digits")
	}

	return NormalizedIdentifier{Kind: KindPhone, Value: "+" + digits}, nil
}

// hasLeadingPlus reports whether a '+' appears before the first digit, so
// "tel:+1..." and "Mobile: +44..." count as international.
func hasLeadingPlus(s string) bool {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '+':
			return true
		case c >= '0' && c <= '9':
			return false
		}
	}
	return false
}

// stripExtension cuts s at the first extension marker that follows a digit,
// leaving labels such as "Fax:" ahead of the number alone.
func stripExtension(s string) string {
	lower := strings.ToLower(s)
	first := strings.IndexAny(lower, "0123456789")
	if first < 0 {
		return s
	}
	for _, marker := range []string{"ext", "x", "#"} {
		if i := strings.Index(lower[first:], marker); i > 0 {
			return s[:first+i]
		}
	}
	return s
}

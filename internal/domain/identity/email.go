package identity

import "strings"

// NormalizeEmail trims and lowercases raw and checks that it has exactly one
// '@' with a non-empty part on each side. A single "mailto:" prefix is
// dropped; a ':' left in the local part after that is rejected so the result
// is a fixed point: NormalizeEmail(v.Value) == v.
func NormalizeEmail(raw string) (NormalizedIdentifier, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	v = strings.TrimSpace(strings.TrimPrefix(v, "mailto:"))
	fail := func(reason string) (NormalizedIdentifier, error) {
		return NormalizedIdentifier{}, &NormalizationError{Kind: KindEmail, Input: raw, Reason: reason}
	}

	if v == "" {
		return fail("empty")
	}
	if strings.Count(v, "@") != 1 {
		return fail("want exactly one @")
	}
	at := strings.IndexByte(v, '@')
	if at == 0 || at == len(v)-1 {
		return fail("missing local part or domain")
	}
	if strings.ContainsRune(v[:at], ':') {
		return fail("colon in local part")
	}

	return NormalizedIdentifier{Kind: KindEmail, Value: v}, nil
}

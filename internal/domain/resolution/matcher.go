package resolution

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"contactsync/internal/domain/directory"
	"contactsync/internal/domain/identity"
)

type outcome int

const (
	noMatch outcome = iota
	matched
	ambiguous
)

var (
	scoreCertain = decimal.NewFromInt(1)
	scoreDomain  = decimal.RequireFromString("0.5")
	scoreNone    = decimal.Zero
)

func manualDecision(o *ManualOverride) Decision {
	return Decision{Tier: TierManual, ContactID: o.TargetContactID, Method: MethodManualOverride, Score: scoreCertain}
}

func unmatchedDecision(sawAmbiguity bool) Decision {
	m := MethodNone
	if sawAmbiguity {
		m = MethodAmbiguous
	}
	return Decision{Tier: TierUnmatched, Method: m, Score: scoreNone}
}

// distinctContacts returns the sorted unique contact ids.
func distinctContacts(cands []directory.Candidate) []string {
	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		if !slices.Contains(ids, c.ContactID) {
			ids = append(ids, c.ContactID)
		}
	}
	slices.Sort(ids)
	return ids
}

func single(cands []directory.Candidate) (string, outcome) {
	switch ids := distinctContacts(cands); len(ids) {
	case 0:
		return "", noMatch
	case 1:
		return ids[0], matched
	default:
		return "", ambiguous
	}
}

func decideExact(ident identity.NormalizedIdentifier, cands []directory.Candidate) (Decision, outcome) {
	contact, out := single(cands)
	if out != matched {
		return Decision{}, out
	}
	m := MethodExactEmail
	if ident.Kind == identity.KindPhone {
		m = MethodExactPhone
	}
	return Decision{Tier: TierExact, ContactID: contact, Method: m, Score: scoreCertain}, matched
}

func decideDomain(cands []directory.Candidate) (Decision, outcome) {
	contact, out := single(cands)
	if out != matched {
		return Decision{}, out
	}
	return Decision{Tier: TierDomain, ContactID: contact, Method: MethodEmailDomain, Score: scoreDomain}, matched
}

// decideFuzzyEmail keeps candidates within maxDistance edits and picks the
// closest. A tie between different contacts is ambiguous.
func decideFuzzyEmail(ident identity.NormalizedIdentifier, cands []directory.Candidate, maxDistance int) (Decision, outcome) {
	best := -1
	var closest []directory.Candidate
	var bestValue string

	for _, c := range cands {
		v := identity.Canonical(identity.KindEmail, c.Value)
		d := Levenshtein(ident.Value, v)
		if d > maxDistance {
			continue
		}
		switch {
		case best < 0 || d < best:
			best, bestValue = d, v
			closest = []directory.Candidate{c}
		case d == best:
			closest = append(closest, c)
		}
	}

	contact, out := single(closest)
	if out != matched {
		return Decision{}, out
	}
	return Decision{
		Tier:      TierFuzzy,
		ContactID: contact,
		Method:    MethodEmailEditDistance,
		Score:     similarity(best, max(len(ident.Value), len(bestValue))),
	}, matched
}

// decideFuzzyPhone matches on the trailing suffixDigits digits.
func decideFuzzyPhone(ident identity.NormalizedIdentifier, cands []directory.Candidate, suffixDigits int) (Decision, outcome) {
	suffix := ident.PhoneSuffix(suffixDigits)
	if suffix == "" {
		return Decision{}, noMatch
	}
	digits := ident.Digits()

	var hits []directory.Candidate
	longest := len(digits)
	for _, c := range cands {
		cd := identity.DigitsOnly(c.Value)
		if len(cd) < suffixDigits || cd[len(cd)-suffixDigits:] != suffix {
			continue
		}
		hits = append(hits, c)
		longest = max(longest, len(cd))
	}

	contact, out := single(hits)
	if out != matched {
		return Decision{}, out
	}
	score := decimal.NewFromInt(int64(suffixDigits)).DivRound(decimal.NewFromInt(int64(longest)), 4)
	return Decision{Tier: TierFuzzy, ContactID: contact, Method: MethodPhoneSuffix, Score: score}, matched
}

// similarity maps an edit distance to (0,1].
func similarity(distance, length int) decimal.Decimal {
	if length == 0 {
		return scoreCertain
	}
	d := decimal.NewFromInt(int64(distance)).DivRound(decimal.NewFromInt(int64(length)), 4)
	return scoreCertain.Sub(d)
}

// Levenshtein returns the edit distance between a and b over runes.
func Levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func normalizeDomains(domains []string) map[string]struct{} {
	out := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		out[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return out
}

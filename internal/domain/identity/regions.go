package identity

import "strings"

// callingCodes maps ISO 3166 alpha-2 regions to ITU calling codes.
var callingCodes = map[string]string{
	"US": "1", "CA": "1", "PR": "1",
	"GB": "44", "IE": "353",
	"DE": "49", "FR": "33", "ES": "34", "IT": "39", "NL": "31", "BE": "32",
	"CH": "41", "AT": "43", "SE": "46", "NO": "47", "DK": "45", "FI": "358",
	"PL": "48", "PT": "351", "CZ": "420",
	"AU": "61", "NZ": "64",
	"IN": "91", "SG": "65", "JP": "81", "KR": "82", "CN": "86", "HK": "852",
	"BR": "55", "MX": "52", "AR": "54",
	"ZA": "27", "IL": "972", "AE": "971",
}

// CallingCode returns the calling code for region.
func CallingCode(region string) (string, bool) {
	code, ok := callingCodes[strings.ToUpper(strings.TrimSpace(region))]
	return code, ok
}

package provider

import (
	"strings"

	"github.com/ttacon/libphonenumber"
)

// DefaultRegion is the region used to parse numbers without a country code.
const DefaultRegion = "BR"

// NormalizePhone formats raw as E.164. Numbers that do not parse or are not
// valid are returned trimmed but otherwise verbatim.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	num, err := libphonenumber.Parse(raw, DefaultRegion)
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return raw
	}
	return libphonenumber.Format(num, libphonenumber.E164)
}

func normalizePhones(raws []string) []string {
	if len(raws) == 0 {
		return nil
	}
	out := make([]string, 0, len(raws))
	seen := make(map[string]bool, len(raws))
	for _, r := range raws {
		p := NormalizePhone(r)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

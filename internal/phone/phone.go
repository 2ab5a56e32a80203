// Package phone normalizes channel sender addresses to E.164 so that staff
// and customer lookups compare like with like.
package phone

import "strings"

// Normalize converts a raw phone string to E.164 ("+5215533997393").
// Handles inputs with or without a leading "+", with spaces or dashes, and
// bare national numbers (country code prepended).
func Normalize(raw, defaultCountryCode string) string {
	p := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	if p == "" {
		return ""
	}
	if strings.HasPrefix(p, "+") {
		return p
	}
	cc := strings.TrimPrefix(defaultCountryCode, "+")
	if strings.HasPrefix(p, cc) && len(p) > 10 {
		return "+" + p
	}
	return "+" + cc + p
}

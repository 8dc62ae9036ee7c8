// Package rfc9111 implements the parts of the HTTP caching
// specification (RFC 9111, plus the date/time and list rules it imports
// from RFC 9110) that the reply pipeline depends on: freshness lifetime
// and age arithmetic, Cache-Control parsing, Vary selection, and
// validator comparison.
//
// The age helpers named after RFC terms (age_value, date_value) keep the
// spec's snake_case names so the quoted text and the code can be read
// side by side; exported functions use Go names (FreshnessLifetime,
// CurrentAge).
package rfc9111

import (
	"net/http"
	"strings"
)

// GetListHeader returns the members of a comma-separated list-typed
// header field, whitespace-trimmed, across all field lines.
func GetListHeader(header http.Header, name string) []string {
	members := make([]string, 0)
	for _, line := range header.Values(name) {
		for _, member := range strings.Split(line, ",") {
			if trimmed := strings.TrimSpace(member); trimmed != "" {
				members = append(members, trimmed)
			}
		}
	}
	return members
}

// FieldAbsent reports whether the named field does not appear in the
// header at all.
func FieldAbsent(header http.Header, name string) bool {
	return len(header.Values(name)) == 0
}

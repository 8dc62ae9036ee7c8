package rfc9111

import (
	"net/http"
	"strings"
)

// §  4.1.  Calculating Cache Keys with the Vary Header Field
// §
// §     When a cache receives a request that can be satisfied by a stored
// §     response and that stored response contains a Vary header field
// §     (Section 12.5.5 of [HTTP]), the cache MUST NOT use that stored
// §     response without revalidation unless all the presented request header
// §     fields nominated by that Vary field value match those fields in the
// §     original request (i.e., the request that caused the cached response
// §     to be stored).
func VaryMatches(varyValue []string, storedReq, presentedReq http.Header) bool {
	for _, name := range varyValue {
		// §  If (after any normalization that might take place) a header
		// §  field is absent from a request, it can only match another
		// §  request if it is also absent there.
		if FieldAbsent(storedReq, name) != FieldAbsent(presentedReq, name) {
			return false
		}
		// §  A stored response with a Vary header field value containing a
		// §  member "*" always fails to match.
		if name == "*" {
			return false
		}
		if normalizeFieldValue(storedReq, name) != normalizeFieldValue(presentedReq, name) {
			return false
		}
	}
	return true
}

// §     The header fields from two requests are defined to match if and only
// §     if those in the first request can be transformed to those in the
// §     second request by applying any of the following:
// §
// §     *  adding or removing whitespace, where allowed in the header field's
// §        syntax
// §
// §     *  combining multiple header field lines with the same field name
// §        (see Section 5.2 of [HTTP])
func normalizeFieldValue(header http.Header, name string) string {
	members := GetListHeader(header, name)
	return strings.Join(members, ",")
}

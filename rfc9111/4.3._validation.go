package rfc9111

import (
	"net/http"
	"strings"
)

// §  4.3.1.  Sending a Validation Request
// §
// §     When generating a conditional request for validation, a cache either
// §     starts with a request it is attempting to satisfy or, if it is
// §     initiating the request independently, synthesizes a request using a
// §     stored response by copying the method, target URI, and request header
// §     fields identified by the Vary header field (Section 4.1).
// §
// §     It then updates that request with one or more precondition header
// §     fields.  These contain validator metadata sourced from a stored
// §     response (or responses) that has the same URI.
// §
// §     *  the exact value of the ETag response header field of a stored
// §        response, if any, within an If-None-Match header field; or
// §
// §     *  the exact value of the Last-Modified response header field of a
// §        stored response, if any, within an If-Modified-Since header field.
func AddValidators(req *http.Request, stored *http.Response) {
	if etag := stored.Header.Get("ETag"); etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lm := stored.Header.Get("Last-Modified"); lm != "" {
		req.Header.Set("If-Modified-Since", lm)
	}
}

// This comparison is from RFC 9110, referenced by the validation rules.
//
// §  8.8.3.2.  Comparison (of entity tags)
// §
// §     There are two entity tag comparison functions, depending on whether
// §     or not the comparison context allows the use of weak validators:
// §
// §     "Strong comparison": two entity tags are equivalent if both are not
// §     weak and their opaque-tags match character-by-character.
// §
// §     "Weak comparison": two entity tags are equivalent if their opaque-
// §     tags match character-by-character, regardless of either or both
// §     being tagged as "weak".
func ETagWeakMatch(a, b string) bool {
	return opaqueTag(a) == opaqueTag(b) && a != "" && b != ""
}

func ETagStrongMatch(a, b string) bool {
	return a == b && a != "" && !strings.HasPrefix(a, "W/")
}

func opaqueTag(etag string) string {
	return strings.TrimPrefix(etag, "W/")
}

// ETagListMatch reports whether any member of an If-None-Match or
// If-Match field value matches the given entity tag, using the supplied
// comparison. The special value "*" matches any existing tag.
func ETagListMatch(fieldValue string, etag string, strong bool) bool {
	for _, member := range strings.Split(fieldValue, ",") {
		member = strings.TrimSpace(member)
		if member == "*" {
			return etag != ""
		}
		if strong {
			if ETagStrongMatch(member, etag) {
				return true
			}
		} else if ETagWeakMatch(member, etag) {
			return true
		}
	}
	return false
}

// §  4.3.4.  Freshening Stored Responses upon Validation
// §
// §     When a cache receives a 304 (Not Modified) response, it needs to
// §     identify stored responses that are suitable for updating with the new
// §     information provided in that response and then do so.
// §
// §     [...] the cache MUST update its stored response(s) per Section 3.2.
//
// §  3.2.  Updating Stored Header Fields
// §
// §     Caches are required to update a stored response's header fields from
// §     another (typically newer) response in several situations; [...]
// §
// §     When doing so, the cache MUST add each header field in the provided
// §     response to the stored response, replacing field values that are
// §     already present, with the following exceptions:
// §
// §     *  Header fields excepted from storage in Section 3.1,
// §
// §     *  Header fields that the cache's stored response depends upon, as
// §        described below,
// §
// §     *  Header fields that affect how the cache updates the stored
// §        response, [...]
// §
// §     *  In particular, caches are prohibited from updating the Content-
// §        Length header field from provided responses.
func UpdateStoredHeaders(stored http.Header, provided http.Header) {
	for name, values := range provided {
		if headerUpdateExcluded(name) {
			continue
		}
		stored[http.CanonicalHeaderKey(name)] = values
	}
}

func headerUpdateExcluded(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Content-Length", "Content-Range", "Etag", "Vary",
		"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}

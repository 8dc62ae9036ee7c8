// Package rfc9211 constructs the Cache-Status response header field
// defined in RFC 9211.
package rfc9211

import (
	"fmt"
	"strings"
	"time"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates how caches have
// §     handled that response and its corresponding request.  The syntax of
// §     this header field conforms to [STRUCTURED-FIELDS].
// §
// §       Cache-Status: OriginCache; hit; ttl=1100,
// §                     "CDN Company Here"; hit; ttl=545
// §
// §     The Cache-Status header field is a List of Tokens and Strings.  Each
// §     member of the list represents a cache that has handled the request.
type FwdReason string

// §  2.2.  The fwd Parameter
const (
	// §  bypass: The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"
	// §  method: The request method's semantics require the request to
	// §  be forwarded.
	FwdMethod FwdReason = "method"
	// §  uri-miss: The cache did not contain any responses that matched
	// §  the request URI.
	FwdUriMiss FwdReason = "uri-miss"
	// §  vary-miss: The cache contained a response that matched the
	// §  request URI, but it could not select a response based upon this
	// §  request's header fields and stored Vary header fields.
	FwdVaryMiss FwdReason = "vary-miss"
	// §  miss: The cache did not contain any responses that could be
	// §  used to satisfy this request (to be used when an implementation
	// §  cannot distinguish between uri-miss and vary-miss).
	FwdMiss FwdReason = "miss"
	// §  request: The cache was able to select a fresh response for the
	// §  request, but the request's semantics (e.g., Cache-Control
	// §  request directives) did not allow its use.
	FwdRequest FwdReason = "request"
	// §  stale: The cache was able to select a response for the request,
	// §  but it was stale.
	FwdStale FwdReason = "stale"
	// §  partial: The cache was able to select a partial response for
	// §  the request, but it did not contain all of the requested ranges.
	FwdPartial FwdReason = "partial"
)

// CacheStatus accumulates the parameters of one cache's entry in the
// Cache-Status list.
type CacheStatus struct {
	hit       bool
	fwdReason FwdReason
	fwdStatus int
	stored    bool
	collapsed bool
	ttl       time.Duration
	hasTTL    bool
	detail    string
}

// §  2.1.  The hit Parameter
// §
// §     hit, when true, indicates that the request was satisfied by the
// §     cache; that is, it was not forwarded, and the response was obtained
// §     from the cache.
func (cs *CacheStatus) Hit() {
	cs.hit = true
	cs.fwdReason = ""
}

// §  2.2.  The fwd Parameter
// §
// §     fwd, when present, indicates that the request went forward towards
// §     the origin.
func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.hit = false
	cs.fwdReason = reason
}

// §  2.3.  The fwd-status Parameter
// §
// §     fwd-status indicates which status code (see Section 15 of [HTTP]) the
// §     next-hop server returned in response to the forwarded request.
func (cs *CacheStatus) ForwardStatus(status int) {
	cs.fwdStatus = status
}

// §  2.5.  The stored Parameter
// §
// §     stored indicates whether the cache stored the response; [...]
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

// §  2.6.  The collapsed Parameter
// §
// §     collapsed indicates whether this request was collapsed together with
// §     one or more other forward requests; [...]
func (cs *CacheStatus) Collapsed() {
	cs.collapsed = true
}

// §  2.4.  The ttl Parameter
// §
// §     ttl indicates the response's remaining freshness lifetime as
// §     calculated by the cache, as an integer number of seconds, [...]
func (cs *CacheStatus) TTL(ttl time.Duration) {
	cs.ttl = ttl
	cs.hasTTL = true
}

// §  2.8.  The detail Parameter
// §
// §     detail allows debug information not captured in other parameters to
// §     be conveyed, [...]
func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

// Value renders this cache's list member with the given cache identity.
func (cs *CacheStatus) Value(cacheName string) string {
	var b strings.Builder
	b.WriteString(cacheName)
	if cs.hit {
		b.WriteString("; hit")
	} else if cs.fwdReason != "" {
		fmt.Fprintf(&b, "; fwd=%s", cs.fwdReason)
	}
	if cs.fwdStatus != 0 {
		fmt.Fprintf(&b, "; fwd-status=%d", cs.fwdStatus)
	}
	if cs.stored {
		b.WriteString("; stored")
	}
	if cs.collapsed {
		b.WriteString("; collapsed")
	}
	if cs.hasTTL {
		fmt.Fprintf(&b, "; ttl=%d", int(cs.ttl.Seconds()))
	}
	if cs.detail != "" {
		fmt.Fprintf(&b, "; detail=%s", cs.detail)
	}
	return b.String()
}

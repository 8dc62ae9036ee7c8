package edgecache

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgecache/edgecache/rfc9111"
)

// Redirect is a rewrite queued for a request by an external redirector.
// A queued redirect forces a miss and completes immediately with a
// synthesized 3xx.
type Redirect struct {
	Status   int
	Location string
}

// Request is the parsed client request plus the caching flags derived
// from it. It is read-only after construction and may be shared between
// the reply state and the forwarder.
type Request struct {
	*http.Request

	// CacheControl is the parsed request Cache-Control (with the
	// Pragma: no-cache fallback applied).
	CacheControl rfc9111.CacheControl

	// NoCache is set when the client forces a refresh.
	NoCache bool
	// OnlyIfCached forbids contacting the origin.
	OnlyIfCached bool
	// Internal marks requests generated by the proxy itself; these
	// may hit even when client refresh would force a miss.
	Internal bool
	// LoopDetected is set when our own Via token already appears in
	// the request.
	LoopDetected bool
	// Redirect, when non-nil, short-circuits the request.
	Redirect *Redirect

	// Conditional request fields.
	IfModifiedSince time.Time
	HasIMS          bool
	IfNoneMatch     string
	IfMatch         string

	MaxForwards int // -1 when absent

	// NeedsValidation is latched when freshness evaluation returns
	// stale, suppressing forwarding loops between siblings.
	NeedsValidation bool

	// varyTries bounds the vary re-lookup loop.
	varyTries int
}

// ParseRequest derives the caching view of an incoming request. The
// via token is this proxy's Via identity, used for loop detection.
func ParseRequest(r *http.Request, via string) *Request {
	req := &Request{
		Request:     r,
		MaxForwards: -1,
	}
	req.CacheControl = rfc9111.RequestCacheControl(r.Header)
	req.NoCache = req.CacheControl.NoCache()
	req.OnlyIfCached = req.CacheControl.OnlyIfCached()
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := rfc9111.HttpDate(ims); err == nil {
			req.IfModifiedSince = t
			req.HasIMS = true
		}
	}
	req.IfNoneMatch = r.Header.Get("If-None-Match")
	req.IfMatch = r.Header.Get("If-Match")
	if mf := r.Header.Get("Max-Forwards"); mf != "" {
		if n, err := strconv.Atoi(mf); err == nil && n >= 0 {
			req.MaxForwards = n
		}
	}
	if via != "" {
		for _, hop := range rfc9111.GetListHeader(r.Header, "Via") {
			if strings.Contains(hop, via) {
				req.LoopDetected = true
				break
			}
		}
	}
	return req
}

// Conditional reports whether the request carries any precondition.
func (r *Request) Conditional() bool {
	return r.HasIMS || r.IfNoneMatch != "" || r.IfMatch != ""
}

package edgecache

import (
	"net/http"

	"github.com/edgecache/edgecache/rfc9111"
)

// ConditionalResult is the outcome of evaluating request preconditions
// against a servable hit.
type ConditionalResult int

const (
	// CondHit: no precondition applies; serve the full hit.
	CondHit ConditionalResult = iota
	// CondNotModified: answer 304 from the stored metadata.
	CondNotModified
	// CondPreconditionFailed: answer 412.
	CondPreconditionFailed
)

// EvaluateConditional applies If-Match, If-None-Match and
// If-Modified-Since to a stored 200-class reply. If-None-Match, when
// present, makes If-Modified-Since in the same request ignored.
func EvaluateConditional(req *Request, stored *http.Response) ConditionalResult {
	etag := stored.Header.Get("ETag")

	if req.IfMatch != "" {
		if !rfc9111.ETagListMatch(req.IfMatch, etag, true) {
			return CondPreconditionFailed
		}
	}

	if req.IfNoneMatch != "" {
		matched := rfc9111.ETagListMatch(req.IfNoneMatch, etag, false)
		if !matched {
			return CondHit
		}
		if req.Method == http.MethodGet || req.Method == http.MethodHead {
			return CondNotModified
		}
		return CondPreconditionFailed
	}

	if req.HasIMS {
		if modifiedSince(stored, req) {
			return CondHit
		}
		return CondNotModified
	}

	return CondHit
}

// modifiedSince reports whether the stored reply changed after the
// request's If-Modified-Since timestamp. An unparseable Last-Modified
// counts as modified.
func modifiedSince(stored *http.Response, req *Request) bool {
	lm, err := rfc9111.HttpDate(stored.Header.Get("Last-Modified"))
	if err != nil {
		return true
	}
	return lm.After(req.IfModifiedSince)
}

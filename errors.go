package edgecache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// ErrKind names a user-visible failure. Each kind maps to one error
// page and HTTP status.
type ErrKind string

const (
	ErrKindOnlyIfCachedMiss ErrKind = "ONLY_IF_CACHED_MISS"
	ErrKindAccessDenied     ErrKind = "ACCESS_DENIED"
	ErrKindTooBig           ErrKind = "TOO_BIG"
	ErrKindPrecondition     ErrKind = "PRECONDITION_FAILED"
	ErrKindLoopDetected     ErrKind = "LOOP_DETECTED"
	ErrKindSwapFailure      ErrKind = "SWAP_FAILURE"
	ErrKindUpstreamFailure  ErrKind = "UPSTREAM_FAILURE"
)

var (
	// ErrStream is the terminal error reported downstream when the
	// byte stream cannot be completed; the connection must close.
	ErrStream = errors.New("reply stream failed")
	// ErrDetached is observed by late callbacks after the client went
	// away.
	ErrDetached = errors.New("client detached")
)

// ErrorFactory renders user-visible failures as complete HTTP
// responses so that error delivery shares the normal streaming path.
type ErrorFactory interface {
	Build(kind ErrKind, status int, req *Request) *http.Response
}

// defaultErrorFactory produces minimal text/html error pages.
type defaultErrorFactory struct {
	via string
}

// NewErrorFactory returns the built-in error page renderer. The via
// string identifies this proxy in the page footer.
func NewErrorFactory(via string) ErrorFactory {
	return defaultErrorFactory{via: via}
}

func (f defaultErrorFactory) Build(kind ErrKind, status int, req *Request) *http.Response {
	uri := ""
	if req != nil {
		uri = req.URL.String()
	}
	body := fmt.Sprintf(
		"<html><head><title>%d %s</title></head><body><h1>%s</h1><p>%s</p><hr><address>%s</address></body></html>\n",
		status, http.StatusText(status), http.StatusText(status), uri, f.via)
	res := &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
	res.ContentLength = int64(len(body))
	res.Header.Set("Content-Type", "text/html")
	res.Header.Set("Content-Length", strconv.Itoa(len(body)))
	res.Header.Set("X-Error-Kind", string(kind))
	return res
}

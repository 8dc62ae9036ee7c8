// Package serializer converts HTTP responses to and from their raw
// HTTP/1.1 wire representation. Cached objects are stored as these raw
// bytes, so the byte offset of the end of the header block (the header
// size) is significant for all object-length accounting.
package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	responseTimeHeaderName = "Edgecache-Response-Time"
	requestTimeHeaderName  = "Edgecache-Request-Time"
)

var headerEnd = []byte("\r\n\r\n")

// TimedResponse is a response together with the request/response clock
// values needed for age calculation.
type TimedResponse struct {
	Response *http.Response
	// The value of the clock at the time of the request that resulted
	// in the stored response.
	RequestTime time.Time
	// The value of the clock at the time the response was received.
	ResponseTime time.Time
}

// ResponseToBytes serializes a response to its HTTP/1.1 wire form,
// embedding the request and response timestamps as headers. The
// response body is restored afterwards so the caller can keep using it.
func ResponseToBytes(sRes TimedResponse) ([]byte, error) {
	res := sRes.Response
	res.Header.Set(responseTimeHeaderName, strconv.FormatInt(sRes.ResponseTime.Unix(), 10))
	res.Header.Set(requestTimeHeaderName, strconv.FormatInt(sRes.RequestTime.Unix(), 10))
	defer func() {
		res.Header.Del(responseTimeHeaderName)
		res.Header.Del(requestTimeHeaderName)
	}()

	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	// res.Write consumed the body; hand the caller a fresh one
	clone, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clone.Body
	return bts, nil
}

// BytesToResponse parses a stored wire-format response and recovers the
// embedded timestamps. A nil error guarantees a parseable status line
// and header block.
func BytesToResponse(b []byte) (TimedResponse, error) {
	sRes := TimedResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	if v, err := strconv.ParseInt(res.Header.Get(responseTimeHeaderName), 10, 64); err == nil {
		sRes.ResponseTime = time.Unix(v, 0)
	}
	if v, err := strconv.ParseInt(res.Header.Get(requestTimeHeaderName), 10, 64); err == nil {
		sRes.RequestTime = time.Unix(v, 0)
	}
	res.Header.Del(responseTimeHeaderName)
	res.Header.Del(requestTimeHeaderName)
	return sRes, nil
}

// HeadBytes renders only the status line and header block of a
// response, timestamps embedded, for streaming writers that append
// body bytes as they arrive.
func HeadBytes(res *http.Response, requestTime, responseTime time.Time) []byte {
	status := res.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", res.StatusCode, http.StatusText(res.StatusCode))
	}
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "HTTP/1.1 %s\r\n", status)
	header := res.Header.Clone()
	header.Set(responseTimeHeaderName, strconv.FormatInt(responseTime.Unix(), 10))
	header.Set(requestTimeHeaderName, strconv.FormatInt(requestTime.Unix(), 10))
	header.Write(buf)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// StripTimeHeaders removes the embedded timestamp fields from a parsed
// header block before it is shown to anything outside the cache.
func StripTimeHeaders(h http.Header) {
	h.Del(responseTimeHeaderName)
	h.Del(requestTimeHeaderName)
}

// HeaderSize returns the byte length of the status line and header
// block of a wire-format response, including the terminating blank
// line. It returns 0 when the header block is not yet complete.
func HeaderSize(b []byte) int {
	if i := bytes.Index(b, headerEnd); i >= 0 {
		return i + len(headerEnd)
	}
	return 0
}

// HeadersComplete reports whether the stored bytes contain a full
// header block, i.e. whether BytesToResponse can succeed.
func HeadersComplete(b []byte) bool {
	return HeaderSize(b) > 0
}

package edgecache

import (
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	cachekey "github.com/edgecache/edgecache/pkg/cache-key"
	serializer "github.com/edgecache/edgecache/pkg/response-serializer"
	"github.com/edgecache/edgecache/store"
)

func varyEntry(t *testing.T, key string, headerPairs ...string) *store.Entry {
	t.Helper()
	res := okResponse(headerPairs...)
	res.ContentLength = 0
	res.Header.Set("Content-Length", "0")
	b, err := serializer.ResponseToBytes(serializer.TimedResponse{
		Response:     res,
		RequestTime:  testClock,
		ResponseTime: testClock,
	})
	if err != nil {
		t.Fatal(err)
	}
	e := store.NewEntry(key, testClock)
	e.SetBytes(b)
	return e
}

func varyRequest(t *testing.T, headerPairs ...string) *Request {
	t.Helper()
	return ParseRequest(getRequest(t, "http://example.test/doc", headerPairs...), "")
}

func TestVaryMatchNoVaryHeader(t *testing.T) {
	keyer := cachekey.NewKeyer("")
	v := NewVaryMatcher(keyer, zerolog.Nop())
	e := varyEntry(t, keyer.BaseKey(http.MethodGet, "http://example.test/doc"))

	if got := v.Match(e, varyRequest(t)); got != VaryNone {
		t.Fatalf("entry without Vary matched as %v", got)
	}
}

func TestVaryMatchSelectsStoredVariant(t *testing.T) {
	keyer := cachekey.NewKeyer("")
	v := NewVaryMatcher(keyer, zerolog.Nop())
	base := keyer.BaseKey(http.MethodGet, "http://example.test/doc")
	req := varyRequest(t, "Accept-Encoding", "gzip")
	key := keyer.AddVariant(base, req.Header, []string{"Accept-Encoding"})
	e := varyEntry(t, key, "Vary", "Accept-Encoding")

	if got := v.Match(e, req); got != VaryMatch {
		t.Fatalf("matching variant evaluated to %v", got)
	}
}

func TestVaryMatchOtherVariantOnceThenCancels(t *testing.T) {
	keyer := cachekey.NewKeyer("")
	v := NewVaryMatcher(keyer, zerolog.Nop())
	base := keyer.BaseKey(http.MethodGet, "http://example.test/doc")
	gzipReq := varyRequest(t, "Accept-Encoding", "gzip")
	stored := keyer.AddVariant(base, gzipReq.Header, []string{"Accept-Encoding"})
	e := varyEntry(t, stored, "Vary", "Accept-Encoding")

	plain := varyRequest(t)
	if got := v.Match(e, plain); got != VaryOther {
		t.Fatalf("first mismatch evaluated to %v", got)
	}
	// a second mismatch on the same request is a re-lookup loop
	if got := v.Match(e, plain); got != VaryCancel {
		t.Fatalf("second mismatch evaluated to %v", got)
	}
}

func TestVaryMatchStarCancels(t *testing.T) {
	keyer := cachekey.NewKeyer("")
	v := NewVaryMatcher(keyer, zerolog.Nop())
	e := varyEntry(t, keyer.BaseKey(http.MethodGet, "http://example.test/doc"), "Vary", "*")

	if got := v.Match(e, varyRequest(t)); got != VaryCancel {
		t.Fatalf("Vary: * evaluated to %v", got)
	}
}

func TestSelectVariantPicksMatchingKey(t *testing.T) {
	keyer := cachekey.NewKeyer("")
	s := store.New(nil, zerolog.Nop())
	v := NewVaryMatcher(keyer, zerolog.Nop())
	base := keyer.BaseKey(http.MethodGet, "http://example.test/doc")

	gzipReq := varyRequest(t, "Accept-Encoding", "gzip")
	brReq := varyRequest(t, "Accept-Encoding", "br")
	for _, req := range []*Request{gzipReq, brReq} {
		key := keyer.AddVariant(base, req.Header, []string{"Accept-Encoding"})
		e := s.Create(key, testClock.Add(-time.Minute))
		seedVariant(t, e, req.Header.Get("Accept-Encoding"))
	}

	e, ok := v.SelectVariant(s, base, brReq)
	if !ok {
		t.Fatal("no variant selected")
	}
	want := keyer.AddVariant(base, brReq.Header, []string{"Accept-Encoding"})
	if e.Key != want {
		t.Fatalf("selected %q, want %q", e.Key, want)
	}

	if _, ok := v.SelectVariant(s, base, varyRequest(t, "Accept-Encoding", "zstd")); ok {
		t.Fatal("selected a variant for an unstored encoding")
	}
}

func seedVariant(t *testing.T, e *store.Entry, encoding string) {
	t.Helper()
	res := okResponse("Vary", "Accept-Encoding", "Content-Encoding", encoding)
	res.ContentLength = 0
	res.Header.Set("Content-Length", "0")
	b, err := serializer.ResponseToBytes(serializer.TimedResponse{
		Response:     res,
		RequestTime:  testClock,
		ResponseTime: testClock,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.SetBytes(b)
}

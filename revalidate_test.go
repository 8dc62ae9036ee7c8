package edgecache

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/edgecache/edgecache/store"
)

// staleSeed stores an entry that is well past its freshness lifetime so
// a subsequent request revalidates. The Last-Modified is what makes the
// entry validatable at all; without one a stale entry is a plain miss.
func staleSeed(t *testing.T, env *testEnv, uri, body string, headerPairs ...string) {
	t.Helper()
	origin := testClock.Add(-10 * time.Minute)
	pairs := append([]string{
		"Cache-Control", "max-age=1",
		"Date", rfcDate(origin),
		"Last-Modified", rfcDate(origin.Add(-time.Hour)),
	}, headerPairs...)
	env.seed(t, http.MethodGet, uri, okResponse(pairs...), body, origin, origin)
}

func TestRevalidation304ServesRefreshedEntry(t *testing.T) {
	env := newTestEnv(t, ConfigSnapshot{}, respondWith(http.StatusNotModified,
		[]string{"Cache-Control", "max-age=60", "ETag", `"v1"`}, ""))
	staleSeed(t, env, "/doc", "stored body", "ETag", `"v1"`)

	sink, status := env.do(t, getRequest(t, "http://example.test/doc"))

	if status != StreamComplete {
		t.Fatalf("stream status is %d", status)
	}
	if sink.headers.StatusCode != http.StatusOK {
		t.Fatalf("status is %d", sink.headers.StatusCode)
	}
	if body := sink.bodyString(); body != "stored body" {
		t.Fatalf("body is %q", body)
	}
	cs := sink.headers.Header.Get("Cache-Status")
	if !strings.Contains(cs, "fwd=stale") || !strings.Contains(cs, "fwd-status=304") {
		t.Fatalf("Cache-Status is %q", cs)
	}
	validation := env.origin.lastRequest()
	if validation == nil || !validation.Internal {
		t.Fatal("no internal validation request was sent")
	}
	if inm := validation.Header.Get("If-None-Match"); inm != `"v1"` {
		t.Fatalf("validation If-None-Match is %q", inm)
	}
	if tag := env.lastState.Tag(); tag != TagRefreshUnmodified {
		t.Fatalf("tag is %q", tag)
	}
}

func TestRevalidation304RefreshesStoredMetadata(t *testing.T) {
	env := newTestEnv(t, ConfigSnapshot{}, respondWith(http.StatusNotModified,
		[]string{"Cache-Control", "max-age=60", "ETag", `"v1"`}, ""))
	staleSeed(t, env, "/doc", "stored body", "ETag", `"v1"`)

	env.do(t, getRequest(t, "http://example.test/doc"))
	// the refreshed entry must now hit without another fetch
	sink, _ := env.do(t, getRequest(t, "http://example.test/doc"))

	if env.origin.calls() != 1 {
		t.Fatalf("origin fetched %d times", env.origin.calls())
	}
	if body := sink.bodyString(); body != "stored body" {
		t.Fatalf("body is %q", body)
	}
	if cc := sink.headers.Header.Get("Cache-Control"); cc != "max-age=60" {
		t.Fatalf("Cache-Control is %q", cc)
	}
}

func TestRevalidation304AnswersClientConditional(t *testing.T) {
	env := newTestEnv(t, ConfigSnapshot{}, respondWith(http.StatusNotModified,
		[]string{"Cache-Control", "max-age=60", "ETag", `"v1"`}, ""))
	staleSeed(t, env, "/doc", "stored body", "ETag", `"v1"`)

	sink, _ := env.do(t, getRequest(t, "http://example.test/doc",
		"If-None-Match", `"v1"`))

	if sink.headers.StatusCode != http.StatusNotModified {
		t.Fatalf("status is %d", sink.headers.StatusCode)
	}
	if body := sink.bodyString(); body != "" {
		t.Fatalf("304 carried body %q", body)
	}
}

func TestRevalidation200ReplacesEntry(t *testing.T) {
	env := newTestEnv(t, ConfigSnapshot{}, respondWith(http.StatusOK,
		[]string{"Cache-Control", "max-age=60"}, "new body"))
	staleSeed(t, env, "/doc", "old body")

	sink, _ := env.do(t, getRequest(t, "http://example.test/doc"))

	if body := sink.bodyString(); body != "new body" {
		t.Fatalf("body is %q", body)
	}
	cs := sink.headers.Header.Get("Cache-Status")
	if !strings.Contains(cs, "fwd=stale") || !strings.Contains(cs, "fwd-status=200") {
		t.Fatalf("Cache-Status is %q", cs)
	}
	if tag := env.lastState.Tag(); tag != TagRefreshModified {
		t.Fatalf("tag is %q", tag)
	}

	// the replacement is now the stored object
	sink, _ = env.do(t, getRequest(t, "http://example.test/doc"))
	if env.origin.calls() != 1 {
		t.Fatalf("origin fetched %d times", env.origin.calls())
	}
	if body := sink.bodyString(); body != "new body" {
		t.Fatalf("body is %q", body)
	}
}

func TestRevalidationOlderReplyIsIgnored(t *testing.T) {
	// validation reply dated before the stored object must not replace it
	env := newTestEnv(t, ConfigSnapshot{}, respondWith(http.StatusOK,
		[]string{"Cache-Control", "max-age=60", "Date", rfcDate(testClock.Add(-time.Hour))},
		"suspiciously old"))
	staleSeed(t, env, "/doc", "stored body")

	sink, _ := env.do(t, getRequest(t, "http://example.test/doc"))

	if body := sink.bodyString(); body != "stored body" {
		t.Fatalf("body is %q", body)
	}
	if cs := sink.headers.Header.Get("Cache-Status"); !strings.Contains(cs, "detail=ignored-stale-update") {
		t.Fatalf("Cache-Status is %q", cs)
	}
}

func TestRevalidation500ServesStaleByDefault(t *testing.T) {
	env := newTestEnv(t, ConfigSnapshot{}, respondWith(http.StatusInternalServerError,
		nil, "origin exploded"))
	staleSeed(t, env, "/doc", "stored body")

	sink, _ := env.do(t, getRequest(t, "http://example.test/doc"))

	if sink.headers.StatusCode != http.StatusOK {
		t.Fatalf("status is %d", sink.headers.StatusCode)
	}
	if body := sink.bodyString(); body != "stored body" {
		t.Fatalf("body is %q", body)
	}
	if cs := sink.headers.Header.Get("Cache-Status"); !strings.Contains(cs, "fwd-status=500") {
		t.Fatalf("Cache-Status is %q", cs)
	}
	if tag := env.lastState.Tag(); tag != TagRefreshFailOld {
		t.Fatalf("tag is %q", tag)
	}
}

func TestRevalidation500FailsWhenConfigured(t *testing.T) {
	env := newTestEnv(t, ConfigSnapshot{FailOnValidationErr: true},
		respondWith(http.StatusInternalServerError, nil, "origin exploded"))
	staleSeed(t, env, "/doc", "stored body")

	sink, _ := env.do(t, getRequest(t, "http://example.test/doc"))

	if sink.headers.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status is %d", sink.headers.StatusCode)
	}
	if body := sink.bodyString(); body != "origin exploded" {
		t.Fatalf("body is %q", body)
	}
}

func TestRevalidationAbortFailsWhenConfigured(t *testing.T) {
	env := newTestEnv(t, ConfigSnapshot{FailOnValidationErr: true},
		func(req *Request, e *store.Entry) { e.Abort(nil) })
	staleSeed(t, env, "/doc", "stored body")

	sink, _ := env.do(t, getRequest(t, "http://example.test/doc"))

	if sink.headers.StatusCode != http.StatusBadGateway {
		t.Fatalf("status is %d", sink.headers.StatusCode)
	}
	if kind := sink.headers.Header.Get("X-Error-Kind"); kind != "UPSTREAM_FAILURE" {
		t.Fatalf("error kind is %q", kind)
	}
}

func TestRevalidationAbortServesStaleByDefault(t *testing.T) {
	env := newTestEnv(t, ConfigSnapshot{},
		func(req *Request, e *store.Entry) { e.Abort(nil) })
	staleSeed(t, env, "/doc", "stored body")

	sink, _ := env.do(t, getRequest(t, "http://example.test/doc"))

	if sink.headers.StatusCode != http.StatusOK {
		t.Fatalf("status is %d", sink.headers.StatusCode)
	}
	if body := sink.bodyString(); body != "stored body" {
		t.Fatalf("body is %q", body)
	}
}

func TestStaleWithoutLastModifiedIsMiss(t *testing.T) {
	// an ETag alone is no validation basis; the stale copy is refetched
	env := newTestEnv(t, ConfigSnapshot{}, respondWith(http.StatusOK,
		[]string{"Cache-Control", "max-age=60"}, "refetched"))
	origin := testClock.Add(-10 * time.Minute)
	env.seed(t, http.MethodGet, "/doc",
		okResponse("Cache-Control", "max-age=1", "Date", rfcDate(origin), "ETag", `"v1"`),
		"stored body", origin, origin)

	sink, _ := env.do(t, getRequest(t, "http://example.test/doc"))

	if body := sink.bodyString(); body != "refetched" {
		t.Fatalf("body is %q", body)
	}
	if cs := sink.headers.Header.Get("Cache-Status"); !strings.Contains(cs, "detail=no-last-modified") {
		t.Fatalf("Cache-Status is %q", cs)
	}
	if tag := env.lastState.Tag(); tag != TagMiss {
		t.Fatalf("tag is %q", tag)
	}
	fetch := env.origin.lastRequest()
	if fetch == nil || fetch.Header.Get("If-None-Match") != "" {
		t.Fatalf("refetch was a validation request: %+v", fetch)
	}
}

func TestStaleOnlyIfCachedAnswers504(t *testing.T) {
	env := newTestEnv(t, ConfigSnapshot{}, neverRespond)
	staleSeed(t, env, "/doc", "stored body")

	sink, _ := env.do(t, getRequest(t, "http://example.test/doc",
		"Cache-Control", "only-if-cached"))

	if sink.headers.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status is %d", sink.headers.StatusCode)
	}
	if env.origin.calls() != 0 {
		t.Fatalf("origin fetched %d times", env.origin.calls())
	}
}

func TestMaxStaleAcceptsBoundedStaleness(t *testing.T) {
	env := newTestEnv(t, ConfigSnapshot{}, neverRespond)
	staleSeed(t, env, "/doc", "stored body")

	sink, _ := env.do(t, getRequest(t, "http://example.test/doc",
		"Cache-Control", "max-stale=3600"))

	if body := sink.bodyString(); body != "stored body" {
		t.Fatalf("body is %q", body)
	}
	if env.origin.calls() != 0 {
		t.Fatalf("origin fetched %d times", env.origin.calls())
	}
}

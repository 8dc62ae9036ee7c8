package edgecache

import (
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/rs/zerolog"

	serializer "github.com/edgecache/edgecache/pkg/response-serializer"
	"github.com/edgecache/edgecache/store"
)

// storedEntry builds a completed entry from a response, timestamped as
// if fetched at the given times.
func storedEntry(t *testing.T, res *http.Response, reqTime, resTime time.Time) *store.Entry {
	t.Helper()
	res.ContentLength = 0
	res.Header.Set("Content-Length", "0")
	b, err := serializer.ResponseToBytes(serializer.TimedResponse{
		Response:     res,
		RequestTime:  reqTime,
		ResponseTime: resTime,
	})
	if err != nil {
		t.Fatal(err)
	}
	e := store.NewEntry("k", reqTime)
	e.SetBytes(b)
	e.RequestTime = reqTime
	e.ResponseTime = resTime
	return e
}

func freshnessRequest(t *testing.T, headerPairs ...string) *Request {
	t.Helper()
	return ParseRequest(getRequest(t, "http://example.test/doc", headerPairs...), "")
}

func TestCheckExplicitMaxAge(t *testing.T) {
	f := NewFreshnessEvaluator(ConfigSnapshot{}, zerolog.Nop())
	fetched := testClock.Add(-30 * time.Second)
	e := storedEntry(t, okResponse("Cache-Control", "max-age=60", "Date", rfcDate(fetched)), fetched, fetched)

	if got := f.Check(e, freshnessRequest(t), testClock); got != FreshnessFresh {
		t.Fatalf("30s into max-age=60 is %v", got)
	}
	if got := f.Check(e, freshnessRequest(t), testClock.Add(2*time.Minute)); got != FreshnessStale {
		t.Fatalf("150s into max-age=60 is %v", got)
	}
}

func TestCheckStaleLatchesNeedsValidation(t *testing.T) {
	f := NewFreshnessEvaluator(ConfigSnapshot{}, zerolog.Nop())
	fetched := testClock.Add(-10 * time.Minute)
	e := storedEntry(t, okResponse("Cache-Control", "max-age=1", "Date", rfcDate(fetched)), fetched, fetched)
	req := freshnessRequest(t)

	if got := f.Check(e, req, testClock); got != FreshnessStale {
		t.Fatalf("expired entry is %v", got)
	}
	if !req.NeedsValidation {
		t.Fatal("stale check did not latch NeedsValidation")
	}
}

func TestCheckHeuristicFromLastModified(t *testing.T) {
	f := NewFreshnessEvaluator(ConfigSnapshot{HeuristicFraction: 0.1, HeuristicMax: 24 * time.Hour}, zerolog.Nop())
	fetched := testClock.Add(-time.Minute)
	// modified 100 minutes before fetch: lifetime = 10 minutes
	e := storedEntry(t, okResponse(
		"Date", rfcDate(fetched),
		"Last-Modified", rfcDate(fetched.Add(-100*time.Minute))), fetched, fetched)

	if got := f.Check(e, freshnessRequest(t), testClock); got != FreshnessFresh {
		t.Fatalf("1m into a 10m heuristic lifetime is %v", got)
	}
	if got := f.Check(e, freshnessRequest(t), testClock.Add(15*time.Minute)); got != FreshnessStale {
		t.Fatalf("16m into a 10m heuristic lifetime is %v", got)
	}
}

func TestCheckRefreshRuleMinimum(t *testing.T) {
	f := NewFreshnessEvaluator(ConfigSnapshot{
		HeuristicFraction: 0.1,
		RefreshRules: []RefreshRule{{
			Pattern: regexp.MustCompile(`\.css$`),
			Min:     time.Hour,
		}},
	}, zerolog.Nop())
	fetched := testClock.Add(-30 * time.Minute)
	e := storedEntry(t, okResponse("Date", rfcDate(fetched)), fetched, fetched)
	req := ParseRequest(getRequest(t, "http://example.test/site.css"), "")

	if got := f.Check(e, req, testClock); got != FreshnessFresh {
		t.Fatalf("30m into a 1h rule minimum is %v", got)
	}
}

func TestCheckNoLifetimeNoValidator(t *testing.T) {
	f := NewFreshnessEvaluator(ConfigSnapshot{}, zerolog.Nop())
	fetched := testClock.Add(-time.Minute)
	e := storedEntry(t, okResponse("Date", rfcDate(fetched)), fetched, fetched)

	if got := f.Check(e, freshnessRequest(t), testClock); got != FreshnessUnknown {
		t.Fatalf("unvalidatable entry is %v", got)
	}
}

func TestCheckNoLifetimeETagOnlyIsUnknown(t *testing.T) {
	// an ETag alone gives no modification time to validate against
	f := NewFreshnessEvaluator(ConfigSnapshot{}, zerolog.Nop())
	fetched := testClock.Add(-time.Minute)
	e := storedEntry(t, okResponse("Date", rfcDate(fetched), "ETag", `"v1"`), fetched, fetched)

	if got := f.Check(e, freshnessRequest(t), testClock); got != FreshnessUnknown {
		t.Fatalf("etag-only entry without lifetime is %v", got)
	}
}

func TestCheckNoLifetimeWithLastModified(t *testing.T) {
	f := NewFreshnessEvaluator(ConfigSnapshot{}, zerolog.Nop())
	fetched := testClock.Add(-time.Minute)
	e := storedEntry(t, okResponse("Date", rfcDate(fetched),
		"Last-Modified", rfcDate(fetched.Add(-time.Hour))), fetched, fetched)
	req := freshnessRequest(t)

	if got := f.Check(e, req, testClock); got != FreshnessStale {
		t.Fatalf("validatable entry without lifetime is %v", got)
	}
	if !req.NeedsValidation {
		t.Fatal("NeedsValidation not latched")
	}
}

func TestCheckClientMaxAgeForcesStale(t *testing.T) {
	f := NewFreshnessEvaluator(ConfigSnapshot{}, zerolog.Nop())
	fetched := testClock.Add(-2 * time.Minute)
	e := storedEntry(t, okResponse("Cache-Control", "max-age=3600", "Date", rfcDate(fetched)), fetched, fetched)

	if got := f.Check(e, freshnessRequest(t, "Cache-Control", "max-age=60"), testClock); got != FreshnessStale {
		t.Fatalf("2m old entry under client max-age=60 is %v", got)
	}
}

func TestCheckMinFreshForcesStale(t *testing.T) {
	f := NewFreshnessEvaluator(ConfigSnapshot{}, zerolog.Nop())
	fetched := testClock.Add(-50 * time.Second)
	e := storedEntry(t, okResponse("Cache-Control", "max-age=60", "Date", rfcDate(fetched)), fetched, fetched)

	if got := f.Check(e, freshnessRequest(t, "Cache-Control", "min-fresh=30"), testClock); got != FreshnessStale {
		t.Fatalf("10s of remaining freshness under min-fresh=30 is %v", got)
	}
}

func TestCheckMaxStaleRefusedByMustRevalidate(t *testing.T) {
	f := NewFreshnessEvaluator(ConfigSnapshot{}, zerolog.Nop())
	fetched := testClock.Add(-10 * time.Minute)
	e := storedEntry(t, okResponse(
		"Cache-Control", "max-age=1, must-revalidate",
		"Date", rfcDate(fetched)), fetched, fetched)

	if got := f.Check(e, freshnessRequest(t, "Cache-Control", "max-stale=3600"), testClock); got != FreshnessStale {
		t.Fatalf("must-revalidate entry under max-stale is %v", got)
	}
}

func TestCheckNegativeEntryExpiry(t *testing.T) {
	f := NewFreshnessEvaluator(ConfigSnapshot{}, zerolog.Nop())
	fetched := testClock.Add(-time.Minute)
	e := storedEntry(t, &http.Response{
		StatusCode: http.StatusNotFound,
		Proto:      "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1,
		Header: http.Header{"Date": []string{rfcDate(fetched)}},
	}, fetched, fetched)
	e.Negative = true
	e.ExpiresAt = testClock.Add(time.Minute)

	if got := f.Check(e, freshnessRequest(t), testClock); got != FreshnessFresh {
		t.Fatalf("unexpired negative entry is %v", got)
	}
	if got := f.Check(e, freshnessRequest(t), testClock.Add(2*time.Minute)); got != FreshnessUnknown {
		t.Fatalf("expired negative entry is %v", got)
	}
}

func TestExpiresAtTracksRemainingLifetime(t *testing.T) {
	f := NewFreshnessEvaluator(ConfigSnapshot{}, zerolog.Nop())
	fetched := testClock.Add(-time.Minute)
	e := storedEntry(t, okResponse("Cache-Control", "max-age=300", "Date", rfcDate(fetched)), fetched, fetched)

	want := testClock.Add(4 * time.Minute)
	if got := f.ExpiresAt(e, freshnessRequest(t), testClock); !got.Equal(want) {
		t.Fatalf("expiry is %v, want %v", got, want)
	}
}

package edgecache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	cachekey "github.com/edgecache/edgecache/pkg/cache-key"
	"github.com/edgecache/edgecache/store"
)

// newServerEnv wires a full proxy in front of a stub origin and returns
// the proxy's base URL plus the origin hit counter.
func newServerEnv(t *testing.T, cfg ConfigSnapshot, origin http.Handler) (string, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		origin.ServeHTTP(w, r)
	}))
	t.Cleanup(upstream.Close)

	cfg.Hostname = "cache-test"
	cfg.Via = "1.1 cache-test (edgecache)"
	cfg.ClientPconns = true
	cfg.ErrorPconns = true
	if cfg.HeuristicFraction == 0 {
		cfg.HeuristicFraction = 0.1
	}

	s := store.New(nil, zerolog.Nop())
	keyer := cachekey.NewKeyer("")
	collapse := NewCollapsedForwarding(cfg.CollapsedForwarding, zerolog.Nop())
	fwd, err := NewOriginForwarder(cfg, ForwarderOptions{
		Store:    s,
		Keyer:    keyer,
		Fresh:    NewFreshnessEvaluator(cfg, zerolog.Nop()),
		Collapse: collapse,
		Origin:   upstream.URL,
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(cfg, PipelineOptions{
		Store:     s,
		Keyer:     keyer,
		Forwarder: fwd,
		Collapse:  collapse,
	}, zerolog.Nop())
	proxy := httptest.NewServer(NewServer(cfg, p, zerolog.Nop()).Handler())
	t.Cleanup(proxy.Close)
	return proxy.URL, &hits
}

func roundTrip(t *testing.T, method, url string, headerPairs ...string) (*http.Response, string) {
	t.Helper()
	r, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(headerPairs); i += 2 {
		r.Header.Set(headerPairs[i], headerPairs[i+1])
	}
	res, err := http.DefaultClient.Do(r)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return res, string(body)
}

func TestServerMissThenHit(t *testing.T) {
	proxyURL, hits := newServerEnv(t, ConfigSnapshot{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("served body"))
	}))

	res, body := roundTrip(t, http.MethodGet, proxyURL+"/doc")
	if res.StatusCode != http.StatusOK || body != "served body" {
		t.Fatalf("first response: %d %q", res.StatusCode, body)
	}
	if cs := res.Header.Get("Cache-Status"); !strings.Contains(cs, "fwd=uri-miss") {
		t.Fatalf("first Cache-Status is %q", cs)
	}
	if via := res.Header.Get("Via"); !strings.Contains(via, "1.1 cache-test (edgecache)") {
		t.Fatalf("Via is %q", via)
	}

	// the second request must come from the store
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, body = roundTrip(t, http.MethodGet, proxyURL+"/doc")
		if strings.Contains(res.Header.Get("Cache-Status"), "hit") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never hit: Cache-Status %q", res.Header.Get("Cache-Status"))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if body != "served body" {
		t.Fatalf("hit body is %q", body)
	}
	if res.Header.Get("Age") == "" {
		t.Fatal("hit carried no Age header")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("origin was fetched %d times", got)
	}
}

func TestServerPurgeEvicts(t *testing.T) {
	proxyURL, hits := newServerEnv(t, ConfigSnapshot{EnablePurge: true}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("cached"))
	}))

	roundTrip(t, http.MethodGet, proxyURL+"/doc")

	res, _ := roundTrip(t, "PURGE", proxyURL+"/doc")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("purge of stored object answered %d", res.StatusCode)
	}
	res, _ = roundTrip(t, "PURGE", proxyURL+"/doc")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("purge of missing object answered %d", res.StatusCode)
	}

	// the next GET must fetch again
	roundTrip(t, http.MethodGet, proxyURL+"/doc")
	if got := hits.Load(); got != 2 {
		t.Fatalf("origin was fetched %d times", got)
	}
}

func TestServerTraceMaxForwardsZero(t *testing.T) {
	proxyURL, hits := newServerEnv(t, ConfigSnapshot{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	res, body := roundTrip(t, http.MethodTrace, proxyURL+"/doc",
		"Max-Forwards", "0",
		"X-Probe", "1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("TRACE answered %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "message/http" {
		t.Fatalf("Content-Type is %q", ct)
	}
	if !strings.Contains(body, "X-Probe: 1") {
		t.Fatalf("echo is %q", body)
	}
	if got := hits.Load(); got != 0 {
		t.Fatalf("origin was fetched %d times", got)
	}
}

func TestServerOnlyIfCachedMiss(t *testing.T) {
	proxyURL, hits := newServerEnv(t, ConfigSnapshot{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	res, _ := roundTrip(t, http.MethodGet, proxyURL+"/doc",
		"Cache-Control", "only-if-cached")
	if res.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("only-if-cached miss answered %d", res.StatusCode)
	}
	if got := hits.Load(); got != 0 {
		t.Fatalf("origin was fetched %d times", got)
	}
}

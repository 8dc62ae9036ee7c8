package rfc9111

import (
	"net/http"
	"strings"
	"time"
)

// §  5.2. Cache-Control
// §
// §  The "Cache-Control" header field is used to list directives for caches along
// §  the request/response chain. Cache directives are unidirectional, in that the
// §  presence of a directive in a request does not imply that the same directive is
// §  present or copied in the response.
// §
// §    Cache-Control   = #cache-directive
// §
// §    cache-directive = token [ "=" ( token / quoted-string ) ]
type CacheControl struct {
	directives map[string]string
}

// ParseCacheControl parses Cache-Control field lines into a directive
// map. The last occurrence of a repeated directive wins.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			name, arg, _ := strings.Cut(strings.TrimSpace(directive), "=")
			// §  Cache directives are identified by a token, to be
			// §  compared case-insensitively, and have an optional
			// §  argument that can use both token and quoted-string
			// §  syntax.
			m[strings.ToLower(name)] = strings.Trim(arg, "\"")
		}
	}
	return CacheControl{m}
}

// RequestCacheControl parses the Cache-Control header of a request,
// also honoring the HTTP/1.0 "Pragma: no-cache" fallback.
func RequestCacheControl(header http.Header) CacheControl {
	cc := ParseCacheControl(header.Values("Cache-Control"))
	// §  5.4.  Pragma
	// §
	// §     When the Cache-Control header field is not present in a request, the
	// §     no-cache request pragma-directive has the same semantics as the no-
	// §     cache cache directive.
	if len(header.Values("Cache-Control")) == 0 {
		for _, p := range GetListHeader(header, "Pragma") {
			if strings.EqualFold(p, "no-cache") {
				cc.directives["no-cache"] = ""
			}
		}
	}
	return cc
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

func (c CacheControl) HasDirective(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

func (c CacheControl) duration(directive string) (time.Duration, bool) {
	if val, ok := c.Get(directive); ok {
		return deltaSeconds(val), true
	}
	return 0, false
}

// §  5.2.2.1.  max-age (response) / 5.2.1.1.  max-age (request)
func (c CacheControl) MaxAge() (time.Duration, bool) { return c.duration("max-age") }

// §  5.2.2.10.  s-maxage
func (c CacheControl) SMaxAge() (time.Duration, bool) { return c.duration("s-maxage") }

// §  5.2.1.2.  max-stale
func (c CacheControl) MaxStale() (time.Duration, bool) { return c.duration("max-stale") }

// §  5.2.1.3.  min-fresh
func (c CacheControl) MinFresh() (time.Duration, bool) { return c.duration("min-fresh") }

// §  5.2.1.4 / 5.2.2.4.  no-cache
func (c CacheControl) NoCache() bool { return c.HasDirective("no-cache") }

// §  5.2.1.5 / 5.2.2.5.  no-store
func (c CacheControl) NoStore() bool { return c.HasDirective("no-store") }

// §  5.2.1.7.  only-if-cached
func (c CacheControl) OnlyIfCached() bool { return c.HasDirective("only-if-cached") }

// §  5.2.2.2.  must-revalidate
func (c CacheControl) MustRevalidate() bool { return c.HasDirective("must-revalidate") }

// §  5.2.2.8.  proxy-revalidate
func (c CacheControl) ProxyRevalidate() bool { return c.HasDirective("proxy-revalidate") }

// §  5.2.2.9.  public
func (c CacheControl) Public() bool { return c.HasDirective("public") }

// §  5.2.2.7.  private
func (c CacheControl) Private() bool { return c.HasDirective("private") }

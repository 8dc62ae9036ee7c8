package rfc9111

import (
	"net/http"
	"time"
)

// §  4.2.1.  Calculating Freshness Lifetime
// §
// §     A cache can calculate the freshness lifetime (denoted as
// §     freshness_lifetime) of a response by evaluating the following rules
// §     and using the first match:
func FreshnessLifetime(res *http.Response) (time.Duration, bool) {
	resCacheControl := ParseCacheControl(res.Header.Values("Cache-Control"))
	// §     *  If the cache is shared and the s-maxage response directive
	// §        (Section 5.2.2.10) is present, use its value, or
	if val, ok := resCacheControl.SMaxAge(); ok {
		return val, true
	}
	// §     *  If the max-age response directive (Section 5.2.2.1) is present,
	// §        use its value, or
	if val, ok := resCacheControl.MaxAge(); ok {
		return val, true
	}
	// §     *  If the Expires header field (Section 5.3) is present, use
	// §        its value minus the value of the Date response header field (using
	// §        the time the message was received if it is not present, as per
	// §        Section 6.6.1 of [HTTP]), or
	if expiresStr := res.Header.Get("Expires"); expiresStr != "" {
		// §  A cache recipient MUST interpret invalid date formats,
		// §  especially the value "0", as representing a time in the past
		// §  (i.e., "already expired").
		expires, err := HttpDate(expiresStr)
		if err != nil {
			return 0, true
		}
		if date, err := HttpDate(res.Header.Get("Date")); err == nil {
			return expires.Sub(date), true
		}
		return time.Until(expires), true
	}
	// §     *  Otherwise, no explicit expiration time is present in the response.
	// §        A heuristic freshness lifetime might be applicable; see
	// §        Section 4.2.2.
	return 0, false
}

// §  4.2.2.  Calculating Heuristic Freshness
// §
// §     If the response has a Last-Modified header field (Section 8.8.2 of
// §     [HTTP]), caches are encouraged to use a heuristic expiration value
// §     that is no more than some fraction of the interval since that time.
// §     A typical setting of this fraction might be 10%.
func HeuristicLifetime(res *http.Response, fraction float64, max time.Duration) (time.Duration, bool) {
	lm, err := HttpDate(res.Header.Get("Last-Modified"))
	if err != nil {
		return 0, false
	}
	date := date_value(res)
	if date.IsZero() || !lm.Before(date) {
		return 0, false
	}
	lifetime := time.Duration(float64(date.Sub(lm)) * fraction)
	if max > 0 && lifetime > max {
		lifetime = max
	}
	return lifetime, true
}

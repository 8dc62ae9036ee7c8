package edgecache

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgecache/edgecache/rfc9111"
	"github.com/edgecache/edgecache/store"
)

// Freshness is the outcome of evaluating a stored entry against a
// request at a point in time.
type Freshness int

const (
	// FreshnessFresh: the entry may be served without validation.
	FreshnessFresh Freshness = iota
	// FreshnessStale: the entry needs validation before use.
	FreshnessStale
	// FreshnessUnknown: the entry cannot be validated (no usable
	// metadata); treat as a miss.
	FreshnessUnknown
)

// FreshnessEvaluator decides fresh/stale/unknown from entry metadata,
// request directives and the configured refresh rules. It is a pure
// function of its inputs plus the clock value passed in.
type FreshnessEvaluator struct {
	cfg ConfigSnapshot
	log zerolog.Logger
}

func NewFreshnessEvaluator(cfg ConfigSnapshot, logger zerolog.Logger) FreshnessEvaluator {
	return FreshnessEvaluator{cfg: cfg, log: logger.With().Str("component", "freshness").Logger()}
}

// Check classifies the entry. Whenever Stale is returned the request's
// NeedsValidation flag is latched, which suppresses forwarding loops
// between sibling caches.
func (f FreshnessEvaluator) Check(e *store.Entry, req *Request, now time.Time) Freshness {
	res, err := e.Reply()
	if err != nil {
		return FreshnessUnknown
	}
	if e.Negative {
		// negative entries live exactly until their recorded expiry
		if now.Before(e.ExpiresAt) {
			return FreshnessFresh
		}
		return FreshnessUnknown
	}
	lifetime, explicit := rfc9111.FreshnessLifetime(res)
	if !explicit {
		lifetime, explicit = f.heuristicLifetime(res, req)
	}
	if !explicit {
		if !hasLastModified(res) {
			return FreshnessUnknown
		}
		req.NeedsValidation = true
		return FreshnessStale
	}

	age := rfc9111.CurrentAge(res, e.RequestTime, e.ResponseTime, now)
	fresh := lifetime > age

	cc := req.CacheControl
	if maxAge, ok := cc.MaxAge(); ok && age > maxAge {
		fresh = false
	}
	if minFresh, ok := cc.MinFresh(); ok && lifetime-age < minFresh {
		fresh = false
	}
	if !fresh {
		// max-stale lets the client accept bounded staleness, unless
		// the response insists on revalidation
		resCC := rfc9111.ParseCacheControl(res.Header.Values("Cache-Control"))
		if maxStale, ok := cc.MaxStale(); ok &&
			!resCC.MustRevalidate() && !resCC.ProxyRevalidate() &&
			age-lifetime <= maxStale {
			fresh = true
		}
	}

	f.log.Trace().
		Str("key", e.Key).
		Dur("lifetime", lifetime).
		Dur("age", age).
		Bool("fresh", fresh).
		Msg("freshness evaluated")

	if fresh {
		return FreshnessFresh
	}
	req.NeedsValidation = true
	return FreshnessStale
}

// heuristicLifetime applies the first matching refresh rule, falling
// back to the configured Last-Modified fraction.
func (f FreshnessEvaluator) heuristicLifetime(res *http.Response, req *Request) (time.Duration, bool) {
	url := req.URL.String()
	for _, rule := range f.cfg.RefreshRules {
		if !rule.Pattern.MatchString(url) {
			continue
		}
		fraction := rule.Percent
		if fraction <= 0 {
			fraction = f.cfg.HeuristicFraction
		}
		if lifetime, ok := rfc9111.HeuristicLifetime(res, fraction, rule.Max); ok {
			if lifetime < rule.Min {
				lifetime = rule.Min
			}
			return lifetime, true
		}
		if rule.Min > 0 {
			return rule.Min, true
		}
		return 0, false
	}
	return rfc9111.HeuristicLifetime(res, f.cfg.HeuristicFraction, f.cfg.HeuristicMax)
}

// ExpiresAt computes the persistence expiry of a completed entry, for
// the store backend's eviction bookkeeping.
func (f FreshnessEvaluator) ExpiresAt(e *store.Entry, req *Request, now time.Time) time.Time {
	res, err := e.Reply()
	if err != nil {
		return now
	}
	lifetime, ok := rfc9111.FreshnessLifetime(res)
	if !ok {
		if lifetime, ok = f.heuristicLifetime(res, req); !ok {
			return now
		}
	}
	age := rfc9111.CurrentAge(res, e.RequestTime, e.ResponseTime, now)
	return now.Add(lifetime - age)
}

// hasLastModified reports whether the stored reply carries a usable
// modification time. Without one the entry cannot be revalidated, an
// ETag alone is not enough.
func hasLastModified(res *http.Response) bool {
	_, err := rfc9111.HttpDate(res.Header.Get("Last-Modified"))
	return err == nil
}

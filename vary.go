package edgecache

import (
	"github.com/rs/zerolog"

	cachekey "github.com/edgecache/edgecache/pkg/cache-key"
	"github.com/edgecache/edgecache/rfc9111"
	"github.com/edgecache/edgecache/store"
)

// VaryResult is the outcome of matching a stored entry's Vary header
// against the presenting request.
type VaryResult int

const (
	// VaryNone: the stored reply does not vary.
	VaryNone VaryResult = iota
	// VaryMatch: the request selects this stored variant.
	VaryMatch
	// VaryOther: the entry is some other variant; look up again with
	// the updated variant fingerprint.
	VaryOther
	// VaryCancel: variant selection cannot converge (Vary: * or a
	// re-lookup loop); treat as a miss.
	VaryCancel
)

// VaryMatcher selects stored variants. Keys encode the variant
// fingerprint, so matching recomputes the fingerprint the presenting
// request would produce under the stored reply's Vary and compares it
// with the key the entry was stored under.
type VaryMatcher struct {
	keyer cachekey.Keyer
	log   zerolog.Logger
}

func NewVaryMatcher(keyer cachekey.Keyer, logger zerolog.Logger) VaryMatcher {
	return VaryMatcher{keyer: keyer, log: logger.With().Str("component", "vary").Logger()}
}

// Match evaluates the entry against the request. The request's vary
// re-lookup counter bounds the number of VaryOther retries to one.
func (v VaryMatcher) Match(e *store.Entry, req *Request) VaryResult {
	res, err := e.Reply()
	if err != nil {
		return VaryCancel
	}
	vary := rfc9111.GetListHeader(res.Header, "Vary")
	if len(vary) == 0 {
		return VaryNone
	}
	for _, name := range vary {
		if name == "*" {
			return VaryCancel
		}
	}
	base, _, err := v.keyer.Split(e.Key)
	if err != nil {
		return VaryCancel
	}
	expected := v.keyer.AddVariant(base, req.Header, vary)
	if expected == e.Key {
		return VaryMatch
	}
	req.varyTries++
	if req.varyTries > 1 {
		v.log.Debug().Str("key", e.Key).Msg("variant selection loop")
		return VaryCancel
	}
	v.log.Trace().
		Str("stored", e.Key).
		Str("expected", expected).
		Msg("variant mismatch")
	return VaryOther
}

// SelectVariant scans all stored variants under the base key and
// returns the one the request selects, if any.
func (v VaryMatcher) SelectVariant(s *store.Store, base string, req *Request) (*store.Entry, bool) {
	for _, key := range s.AllVariants(base) {
		e, ok := s.Lookup(key)
		if !ok {
			continue
		}
		res, err := e.Reply()
		if err != nil {
			// pending entry without headers yet still counts as the
			// stored object for its exact key
			if key == base {
				return e, true
			}
			continue
		}
		vary := rfc9111.GetListHeader(res.Header, "Vary")
		if len(vary) == 0 {
			if key == base {
				return e, true
			}
			continue
		}
		if v.keyer.AddVariant(base, req.Header, vary) == key {
			return e, true
		}
	}
	return nil, false
}

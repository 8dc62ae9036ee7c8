package edgecache

import (
	"net/http"

	"github.com/rs/zerolog"

	cachekey "github.com/edgecache/edgecache/pkg/cache-key"
	"github.com/edgecache/edgecache/store"
)

// PurgeNotifier broadcasts cache invalidations to sibling caches.
type PurgeNotifier interface {
	NotifyClear(url string)
}

// PurgeEngine evicts stored objects by URL, method and variant, and
// tells siblings about it.
type PurgeEngine struct {
	cfg      ConfigSnapshot
	store    *store.Store
	keyer    cachekey.Keyer
	ipcache  *IPCache
	notifier PurgeNotifier
	log      zerolog.Logger
}

func NewPurgeEngine(cfg ConfigSnapshot, s *store.Store, keyer cachekey.Keyer, ipcache *IPCache, notifier PurgeNotifier, logger zerolog.Logger) *PurgeEngine {
	return &PurgeEngine{
		cfg:      cfg,
		store:    s,
		keyer:    keyer,
		ipcache:  ipcache,
		notifier: notifier,
		log:      logger.With().Str("component", "purge").Logger(),
	}
}

// Purge handles a PURGE request. The returned status is 200 when
// anything was evicted, 404 when nothing was stored, and 403 when
// purging is disabled or the object is internally generated.
func (p *PurgeEngine) Purge(req *Request) int {
	if !p.cfg.EnablePurge {
		return http.StatusForbidden
	}
	if p.ipcache != nil {
		p.ipcache.Invalidate(req.URL.Hostname())
	}
	purged, refused := p.evictVariants(req, http.MethodGet, http.MethodHead)
	if refused {
		return http.StatusForbidden
	}
	if p.notifier != nil {
		p.notifier.NotifyClear(req.URL.String())
	}
	p.log.Debug().
		Str("url", req.URL.String()).
		Bool("purged", purged).
		Msg("purge handled")
	if purged {
		return http.StatusOK
	}
	return http.StatusNotFound
}

// PurgeAllVariants evicts every stored variant of the request URI for
// the given methods without the PURGE ceremony. Unknown request
// methods use this before being forwarded, since the proxy cannot know
// which stored objects their side effects invalidate.
func (p *PurgeEngine) PurgeAllVariants(req *Request, methods ...string) bool {
	purged, _ := p.evictVariants(req, methods...)
	return purged
}

func (p *PurgeEngine) evictVariants(req *Request, methods ...string) (purged, refused bool) {
	uri := req.URL.RequestURI()
	for _, method := range methods {
		base := p.keyer.BaseKey(method, uri)
		for _, key := range p.store.AllVariants(base) {
			e, ok := p.store.Lookup(key)
			if !ok {
				if p.store.ReleaseKey(key) {
					purged = true
				}
				continue
			}
			if e.Special {
				p.log.Debug().Str("key", key).Msg("refusing to purge special entry")
				return purged, true
			}
			p.store.Release(e)
			purged = true
			p.log.Trace().Str("key", key).Msg("variant purged")
		}
	}
	return purged, false
}

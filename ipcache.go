package edgecache

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type ipCacheEntry struct {
	addrs   []net.IP
	expires time.Time
}

// IPCache memoizes origin host resolutions. PURGE and client forced
// reloads invalidate the host so the next fetch re-resolves.
type IPCache struct {
	ttl      time.Duration
	resolver *net.Resolver
	log      zerolog.Logger

	mu      sync.Mutex
	entries map[string]ipCacheEntry
}

func NewIPCache(ttl time.Duration, logger zerolog.Logger) *IPCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &IPCache{
		ttl:      ttl,
		resolver: net.DefaultResolver,
		log:      logger.With().Str("component", "ipcache").Logger(),
		entries:  make(map[string]ipCacheEntry),
	}
}

// Lookup resolves a host, serving from cache while the entry is live.
func (c *IPCache) Lookup(ctx context.Context, host string) ([]net.IP, error) {
	c.mu.Lock()
	cached, ok := c.entries[host]
	c.mu.Unlock()
	if ok && time.Now().Before(cached.expires) {
		return cached.addrs, nil
	}
	ips, err := c.resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[host] = ipCacheEntry{addrs: ips, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	c.log.Trace().Str("host", host).Int("addrs", len(ips)).Msg("host resolved")
	return ips, nil
}

// Invalidate drops the cached resolution for a host.
func (c *IPCache) Invalidate(host string) {
	c.mu.Lock()
	if _, ok := c.entries[host]; ok {
		delete(c.entries, host)
		c.log.Trace().Str("host", host).Msg("host invalidated")
	}
	c.mu.Unlock()
}

package edgecache

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/edgecache/edgecache/store"
)

// collapsedRole is a reply state's role in collapsed forwarding.
type collapsedRole int

const (
	collapsedNone collapsedRole = iota
	collapsedInitiator
	collapsedSlave
)

func (r collapsedRole) String() string {
	switch r {
	case collapsedInitiator:
		return "initiator"
	case collapsedSlave:
		return "slave"
	}
	return "none"
}

// CollapsedForwarding arbitrates which requests join an in-flight
// fetch instead of starting their own. One initiator produces into a
// shared pending entry; slaves subscribe to it and must re-check
// shareability at every chunk arrival.
type CollapsedForwarding struct {
	enabled bool
	log     zerolog.Logger

	mu     sync.Mutex
	groups map[string]*store.Entry
}

func NewCollapsedForwarding(enabled bool, logger zerolog.Logger) *CollapsedForwarding {
	return &CollapsedForwarding{
		enabled: enabled,
		log:     logger.With().Str("component", "collapse").Logger(),
		groups:  make(map[string]*store.Entry),
	}
}

// Offer publishes a freshly created pending entry for other requests
// to join. The initiator must not publish Vary-controlled fetches:
// the variant the origin will answer with is unknown until headers
// arrive, so joiners could be handed the wrong object.
func (cf *CollapsedForwarding) Offer(e *store.Entry, hasVary bool, method string) bool {
	if !cf.enabled || hasVary || method != "GET" {
		return false
	}
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if _, ok := cf.groups[e.Key]; ok {
		return false
	}
	cf.groups[e.Key] = e
	cf.log.Trace().Str("key", e.Key).Msg("entry offered for collapsing")
	return true
}

// MayJoin returns the in-flight entry for the key when a new request
// is allowed to read from it instead of fetching.
func (cf *CollapsedForwarding) MayJoin(key string) (*store.Entry, bool) {
	if !cf.enabled {
		return nil, false
	}
	cf.mu.Lock()
	defer cf.mu.Unlock()
	e, ok := cf.groups[key]
	if !ok {
		return nil, false
	}
	if e.Status() != store.EntryPending {
		// fetch already finished; the entry is reachable through the
		// normal lookup path now
		delete(cf.groups, key)
		return nil, false
	}
	return e, true
}

// Shareable re-checks that a slave may keep reading the entry. Loss of
// shareability at any suspension point must downgrade the slave to a
// miss before any byte from the entry is served.
func (cf *CollapsedForwarding) Shareable(e *store.Entry) bool {
	if e.Aborted() {
		return false
	}
	cf.mu.Lock()
	defer cf.mu.Unlock()
	current, ok := cf.groups[e.Key]
	if !ok {
		// completed entries stay shareable; withdrawn ones do not
		return e.Status() == store.EntryComplete
	}
	return current == e
}

// Withdraw removes an entry from the collapse index, e.g. when the
// initiator's fetch finished or failed.
func (cf *CollapsedForwarding) Withdraw(e *store.Entry) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.groups[e.Key] == e {
		delete(cf.groups, e.Key)
	}
}

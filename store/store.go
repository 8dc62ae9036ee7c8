// Package store is the shared object store of the proxy. It indexes
// in-flight and completed response objects by cache key, persists
// completed cacheable objects through a pluggable backend, and lets any
// number of readers follow a single writer through subscriptions.
package store

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	serializer "github.com/edgecache/edgecache/pkg/response-serializer"
	"github.com/edgecache/edgecache/rfc9111"
)

var (
	ErrUnknownSubscription = errors.New("store: unknown subscription")
	ErrCopyPending         = errors.New("store: copy already outstanding on subscription")
)

// Persister stores completed object bytes outside of process memory.
// Implementations must be safe for concurrent use.
type Persister interface {
	// Get returns the stored bytes for the key. The second return
	// value is false when the key is absent or the entry has expired.
	Get(key string) ([]byte, bool, error)
	// Put stores bytes under the key with the given expiry time.
	Put(key string, expires time.Time, bytes []byte) error
	// Purge removes the key.
	Purge(key string) error
	// AllKeys calls cb for every stored key with the given prefix.
	AllKeys(prefix string, cb func(string)) error
}

// Buffer describes one copy request: where to read from and how much.
type Buffer struct {
	Offset int64
	Size   int
}

// CopyResult is handed to the copy callback. Exactly one of the three
// outcomes holds: len(Data) > 0 with more possibly to come, EOF with no
// data (clean end of object), or Err (writer aborted).
type CopyResult struct {
	Offset int64
	Data   []byte
	EOF    bool
	Err    error
}

type pendingCopy struct {
	buf Buffer
	cb  func(CopyResult)
}

type subscription struct {
	id      uuid.UUID
	entry   *Entry
	pending *pendingCopy
}

// Store is the object store. The zero value is not usable; use New.
type Store struct {
	log       zerolog.Logger
	mu        sync.Mutex
	entries   map[string]*Entry
	subs      map[uuid.UUID]*subscription
	persister Persister
}

// New creates a store backed by the given persister. A nil persister
// keeps objects in memory only.
func New(persister Persister, logger zerolog.Logger) *Store {
	return &Store{
		log:       logger.With().Str("component", "store").Logger(),
		entries:   make(map[string]*Entry),
		subs:      make(map[uuid.UUID]*subscription),
		persister: persister,
	}
}

func (s *Store) lock()   { s.mu.Lock() }
func (s *Store) unlock() { s.mu.Unlock() }

// Lookup finds the entry for a cache key. In-memory (possibly still
// pending) entries win over persisted ones; persisted objects are
// loaded back into the index with MemStatus NotInMemory.
func (s *Store) Lookup(key string) (*Entry, bool) {
	s.lock()
	if e, ok := s.entries[key]; ok && !e.released {
		s.unlock()
		return e, true
	}
	s.unlock()
	if s.persister == nil {
		return nil, false
	}
	b, ok, err := s.persister.Get(key)
	if err != nil || !ok {
		return nil, false
	}
	e := s.loadPersisted(key, b)
	return e, e != nil
}

func (s *Store) loadPersisted(key string, b []byte) *Entry {
	e := NewEntry(key, time.Time{})
	e.SetBytes(b)
	e.MemStatus = NotInMemory
	if tr, err := serializer.BytesToResponse(b); err == nil {
		e.RequestTime = tr.RequestTime
		e.ResponseTime = tr.ResponseTime
	} else {
		s.log.Error().Err(err).Str("key", key).Msg("persisted object unreadable")
		return nil
	}
	s.lock()
	if existing, ok := s.entries[key]; ok && !existing.released {
		e = existing
	} else {
		s.entries[key] = e
	}
	s.unlock()
	return e
}

// Create registers a fresh pending entry for the key, displacing any
// previous entry from the index. The displaced entry keeps serving its
// existing subscribers.
func (s *Store) Create(key string, requestTime time.Time) *Entry {
	e := NewEntry(key, requestTime)
	s.lock()
	s.entries[key] = e
	s.unlock()
	s.log.Trace().Str("key", key).Msg("entry created")
	return e
}

// Subscribe attaches a reader to the entry and returns the subscription
// identifier used for Copy calls.
func (s *Store) Subscribe(e *Entry) uuid.UUID {
	id := uuid.New()
	s.lock()
	s.subs[id] = &subscription{id: id, entry: e}
	s.unlock()
	return id
}

// Unsubscribe detaches a reader. Any outstanding copy is dropped and
// its callback will not fire.
func (s *Store) Unsubscribe(id uuid.UUID) {
	s.lock()
	delete(s.subs, id)
	s.unlock()
}

// Entry returns the entry a subscription is attached to.
func (s *Store) Entry(id uuid.UUID) (*Entry, bool) {
	s.lock()
	sub, ok := s.subs[id]
	s.unlock()
	if !ok {
		return nil, false
	}
	return sub.entry, true
}

// Copy requests object bytes at buf.Offset. The callback fires exactly
// once, from a separate goroutine, as soon as bytes are available at
// the offset, or with EOF/Err when the object ends first. Only one copy
// may be outstanding per subscription.
func (s *Store) Copy(id uuid.UUID, buf Buffer, cb func(CopyResult)) error {
	s.lock()
	sub, ok := s.subs[id]
	if !ok {
		s.unlock()
		return ErrUnknownSubscription
	}
	if sub.pending != nil {
		s.unlock()
		return ErrCopyPending
	}
	p := &pendingCopy{buf: buf, cb: cb}
	sub.pending = p
	s.unlock()
	s.tryDeliver(sub, p)
	return nil
}

func (s *Store) tryDeliver(sub *subscription, p *pendingCopy) {
	data, eof, err, ready := sub.entry.readAt(p.buf.Offset, p.buf.Size, func() {
		s.wake(sub.id, p)
	})
	if !ready {
		return
	}
	s.lock()
	current, ok := s.subs[sub.id]
	if !ok || current.pending != p {
		// unsubscribed or superseded while we were reading
		s.unlock()
		return
	}
	current.pending = nil
	s.unlock()
	go p.cb(CopyResult{Offset: p.buf.Offset, Data: data, EOF: eof, Err: err})
}

func (s *Store) wake(id uuid.UUID, p *pendingCopy) {
	s.lock()
	sub, ok := s.subs[id]
	if !ok || sub.pending != p {
		s.unlock()
		return
	}
	s.unlock()
	s.tryDeliver(sub, p)
}

// Rekey moves an entry to a new cache key, e.g. once a reply's Vary
// header reveals which variant fingerprint it belongs under.
func (s *Store) Rekey(e *Entry, key string) {
	s.lock()
	if s.entries[e.Key] == e {
		delete(s.entries, e.Key)
	}
	e.Key = key
	s.entries[key] = e
	s.unlock()
	s.log.Trace().Str("key", key).Msg("entry rekeyed")
}

// UpdateOnNotModified merges the header fields of a 304 revalidation
// response into a stored entry, refreshing its request and response
// times. The entry's body bytes are untouched.
func (s *Store) UpdateOnNotModified(old, fresh *Entry, now time.Time) error {
	tr, err := serializer.BytesToResponse(old.Bytes())
	if err != nil {
		return err
	}
	freshReply, err := fresh.Reply()
	if err != nil {
		return err
	}
	rfc9111.UpdateStoredHeaders(tr.Response.Header, freshReply.Header)
	updated := serializer.TimedResponse{
		Response:     tr.Response,
		RequestTime:  fresh.RequestTime,
		ResponseTime: now,
	}
	b, err := serializer.ResponseToBytes(updated)
	if err != nil {
		return err
	}
	old.SetBytes(b)
	old.RequestTime = fresh.RequestTime
	old.ResponseTime = now
	// put the refreshed entry back into the index, displacing the 304
	s.lock()
	old.released = false
	s.entries[old.Key] = old
	s.unlock()
	s.log.Trace().Str("key", old.Key).Msg("entry refreshed from 304")
	return nil
}

// Persist records the entry's expiry and writes it through to the
// backend, when one is configured.
func (s *Store) Persist(e *Entry, expires time.Time) {
	if e.Status() != EntryComplete {
		return
	}
	e.ExpiresAt = expires
	if s.persister == nil {
		return
	}
	if err := s.persister.Put(e.Key, expires, e.Bytes()); err != nil {
		s.log.Error().Err(err).Str("key", e.Key).Msg("persist failed")
		return
	}
	s.log.Trace().Str("key", e.Key).Time("expires", expires).Msg("entry persisted")
}

// Release makes an entry unreachable for future lookups and removes any
// persisted copy. Existing subscribers keep their view of the object.
func (s *Store) Release(e *Entry) {
	s.lock()
	e.released = true
	if s.entries[e.Key] == e {
		delete(s.entries, e.Key)
	}
	s.unlock()
	if s.persister != nil {
		if err := s.persister.Purge(e.Key); err != nil {
			s.log.Error().Err(err).Str("key", e.Key).Msg("purge failed")
		}
	}
	s.log.Trace().Str("key", e.Key).Msg("entry released")
}

// ReleaseKey releases whatever entry is stored under the key, in memory
// or persisted. It reports whether anything was found.
func (s *Store) ReleaseKey(key string) bool {
	found := false
	s.lock()
	if e, ok := s.entries[key]; ok {
		e.released = true
		delete(s.entries, key)
		found = true
	}
	s.unlock()
	if s.persister != nil {
		if _, ok, _ := s.persister.Get(key); ok {
			found = true
		}
		if err := s.persister.Purge(key); err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("purge failed")
		}
	}
	return found
}

// AllVariants returns every stored key with the given prefix, across
// memory and the persistence backend.
func (s *Store) AllVariants(prefix string) []string {
	seen := make(map[string]bool)
	keys := make([]string, 0)
	s.lock()
	for key, e := range s.entries {
		if !e.released && strings.HasPrefix(key, prefix) {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	s.unlock()
	if s.persister != nil {
		_ = s.persister.AllKeys(prefix, func(key string) {
			if !seen[key] {
				keys = append(keys, key)
			}
		})
	}
	return keys
}

package edgecache

import (
	"sync"

	"github.com/google/uuid"

	"github.com/edgecache/edgecache/store"
)

// StoreHandle couples a reference to a store entry with the
// subscription reading from it. A reply state may own up to two at a
// time: the one it is serving from and the saved original during
// revalidation. Release is idempotent and must run on every exit path.
type StoreHandle struct {
	store *store.Store
	entry *store.Entry
	sub   uuid.UUID

	once sync.Once
}

// NewStoreHandle subscribes to the entry and wraps both in one owned
// handle.
func NewStoreHandle(s *store.Store, e *store.Entry) *StoreHandle {
	return &StoreHandle{
		store: s,
		entry: e,
		sub:   s.Subscribe(e),
	}
}

// Entry returns the entry this handle keeps alive.
func (h *StoreHandle) Entry() *store.Entry {
	return h.entry
}

// Copy requests object bytes through this handle's subscription.
func (h *StoreHandle) Copy(buf store.Buffer, cb func(store.CopyResult)) error {
	return h.store.Copy(h.sub, buf, cb)
}

// Release drops the subscription. Safe to call more than once; any
// outstanding copy callback is cancelled.
func (h *StoreHandle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.store.Unsubscribe(h.sub)
	})
}

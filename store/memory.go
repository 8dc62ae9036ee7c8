package store

import (
	"strings"
	"sync"
	"time"
)

type memObject struct {
	expires time.Time
	bytes   []byte
}

// MemPersister is an in-process Persister for tests and cache-less
// deployments.
type MemPersister struct {
	mu      sync.Mutex
	objects map[string]memObject
}

func NewMemPersister() *MemPersister {
	return &MemPersister{objects: make(map[string]memObject)}
}

func (m *MemPersister) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false, nil
	}
	if !obj.expires.IsZero() && time.Now().After(obj.expires) {
		delete(m.objects, key)
		return nil, false, nil
	}
	return obj.bytes, true, nil
}

func (m *MemPersister) Put(key string, expires time.Time, bytes []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{expires: expires, bytes: bytes}
	return nil
}

func (m *MemPersister) Purge(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemPersister) AllKeys(prefix string, cb func(string)) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()
	for _, key := range keys {
		cb(key)
	}
	return nil
}

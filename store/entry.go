package store

import (
	"bufio"
	"bytes"
	"errors"
	"net/http"
	"sync"
	"time"

	serializer "github.com/edgecache/edgecache/pkg/response-serializer"
)

// EntryStatus tracks the lifecycle of a stored object.
type EntryStatus int

const (
	// EntryPending means the object is still being written by an
	// upstream fetch.
	EntryPending EntryStatus = iota
	// EntryComplete means all object bytes have been received.
	EntryComplete
	// EntryAborted means the writer gave up before completing.
	EntryAborted
)

// MemStatus records where the object bytes were found.
type MemStatus int

const (
	NotInMemory MemStatus = iota
	InMemory
)

var (
	// ErrAborted is reported to readers of an entry whose writer
	// aborted.
	ErrAborted = errors.New("store: entry aborted")
)

// Entry is one stored object: the raw HTTP/1.1 bytes of a response
// (header block first, then the body) plus caching metadata. Writers
// append bytes; readers copy them out through subscriptions, possibly
// while the writer is still running.
type Entry struct {
	Key string

	mu       sync.Mutex
	data     []byte
	hdrSz    int
	status   EntryStatus
	abortErr error
	waiters  []func()

	// Special marks internally generated objects that clients must
	// not be able to purge.
	Special bool
	// Negative marks a cached error response stored under negative
	// caching rules.
	Negative bool
	// BadLength marks an object whose received body did not match its
	// declared Content-Length. Connections delivering it must not be
	// reused.
	BadLength bool
	// Released entries are no longer reachable through lookup and are
	// dropped once the last handle goes away.
	released bool

	MemStatus    MemStatus
	RequestTime  time.Time
	ResponseTime time.Time
	ExpiresAt    time.Time
}

// NewEntry creates a pending entry for the given key.
func NewEntry(key string, requestTime time.Time) *Entry {
	return &Entry{
		Key:         key,
		status:      EntryPending,
		MemStatus:   InMemory,
		RequestTime: requestTime,
	}
}

// Append adds received object bytes and wakes pending readers.
func (e *Entry) Append(b []byte) {
	e.mu.Lock()
	e.data = append(e.data, b...)
	if e.hdrSz == 0 {
		e.hdrSz = serializer.HeaderSize(e.data)
	}
	waiters := e.takeWaiters()
	e.mu.Unlock()
	runAll(waiters)
}

// Complete marks the object fully received.
func (e *Entry) Complete(responseTime time.Time) {
	e.mu.Lock()
	if e.status == EntryPending {
		e.status = EntryComplete
		e.ResponseTime = responseTime
	}
	waiters := e.takeWaiters()
	e.mu.Unlock()
	runAll(waiters)
}

// Abort marks the write as failed. Readers past the current length get
// ErrAborted.
func (e *Entry) Abort(err error) {
	e.mu.Lock()
	if e.status == EntryPending {
		e.status = EntryAborted
		if err == nil {
			err = ErrAborted
		}
		e.abortErr = err
	}
	waiters := e.takeWaiters()
	e.mu.Unlock()
	runAll(waiters)
}

func (e *Entry) takeWaiters() []func() {
	waiters := e.waiters
	e.waiters = nil
	return waiters
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// Status returns the entry lifecycle state.
func (e *Entry) Status() EntryStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Aborted reports whether the writer aborted.
func (e *Entry) Aborted() bool {
	return e.Status() == EntryAborted
}

// ObjectLen returns the current byte length of the stored object
// (header block plus body bytes received so far).
func (e *Entry) ObjectLen() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.data))
}

// HeaderSize returns the byte length of the stored header block, or 0
// while the header block is still incomplete.
func (e *Entry) HeaderSize() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(e.hdrSz)
}

// HeadersComplete reports whether the status line and header block have
// been fully received, i.e. whether Reply can succeed.
func (e *Entry) HeadersComplete() bool {
	return e.HeaderSize() > 0
}

// Reply parses and returns the stored response's status line and
// headers. The returned response carries no readable body; object bytes
// are delivered through subscription copies.
func (e *Entry) Reply() (*http.Response, error) {
	e.mu.Lock()
	if e.hdrSz == 0 {
		e.mu.Unlock()
		return nil, errors.New("store: reply headers not yet received")
	}
	hdr := make([]byte, e.hdrSz)
	copy(hdr, e.data[:e.hdrSz])
	e.mu.Unlock()
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(hdr)), nil)
	if err != nil {
		return nil, err
	}
	serializer.StripTimeHeaders(res.Header)
	res.Body = http.NoBody
	return res, nil
}

// ContentLength returns the Content-Length of the stored response, or
// -1 when unknown.
func (e *Entry) ContentLength() int64 {
	res, err := e.Reply()
	if err != nil {
		return -1
	}
	return res.ContentLength
}

// readAt returns up to max object bytes starting at offset. When no
// result is available yet (pending entry, offset at the current end)
// it registers wake to be called on the next append, completion or
// abort, and reports ready=false.
func (e *Entry) readAt(offset int64, max int, wake func()) (data []byte, eof bool, err error, ready bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if offset < int64(len(e.data)) {
		end := int64(len(e.data))
		if max > 0 && offset+int64(max) < end {
			end = offset + int64(max)
		}
		data = make([]byte, end-offset)
		copy(data, e.data[offset:end])
		return data, false, nil, true
	}
	switch e.status {
	case EntryComplete:
		return nil, true, nil, true
	case EntryAborted:
		return nil, false, e.abortErr, true
	}
	e.waiters = append(e.waiters, wake)
	return nil, false, nil, false
}

// Bytes returns a copy of the raw stored object bytes.
func (e *Entry) Bytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out
}

// SetBytes installs a fully received object, header size included.
// Used when loading persisted objects.
func (e *Entry) SetBytes(b []byte) {
	e.mu.Lock()
	e.data = b
	e.hdrSz = serializer.HeaderSize(b)
	e.status = EntryComplete
	e.mu.Unlock()
}

package edgecache

import (
	"net/http"

	"github.com/edgecache/edgecache/store"
)

// copyChunkSize is how much object data one store copy may return.
const copyChunkSize = 64 * 1024

// StreamStatus is the terminal classification of a reply stream.
type StreamStatus int

const (
	// StreamNone: still streaming.
	StreamNone StreamStatus = iota
	// StreamComplete: all object bytes delivered.
	StreamComplete
	// StreamUnplannedComplete: the transfer ended but the object is
	// marked bad-length; the connection must not be reused.
	StreamUnplannedComplete
	// StreamFailed: the stream cannot be completed; close the socket.
	StreamFailed
)

// StreamData is one delivery to the downstream stream node. Headers is
// non-nil on exactly the first delivery. A terminal delivery carries
// Status != StreamNone and no payload.
type StreamData struct {
	Headers   *http.Response
	KeepAlive bool
	Chunked   bool
	Body      []byte
	Status    StreamStatus
}

// Sink is the downstream stream node: it receives header and body
// buffers in order and pulls the next one with GetMoreData on the
// reply state.
type Sink interface {
	SendMoreData(d StreamData)
}

// receivedEnough is the single authoritative predicate for "the client
// side has seen the whole object". Completed entries compare the store
// read offset against the object length; pending entries can only be
// "enough" when the content length is known.
func (rs *ReplyState) receivedEnough() bool {
	if rs.current == nil {
		return false
	}
	e := rs.current.Entry()
	switch e.Status() {
	case store.EntryComplete:
		return rs.reqofs >= e.ObjectLen()
	case store.EntryPending:
		cl := e.ContentLength()
		return cl >= 0 && rs.reqsize >= cl+e.HeaderSize()
	}
	return false
}

// checkTransferDone reports whether nothing more needs to be copied
// for this client.
func (rs *ReplyState) checkTransferDone() bool {
	if rs.flags.doneCopying {
		return true
	}
	return rs.receivedEnough()
}

// errorInStream folds the three stream failure modes into one
// predicate: a recorded stream error, an aborted entry, and a clean
// EOF before enough bytes arrived.
func (rs *ReplyState) errorInStream(eof bool) bool {
	if rs.streamErr != nil {
		return true
	}
	if rs.current != nil && rs.current.Entry().Aborted() {
		return true
	}
	return eof && !rs.checkTransferDone()
}

// ReplyStatus classifies the stream after the most recent delivery.
func (rs *ReplyState) ReplyStatus() StreamStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.replyStatusLocked(false)
}

func (rs *ReplyState) replyStatusLocked(eof bool) StreamStatus {
	if rs.errorInStream(eof) {
		return StreamFailed
	}
	if rs.bodyTooLargeMidStream() {
		return StreamFailed
	}
	if rs.checkTransferDone() {
		if rs.current != nil && rs.current.Entry().BadLength {
			return StreamUnplannedComplete
		}
		return StreamComplete
	}
	return StreamNone
}

// bodyTooLargeMidStream catches replies that exceeded the configured
// maximum only after streaming began (unknown length up front).
func (rs *ReplyState) bodyTooLargeMidStream() bool {
	if rs.cfg.MaxReplyBodySize <= 0 || rs.headersSz == 0 {
		return false
	}
	// internally generated replies are exempt
	if rs.flags.skipGate {
		return false
	}
	return rs.reqsize-rs.headersSz > rs.cfg.MaxReplyBodySize
}

// requestMoreData schedules the next store copy at the current read
// offset. The callback re-enters the state machine through
// onStoreData.
func (rs *ReplyState) requestMoreData() {
	handle := rs.current
	if handle == nil {
		return
	}
	err := handle.Copy(store.Buffer{Offset: rs.reqofs, Size: copyChunkSize}, rs.onStoreData)
	if err != nil {
		rs.log.Error().Err(err).Msg("store copy failed to schedule")
		rs.failStream(err)
	}
}

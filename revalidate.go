package edgecache

import (
	"net/http"

	"github.com/edgecache/edgecache/rfc9111"
	"github.com/edgecache/edgecache/rfc9211"
	"github.com/edgecache/edgecache/store"
)

// savedContext preserves the stale stored entry while a validation
// fetch runs, so the old object can still be served when validation
// fails or answers 304.
type savedContext struct {
	handle *StoreHandle
}

// processExpired starts revalidation of the current (stale) entry: the
// old entry is parked, a conditional fetch is started (or an in-flight
// one joined) and the outcome is dispatched by handleIMSReply.
func (rs *ReplyState) processExpired() {
	req := rs.req
	if req.OnlyIfCached {
		rs.sendError(http.StatusGatewayTimeout, ErrKindOnlyIfCachedMiss)
		return
	}
	old := rs.current.Entry()
	stored, err := old.Reply()
	if err != nil {
		rs.swapFail()
		return
	}
	rs.cacheStatus.Forward(rfc9211.FwdStale)
	rs.saved = &savedContext{handle: rs.current}
	rs.current = nil

	if pending, joined := rs.p.collapse.MayJoin(old.Key); joined && !rs.noJoin {
		rs.role = collapsedSlave
		rs.cacheStatus.Collapsed()
		rs.attach(pending, phaseRevalidate)
		return
	}
	now := rs.p.clock()
	e := rs.p.store.Create(old.Key, now)
	if rs.p.collapse.Offer(e, false, req.Method) {
		rs.role = collapsedInitiator
	}
	rs.startFetch(validationRequest(req, stored), e)
	rs.attach(e, phaseRevalidate)
}

// validationRequest derives the conditional fetch from the client
// request and the stored entry's validators. The client's own
// preconditions must not leak upstream; the proxy asks its own
// question.
func validationRequest(orig *Request, stored *http.Response) *Request {
	clone := orig.Request.Clone(orig.Context())
	clone.Header.Del("If-None-Match")
	clone.Header.Del("If-Modified-Since")
	clone.Header.Del("If-Match")
	rfc9111.AddValidators(clone, stored)
	return &Request{
		Request:         clone,
		CacheControl:    orig.CacheControl,
		Internal:        true,
		MaxForwards:     -1,
		NeedsValidation: true,
	}
}

// handleIMSReply dispatches on the validation fetch outcome: 304
// freshens the old entry, an origin failure decides between the old
// object and the error, anything else replaces the old object unless it
// is older than what we have.
func (rs *ReplyState) handleIMSReply(res store.CopyResult) {
	e := rs.current.Entry()
	if rs.role == collapsedSlave && !rs.p.collapse.Shareable(e) {
		// the shared fetch went away; run our own validation
		rs.noJoin = true
		rs.role = collapsedNone
		rs.current.Release()
		rs.current = rs.saved.handle
		rs.saved = nil
		rs.processExpired()
		return
	}
	if res.Err != nil || e.Aborted() {
		rs.validationFailed()
		return
	}
	if !e.HeadersComplete() {
		if res.EOF {
			rs.validationFailed()
			return
		}
		rs.armProbe()
		return
	}
	fresh, err := e.Reply()
	if err != nil {
		rs.validationFailed()
		return
	}
	status := fresh.StatusCode
	switch {
	case status == http.StatusNotModified:
		rs.handleNotModified(e)
	case status < http.StatusInternalServerError:
		if olderThanStored(fresh, rs.saved.handle.Entry()) {
			rs.log.Debug().Int("status", status).
				Msg("validation reply older than stored entry, ignoring")
			rs.cacheStatus.ForwardStatus(status)
			rs.cacheStatus.Detail("ignored-stale-update")
			rs.serveOldEntry(TagRefreshFailOld)
			return
		}
		rs.acceptNewEntry(status)
	default:
		if rs.cfg.FailOnValidationErr {
			rs.tag = TagRefreshFailErr
			rs.cacheStatus.ForwardStatus(status)
			rs.dropOldEntry()
			rs.beginStreaming()
			return
		}
		rs.cacheStatus.ForwardStatus(status)
		rs.serveOldEntry(TagRefreshFailOld)
	}
}

// handleNotModified freshens the parked entry from the 304 and serves
// it, as a 304 of our own when the client's preconditions still hold.
func (rs *ReplyState) handleNotModified(e *store.Entry) {
	now := rs.p.clock()
	old := rs.saved.handle.Entry()
	if err := rs.p.store.UpdateOnNotModified(old, e, now); err != nil {
		rs.log.Error().Err(err).Str("key", old.Key).Msg("entry refresh failed")
		rs.serveOldEntry(TagRefreshFailOld)
		return
	}
	rs.p.store.Persist(old, rs.p.fresh.ExpiresAt(old, rs.req, now))
	if rs.role == collapsedInitiator {
		rs.p.collapse.Withdraw(e)
	}
	rs.current.Release()
	rs.current = rs.saved.handle
	rs.saved = nil
	rs.role = collapsedNone
	rs.tag = TagRefreshUnmodified
	rs.cacheStatus.ForwardStatus(http.StatusNotModified)

	updated, err := old.Reply()
	if err != nil {
		rs.failStream(err)
		return
	}
	if rs.req.Conditional() && EvaluateConditional(rs.req, updated) == CondNotModified {
		rs.sendNotModified(updated)
		return
	}
	rs.beginStreaming()
}

// acceptNewEntry discards the stale object and streams the validation
// reply to the client.
func (rs *ReplyState) acceptNewEntry(status int) {
	rs.tag = TagRefreshModified
	rs.cacheStatus.ForwardStatus(status)
	old := rs.saved.handle.Entry()
	rs.p.store.Release(old)
	rs.dropOldEntry()
	rs.beginStreaming()
}

func (rs *ReplyState) dropOldEntry() {
	if rs.saved == nil {
		return
	}
	rs.saved.handle.Release()
	rs.saved = nil
}

// validationFailed handles an unreachable or aborting origin during
// revalidation.
func (rs *ReplyState) validationFailed() {
	if rs.cfg.FailOnValidationErr {
		rs.tag = TagRefreshFailErr
		if rs.role == collapsedInitiator {
			rs.p.collapse.Withdraw(rs.current.Entry())
		}
		rs.current.Release()
		rs.current = nil
		rs.dropOldEntry()
		rs.sendError(http.StatusBadGateway, ErrKindUpstreamFailure)
		return
	}
	rs.serveOldEntry(TagRefreshFailOld)
}

// serveOldEntry abandons the validation fetch and streams the parked
// stale object.
func (rs *ReplyState) serveOldEntry(tag LogTag) {
	if rs.role == collapsedInitiator {
		rs.p.collapse.Withdraw(rs.current.Entry())
	}
	rs.current.Release()
	rs.current = rs.saved.handle
	rs.saved = nil
	rs.role = collapsedNone
	rs.tag = tag
	rs.beginStreaming()
}

// olderThanStored compares Date headers: a validation reply dated
// before the stored object is suspect and must not replace it.
func olderThanStored(fresh *http.Response, old *store.Entry) bool {
	oldReply, err := old.Reply()
	if err != nil {
		return false
	}
	oldDate, err := rfc9111.HttpDate(oldReply.Header.Get("Date"))
	if err != nil {
		return false
	}
	newDate, err := rfc9111.HttpDate(fresh.Header.Get("Date"))
	if err != nil {
		return false
	}
	return newDate.Before(oldDate)
}

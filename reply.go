// Package edgecache implements the client-facing reply pipeline of a
// caching HTTP proxy: cache lookup, variant selection, freshness
// evaluation, revalidation, collapsed forwarding, purging and the
// delivery of reply bytes to the client connection.
package edgecache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/rs/zerolog"

	cachekey "github.com/edgecache/edgecache/pkg/cache-key"
	serializer "github.com/edgecache/edgecache/pkg/response-serializer"
	"github.com/edgecache/edgecache/rfc9211"
	"github.com/edgecache/edgecache/store"
)

// Forwarder fetches a request from the origin, writing the response
// bytes into the given entry and completing or aborting it. Start must
// not block; the fetch runs asynchronously.
type Forwarder interface {
	Start(req *Request, e *store.Entry)
}

// ServerProbes exposes server-level conditions the reply pipeline
// consults when deciding connection persistence. Nil funcs mean the
// condition never holds.
type ServerProbes struct {
	ShuttingDown   func() bool
	HighFDPressure func() bool
}

func (sp ServerProbes) shuttingDown() bool {
	return sp.ShuttingDown != nil && sp.ShuttingDown()
}

func (sp ServerProbes) highFDPressure() bool {
	return sp.HighFDPressure != nil && sp.HighFDPressure()
}

// PipelineOptions bundles the collaborators a Pipeline needs beyond its
// configuration.
type PipelineOptions struct {
	Store     *store.Store
	Keyer     cachekey.Keyer
	Forwarder Forwarder
	Acl       AclEngine
	IPCache   *IPCache
	Notifier  PurgeNotifier
	Errors    ErrorFactory
	Probes    ServerProbes
	// Collapse shares one collapsed-forwarding arbiter with the
	// forwarder. Nil creates a private one.
	Collapse *CollapsedForwarding
	// Clock overrides the wall clock. Nil means time.Now.
	Clock func() time.Time
}

// Pipeline holds the per-process machinery shared by all reply states.
type Pipeline struct {
	cfg      ConfigSnapshot
	log      zerolog.Logger
	store    *store.Store
	keyer    cachekey.Keyer
	collapse *CollapsedForwarding
	fresh    FreshnessEvaluator
	vary     VaryMatcher
	builder  ReplyHeaderBuilder
	gate     ReplyAccessGate
	purge    *PurgeEngine
	ipcache  *IPCache
	errors   ErrorFactory
	fwd      Forwarder
	probes   ServerProbes
	clock    func() time.Time
}

func NewPipeline(cfg ConfigSnapshot, opts PipelineOptions, logger zerolog.Logger) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		log:      logger,
		store:    opts.Store,
		keyer:    opts.Keyer,
		collapse: opts.Collapse,
		fresh:    NewFreshnessEvaluator(cfg, logger),
		vary:     NewVaryMatcher(opts.Keyer, logger),
		builder:  NewReplyHeaderBuilder(cfg, logger),
		gate:     NewReplyAccessGate(cfg, opts.Acl, logger),
		ipcache:  opts.IPCache,
		errors:   opts.Errors,
		fwd:      opts.Forwarder,
		probes:   opts.Probes,
		clock:    opts.Clock,
	}
	if p.collapse == nil {
		p.collapse = NewCollapsedForwarding(cfg.CollapsedForwarding, logger)
	}
	if p.errors == nil {
		p.errors = NewErrorFactory(cfg.Via)
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	p.purge = NewPurgeEngine(cfg, opts.Store, opts.Keyer, opts.IPCache, opts.Notifier, logger)
	return p
}

// Collapse exposes the collapsed-forwarding arbiter, for forwarders
// that need to withdraw finished fetches.
func (p *Pipeline) Collapse() *CollapsedForwarding { return p.collapse }

// Freshness exposes the freshness evaluator, for response savers that
// compute persistence expiries.
func (p *Pipeline) Freshness() FreshnessEvaluator { return p.fresh }

// Purger exposes the purge engine, for peering listeners that apply
// remote invalidations.
func (p *Pipeline) Purger() *PurgeEngine { return p.purge }

type replyPhase int

const (
	phaseStart replyPhase = iota
	phaseCacheHit
	phaseRevalidate
	phaseStreaming
	phaseDone
)

// ReplyState drives one client request through the reply pipeline. It
// is re-entered by store copy callbacks and by the sink pulling more
// data; all such entries serialize on mu and deliver to the sink only
// after the lock is dropped.
type ReplyState struct {
	p    *Pipeline
	cfg  ConfigSnapshot
	log  zerolog.Logger
	req  *Request
	sink Sink

	mu       sync.Mutex
	deleting bool
	phase    replyPhase

	current *StoreHandle
	saved   *savedContext

	baseKey   string
	reqofs    int64
	reqsize   int64
	headersSz int64

	reply  *http.Response
	built  BuildResult
	role   collapsedRole
	noJoin bool

	cacheStatus rfc9211.CacheStatus
	tag         LogTag
	streamErr   error

	flags struct {
		headersSent bool
		skipGate    bool
		doneCopying bool
		complete    bool
	}

	outbox []StreamData
	after  []func()
}

// NewReplyState prepares a reply state for one request. Call Start to
// begin processing; the sink receives the reply.
func (p *Pipeline) NewReplyState(req *Request, sink Sink) *ReplyState {
	return &ReplyState{
		p:    p,
		cfg:  p.cfg,
		log:  p.log.With().Str("component", "reply").Str("method", req.Method).Str("url", req.URL.String()).Logger(),
		req:  req,
		sink: sink,
		tag:  TagNone,
	}
}

// run executes fn under the state lock, then flushes queued sink
// deliveries and deferred actions outside of it. Deliveries must never
// happen under the lock: the sink may synchronously pull more data.
func (rs *ReplyState) run(fn func()) {
	rs.mu.Lock()
	if rs.deleting {
		rs.mu.Unlock()
		return
	}
	fn()
	out := rs.outbox
	rs.outbox = nil
	after := rs.after
	rs.after = nil
	rs.mu.Unlock()
	for _, d := range out {
		rs.sink.SendMoreData(d)
	}
	for _, f := range after {
		f()
	}
}

func (rs *ReplyState) queueSend(d StreamData) { rs.outbox = append(rs.outbox, d) }
func (rs *ReplyState) queueAfter(fn func())   { rs.after = append(rs.after, fn) }

// Start begins processing the request.
func (rs *ReplyState) Start() {
	rs.run(rs.identify)
}

// GetMoreData is the sink's pull: deliver the next body buffer, or the
// terminal status when the transfer is done.
func (rs *ReplyState) GetMoreData() {
	rs.run(func() {
		if rs.phase != phaseStreaming || !rs.flags.headersSent || rs.flags.complete {
			return
		}
		if status := rs.replyStatusLocked(false); status != StreamNone {
			rs.finish(status)
			return
		}
		rs.requestMoreData()
	})
}

// Tag reports how the request was classified for access logging. It is
// final once the stream delivered its terminal status.
func (rs *ReplyState) Tag() LogTag {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.tag
}

// Detach abandons the reply state: the client went away. Late store
// callbacks become no-ops.
func (rs *ReplyState) Detach() {
	rs.mu.Lock()
	rs.deleting = true
	rs.releaseHandles()
	rs.mu.Unlock()
}

// onStoreData is the single re-entry point for store copy callbacks.
// Dispatch depends on the phase the copy was armed in.
func (rs *ReplyState) onStoreData(res store.CopyResult) {
	rs.run(func() {
		if rs.flags.complete {
			return
		}
		switch rs.phase {
		case phaseCacheHit:
			rs.handleCacheHit(res)
		case phaseRevalidate:
			rs.handleIMSReply(res)
		case phaseStreaming:
			rs.handleMoreData(res)
		}
	})
}

func cacheableMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// identify classifies the request: internally answered methods first,
// then forced misses, then the cache lookup.
func (rs *ReplyState) identify() {
	req := rs.req
	if req.MaxForwards == 0 &&
		(req.Method == http.MethodTrace || req.Method == http.MethodOptions) {
		rs.traceReply()
		return
	}
	if req.Method == "PURGE" {
		rs.purgeReply()
		return
	}
	if req.Redirect != nil {
		rs.redirectReply()
		return
	}
	if req.LoopDetected {
		rs.log.Warn().Str("via", req.Header.Get("Via")).Msg("forwarding loop detected")
		rs.tag = TagDenied
		rs.sendError(http.StatusForbidden, ErrKindLoopDetected)
		return
	}
	if !cacheableMethod(req.Method) {
		// side effects of unknown methods may invalidate what we have
		rs.p.purge.PurgeAllVariants(req, http.MethodGet, http.MethodHead)
		rs.cacheStatus.Forward(rfc9211.FwdMethod)
		rs.processMiss()
		return
	}
	rs.baseKey = rs.p.keyer.ForRequest(req.Request)
	if req.NoCache && !req.Internal {
		if req.OnlyIfCached {
			rs.sendError(http.StatusGatewayTimeout, ErrKindOnlyIfCachedMiss)
			return
		}
		if rs.p.ipcache != nil {
			rs.p.ipcache.Invalidate(req.URL.Hostname())
		}
		rs.tag = TagClientRefresh
		rs.cacheStatus.Forward(rfc9211.FwdRequest)
		rs.processMiss()
		return
	}
	rs.lookup()
}

// lookup finds the stored variant for the request, or joins an
// in-flight fetch, or falls through to a miss.
func (rs *ReplyState) lookup() {
	e, ok := rs.p.vary.SelectVariant(rs.p.store, rs.baseKey, rs.req)
	if !ok {
		if pending, joined := rs.p.collapse.MayJoin(rs.baseKey); joined && !rs.noJoin {
			rs.role = collapsedSlave
			rs.cacheStatus.Collapsed()
			rs.attach(pending, phaseCacheHit)
			return
		}
		rs.cacheStatus.Forward(rfc9211.FwdUriMiss)
		rs.processMiss()
		return
	}
	rs.attach(e, phaseCacheHit)
}

func (rs *ReplyState) attach(e *store.Entry, phase replyPhase) {
	rs.current = NewStoreHandle(rs.p.store, e)
	rs.phase = phase
	rs.armProbe()
}

// armProbe schedules a copy that fires as soon as the entry has (more)
// data, re-entering through onStoreData.
func (rs *ReplyState) armProbe() {
	e := rs.current.Entry()
	var offset int64
	if !e.HeadersComplete() {
		offset = e.ObjectLen()
	}
	err := rs.current.Copy(store.Buffer{Offset: offset, Size: copyChunkSize}, rs.onStoreData)
	if err != nil {
		rs.failStream(err)
	}
}

// handleCacheHit validates a looked-up entry: abort, collapse
// shareability, variant match, preconditions and freshness, in that
// order. Any failure downgrades to a miss or revalidation.
func (rs *ReplyState) handleCacheHit(res store.CopyResult) {
	e := rs.current.Entry()
	if res.Err != nil || e.Aborted() {
		rs.swapFail()
		return
	}
	if rs.role == collapsedSlave && !rs.p.collapse.Shareable(e) {
		rs.noJoin = true
		rs.role = collapsedNone
		rs.detachAndMiss(rfc9211.FwdMiss, "collapse-lost")
		return
	}
	if !e.HeadersComplete() {
		if res.EOF {
			rs.swapFail()
			return
		}
		rs.armProbe()
		return
	}
	switch rs.p.vary.Match(e, rs.req) {
	case VaryCancel:
		rs.detachAndMiss(rfc9211.FwdVaryMiss, "")
		return
	case VaryOther:
		rs.current.Release()
		rs.current = nil
		rs.lookup()
		return
	}
	stored, err := e.Reply()
	if err != nil {
		rs.swapFail()
		return
	}
	now := rs.p.clock()
	if rs.role == collapsedSlave {
		// joined fetches are as fresh as a fetch can be
		rs.serveHit(e, stored, TagMemHit, now)
		return
	}
	if rs.cfg.OfflineMode {
		rs.cacheStatus.Detail("offline")
		rs.serveHit(e, stored, TagOfflineHit, now)
		return
	}
	switch rs.p.fresh.Check(e, rs.req, now) {
	case FreshnessUnknown:
		rs.detachAndMiss(rfc9211.FwdMiss, "no-metadata")
	case FreshnessStale:
		if !hasLastModified(stored) {
			// no modification time to validate against
			rs.detachAndMiss(rfc9211.FwdMiss, "no-last-modified")
			return
		}
		rs.processExpired()
	default:
		tag := TagHit
		if e.MemStatus == store.InMemory {
			tag = TagMemHit
		}
		if e.Negative {
			tag = TagNegativeHit
		}
		rs.serveHit(e, stored, tag, now)
	}
}

// serveHit answers from the stored entry, honoring any request
// preconditions first.
func (rs *ReplyState) serveHit(e *store.Entry, stored *http.Response, tag LogTag, now time.Time) {
	rs.tag = tag
	rs.cacheStatus.Hit()
	if ttl := rs.p.fresh.ExpiresAt(e, rs.req, now).Sub(now); ttl > 0 {
		rs.cacheStatus.TTL(ttl)
	}
	if rs.req.Conditional() {
		switch EvaluateConditional(rs.req, stored) {
		case CondNotModified:
			if rs.req.IfNoneMatch != "" {
				rs.tag = TagINMHit
			} else {
				rs.tag = TagIMSHit
			}
			rs.sendNotModified(stored)
			return
		case CondPreconditionFailed:
			rs.sendError(http.StatusPreconditionFailed, ErrKindPrecondition)
			return
		}
	}
	rs.beginStreaming()
}

// swapFail gives up on a stored entry that turned unreadable and
// refetches.
func (rs *ReplyState) swapFail() {
	if rs.current != nil {
		rs.current.Release()
		rs.current = nil
	}
	rs.tag = TagSwapfailMiss
	rs.cacheStatus.Forward(rfc9211.FwdMiss)
	rs.cacheStatus.Detail("swapfail")
	rs.processMiss()
}

func (rs *ReplyState) detachAndMiss(reason rfc9211.FwdReason, detail string) {
	if rs.current != nil {
		rs.current.Release()
		rs.current = nil
	}
	rs.cacheStatus.Forward(reason)
	if detail != "" {
		rs.cacheStatus.Detail(detail)
	}
	rs.processMiss()
}

// processMiss forwards the request to the origin and streams the reply
// as it arrives.
func (rs *ReplyState) processMiss() {
	req := rs.req
	if req.OnlyIfCached {
		rs.sendError(http.StatusGatewayTimeout, ErrKindOnlyIfCachedMiss)
		return
	}
	if rs.tag == TagNone {
		rs.tag = TagMiss
	}
	now := rs.p.clock()
	var e *store.Entry
	if cacheableMethod(req.Method) && rs.baseKey != "" {
		e = rs.p.store.Create(rs.baseKey, now)
		if rs.p.collapse.Offer(e, false, req.Method) {
			rs.role = collapsedInitiator
		}
	} else {
		// not indexable; the entry lives only for this request
		e = store.NewEntry(rs.p.keyer.ForRequest(req.Request), now)
	}
	rs.startFetch(req, e)
	rs.current = NewStoreHandle(rs.p.store, e)
	rs.beginStreaming()
}

func (rs *ReplyState) startFetch(req *Request, e *store.Entry) {
	fwd := rs.p.fwd
	rs.queueAfter(func() { fwd.Start(req, e) })
}

// beginStreaming moves the state into the delivery phase: wait for the
// entry's headers, run the reply access gate, then serve body bytes on
// demand.
func (rs *ReplyState) beginStreaming() {
	rs.phase = phaseStreaming
	rs.flags.headersSent = false
	rs.flags.doneCopying = false
	rs.reqofs, rs.reqsize, rs.headersSz = 0, 0, 0
	if rs.current.Entry().HeadersComplete() {
		rs.prepareHeaders()
		return
	}
	rs.armProbe()
}

func (rs *ReplyState) prepareHeaders() {
	stored, err := rs.current.Entry().Reply()
	if err != nil {
		rs.failStream(err)
		return
	}
	if rs.flags.skipGate {
		rs.finishHeaders(stored)
		return
	}
	gate := rs.p.gate
	req := rs.req
	rs.queueAfter(func() {
		gate.Check(req, stored, func(v GateVerdict) {
			rs.onGateVerdict(v, stored)
		})
	})
}

func (rs *ReplyState) onGateVerdict(v GateVerdict, reply *http.Response) {
	rs.run(func() {
		if rs.flags.complete || rs.flags.headersSent {
			return
		}
		switch v {
		case GateDenied:
			rs.tag = TagDeniedReply
			rs.sendError(http.StatusForbidden, ErrKindAccessDenied)
		case GateTooBig:
			rs.tag = TagDeniedReply
			rs.sendError(http.StatusForbidden, ErrKindTooBig)
		default:
			rs.finishHeaders(reply)
		}
	})
}

func (rs *ReplyState) finishHeaders(reply *http.Response) {
	e := rs.current.Entry()
	rs.headersSz = e.HeaderSize()
	rs.reqofs = rs.headersSz
	rs.reqsize = rs.headersSz
	rs.built = rs.p.builder.Build(BuildInput{
		Reply:          reply,
		Req:            rs.req,
		Entry:          e,
		Tag:            rs.tag,
		Slave:          rs.role == collapsedSlave,
		Internal:       rs.flags.skipGate,
		CacheStatus:    &rs.cacheStatus,
		Now:            rs.p.clock(),
		ShuttingDown:   rs.p.probes.shuttingDown(),
		HighFDPressure: rs.p.probes.highFDPressure(),
	})
	rs.reply = reply
	rs.flags.headersSent = true
	if rs.req.Method == http.MethodHead || bodilessStatus(reply.StatusCode) {
		rs.flags.doneCopying = true
	}
	rs.queueSend(StreamData{
		Headers:   reply,
		KeepAlive: rs.built.KeepAlive,
		Chunked:   rs.built.Chunked,
	})
}

// handleMoreData receives store copy results while streaming: first the
// wait for parseable headers, then body bytes.
func (rs *ReplyState) handleMoreData(res store.CopyResult) {
	e := rs.current.Entry()
	if !rs.flags.headersSent {
		if res.Err != nil || e.Aborted() {
			rs.current.Release()
			rs.current = nil
			rs.sendError(http.StatusBadGateway, ErrKindUpstreamFailure)
			return
		}
		if rs.role == collapsedSlave && !rs.p.collapse.Shareable(e) {
			rs.noJoin = true
			rs.role = collapsedNone
			rs.detachAndMiss(rfc9211.FwdMiss, "collapse-lost")
			return
		}
		if !e.HeadersComplete() {
			if res.EOF {
				rs.failStream(ErrStream)
				return
			}
			rs.armProbe()
			return
		}
		rs.prepareHeaders()
		return
	}
	if res.Err != nil {
		rs.streamErr = res.Err
		rs.finish(StreamFailed)
		return
	}
	if rs.role == collapsedSlave && !rs.p.collapse.Shareable(e) {
		// cannot downgrade once bytes went out
		rs.streamErr = ErrStream
		rs.finish(StreamFailed)
		return
	}
	if res.EOF {
		rs.finish(rs.replyStatusLocked(true))
		return
	}
	rs.reqofs += int64(len(res.Data))
	rs.reqsize += int64(len(res.Data))
	if rs.replyStatusLocked(false) == StreamFailed {
		rs.finish(StreamFailed)
		return
	}
	rs.queueSend(StreamData{
		Body:      res.Data,
		KeepAlive: rs.built.KeepAlive,
		Chunked:   rs.built.Chunked,
	})
}

// finish queues the terminal delivery and releases everything the state
// holds.
func (rs *ReplyState) finish(status StreamStatus) {
	if rs.flags.complete {
		return
	}
	rs.flags.complete = true
	rs.phase = phaseDone
	rs.queueSend(StreamData{
		Status:    status,
		KeepAlive: rs.built.KeepAlive && status == StreamComplete,
	})
	statusCode := 0
	if rs.reply != nil {
		statusCode = rs.reply.StatusCode
	}
	logEvent := rs.log.Info()
	if status == StreamFailed {
		logEvent = rs.log.Warn().AnErr("stream_err", rs.streamErr)
	}
	logEvent.
		Str("tag", string(rs.tag)).
		Int("status", statusCode).
		Int64("size", rs.reqsize).
		Str("collapsed", rs.role.String()).
		Msg("request served")
	rs.releaseHandles()
}

func (rs *ReplyState) releaseHandles() {
	if rs.current != nil {
		rs.current.Release()
		rs.current = nil
	}
	if rs.saved != nil {
		rs.saved.handle.Release()
		rs.saved = nil
	}
}

// failStream is the internal bail-out: terminal failed delivery, socket
// must close.
func (rs *ReplyState) failStream(err error) {
	if rs.streamErr == nil {
		if err == nil {
			err = ErrStream
		}
		rs.streamErr = err
	}
	rs.finish(StreamFailed)
}

// sendError replaces whatever was being served with a generated error
// page.
func (rs *ReplyState) sendError(status int, kind ErrKind) {
	if rs.tag == TagNone {
		rs.tag = TagMiss
	}
	rs.log.Debug().Int("status", status).Str("kind", string(kind)).Msg("generating error reply")
	rs.sendSynthetic(rs.p.errors.Build(kind, status, rs.req))
}

// sendSynthetic installs an internally generated response as the
// current entry and streams it through the normal delivery path.
func (rs *ReplyState) sendSynthetic(res *http.Response) {
	now := rs.p.clock()
	b, err := serializer.ResponseToBytes(serializer.TimedResponse{
		Response:     res,
		RequestTime:  now,
		ResponseTime: now,
	})
	if err != nil {
		rs.failStream(err)
		return
	}
	e := store.NewEntry(rs.baseKey, now)
	e.SetBytes(b)
	e.ResponseTime = now
	if rs.current != nil {
		rs.current.Release()
	}
	rs.current = NewStoreHandle(rs.p.store, e)
	rs.flags.skipGate = true
	rs.beginStreaming()
}

// notModifiedHeaders lists the stored fields a 304 echoes back.
var notModifiedHeaders = []string{
	"Date", "ETag", "Expires", "Cache-Control", "Vary", "Last-Modified", "Content-Location",
}

// sendNotModified answers the client's precondition with a 304 carrying
// the stored entry's validator metadata.
func (rs *ReplyState) sendNotModified(stored *http.Response) {
	res := &http.Response{
		StatusCode: http.StatusNotModified,
		Status:     "304 Not Modified",
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       http.NoBody,
	}
	for _, name := range notModifiedHeaders {
		for _, v := range stored.Header.Values(name) {
			res.Header.Add(name, v)
		}
	}
	rs.sendSynthetic(res)
}

// purgeReply evicts the requested object and answers with the purge
// outcome.
func (rs *ReplyState) purgeReply() {
	status := rs.p.purge.Purge(rs.req)
	rs.tag = TagMiss
	res := &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          http.NoBody,
		ContentLength: 0,
	}
	res.Header.Set("Content-Length", "0")
	rs.sendSynthetic(res)
}

// redirectReply answers a queued redirector rewrite without contacting
// the origin.
func (rs *ReplyState) redirectReply() {
	status := rs.req.Redirect.Status
	if status < 300 || status >= 400 {
		status = http.StatusFound
	}
	rs.tag = TagRedirect
	res := &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          http.NoBody,
		ContentLength: 0,
	}
	res.Header.Set("Location", rs.req.Redirect.Location)
	res.Header.Set("Content-Length", "0")
	rs.sendSynthetic(res)
}

// traceReply answers TRACE and OPTIONS requests addressed to this hop
// (Max-Forwards: 0) with a 200. TRACE gets the request head echoed as
// message/http; OPTIONS gets an empty body.
func (rs *ReplyState) traceReply() {
	rs.tag = TagMiss
	res := &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       http.NoBody,
	}
	if rs.req.Method == http.MethodTrace {
		dump, err := httputil.DumpRequest(rs.req.Request, false)
		if err == nil {
			res.Header.Set("Content-Type", "message/http")
			res.ContentLength = int64(len(dump))
			res.Body = io.NopCloser(bytes.NewReader(dump))
		}
	}
	rs.sendSynthetic(res)
}

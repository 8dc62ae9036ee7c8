package edgecache

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	cachekey "github.com/edgecache/edgecache/pkg/cache-key"
	serializer "github.com/edgecache/edgecache/pkg/response-serializer"
	"github.com/edgecache/edgecache/rfc9111"
	"github.com/edgecache/edgecache/store"
)

// fetchChunkSize is how much origin body one read may append.
const fetchChunkSize = 64 * 1024

// OriginForwarder fetches requests from the origin and writes the
// response bytes into store entries as they arrive, so that any number
// of subscribed readers can stream them concurrently.
type OriginForwarder struct {
	cfg      ConfigSnapshot
	log      zerolog.Logger
	store    *store.Store
	keyer    cachekey.Keyer
	fresh    FreshnessEvaluator
	collapse *CollapsedForwarding
	ipcache  *IPCache
	client   *http.Client
	origin   *url.URL
	clock    func() time.Time
}

// ForwarderOptions configures an OriginForwarder.
type ForwarderOptions struct {
	Store    *store.Store
	Keyer    cachekey.Keyer
	Fresh    FreshnessEvaluator
	Collapse *CollapsedForwarding
	IPCache  *IPCache
	// Origin, when set, pins all fetches to one upstream (reverse proxy
	// mode). Empty means forward-proxy mode: the request URL decides.
	Origin string
	// Clock overrides the wall clock. Nil means time.Now.
	Clock func() time.Time
}

func NewOriginForwarder(cfg ConfigSnapshot, opts ForwarderOptions, logger zerolog.Logger) (*OriginForwarder, error) {
	f := &OriginForwarder{
		cfg:      cfg,
		log:      logger.With().Str("component", "forward").Logger(),
		store:    opts.Store,
		keyer:    opts.Keyer,
		fresh:    opts.Fresh,
		collapse: opts.Collapse,
		ipcache:  opts.IPCache,
		clock:    opts.Clock,
	}
	if f.clock == nil {
		f.clock = time.Now
	}
	if opts.Origin != "" {
		origin, err := url.Parse(opts.Origin)
		if err != nil {
			return nil, err
		}
		f.origin = origin
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	f.client = &http.Client{
		Transport: &http.Transport{
			DialContext:           f.dial(dialer),
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return f, nil
}

// dial resolves hosts through the IP cache, so that PURGE and client
// forced reloads can force a re-resolve of the origin.
func (f *OriginForwarder) dial(dialer *net.Dialer) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if f.ipcache != nil && net.ParseIP(host) == nil {
			if ips, err := f.ipcache.Lookup(ctx, host); err == nil && len(ips) > 0 {
				return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
			}
		}
		return dialer.DialContext(ctx, network, addr)
	}
}

// Start launches the fetch. The entry is completed or aborted when the
// transfer ends; readers follow along through store subscriptions.
func (f *OriginForwarder) Start(req *Request, e *store.Entry) {
	go f.fetch(req, e)
}

func (f *OriginForwarder) fetch(req *Request, e *store.Entry) {
	out := f.upstreamRequest(req)
	requestTime := f.clock()
	resp, err := f.client.Do(out)
	if err != nil {
		f.log.Warn().Err(err).Str("url", out.URL.String()).Msg("origin fetch failed")
		e.Abort(err)
		f.collapse.Withdraw(e)
		return
	}
	defer resp.Body.Close()
	responseTime := f.clock()

	f.rekeyForVariant(req, e, resp)
	e.RequestTime = requestTime
	e.Append(serializer.HeadBytes(resp, requestTime, responseTime))

	var bodyLen int64
	buf := make([]byte, fetchChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			bodyLen += int64(n)
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.Append(chunk)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			f.log.Warn().Err(err).Str("url", out.URL.String()).Msg("origin body read failed")
			e.Abort(err)
			f.collapse.Withdraw(e)
			return
		}
	}
	if resp.ContentLength >= 0 && bodyLen != resp.ContentLength && req.Method != http.MethodHead {
		f.log.Warn().
			Int64("expected", resp.ContentLength).
			Int64("received", bodyLen).
			Str("url", out.URL.String()).
			Msg("origin body length mismatch")
		e.BadLength = true
	}
	e.Complete(responseTime)
	f.collapse.Withdraw(e)
	f.saveOrRelease(req, e, resp, responseTime)

	f.log.Debug().
		Str("url", out.URL.String()).
		Int("status", resp.StatusCode).
		Int64("body", bodyLen).
		Msg("origin fetch done")
}

// upstreamRequest derives the request sent to the origin: hop-by-hop
// fields dropped, our Via appended, Max-Forwards decremented.
func (f *OriginForwarder) upstreamRequest(req *Request) *http.Request {
	out := req.Request.Clone(req.Context())
	out.RequestURI = ""
	for _, name := range hopByHopHeaders {
		if name == "Connection" {
			for _, token := range rfc9111.GetListHeader(out.Header, "Connection") {
				out.Header.Del(token)
			}
		}
		out.Header.Del(name)
	}
	via := f.cfg.Via
	if prior := out.Header.Get("Via"); prior != "" {
		via = prior + ", " + via
	}
	out.Header.Set("Via", via)
	if req.MaxForwards > 0 {
		out.Header.Set("Max-Forwards", strconv.Itoa(req.MaxForwards-1))
	}
	if f.origin != nil {
		out.URL.Scheme = f.origin.Scheme
		out.URL.Host = f.origin.Host
		out.Host = f.origin.Host
	} else {
		if out.URL.Scheme == "" {
			out.URL.Scheme = "http"
		}
		if out.URL.Host == "" {
			out.URL.Host = req.Host
		}
	}
	return out
}

// rekeyForVariant moves a base-keyed entry under its variant key once
// the reply's Vary header reveals the fingerprint.
func (f *OriginForwarder) rekeyForVariant(req *Request, e *store.Entry, resp *http.Response) {
	if e.Key == "" {
		return
	}
	vary := rfc9111.GetListHeader(resp.Header, "Vary")
	if len(vary) == 0 {
		return
	}
	for _, name := range vary {
		if name == "*" {
			return
		}
	}
	base, variant, err := f.keyer.Split(e.Key)
	if err != nil || variant != "" {
		return
	}
	f.store.Rekey(e, f.keyer.AddVariant(base, req.Header, vary))
}

// saveOrRelease applies the storage rules: storable replies persist
// with their computed expiry (negative hits under the negative TTL),
// everything else is released so the next request misses.
func (f *OriginForwarder) saveOrRelease(req *Request, e *store.Entry, resp *http.Response, now time.Time) {
	if !f.storable(req, resp) {
		f.store.Release(e)
		return
	}
	if negativeStatus(resp.StatusCode) {
		if f.cfg.NegativeTTL <= 0 {
			f.store.Release(e)
			return
		}
		e.Negative = true
		f.store.Persist(e, now.Add(f.cfg.NegativeTTL))
		return
	}
	f.store.Persist(e, f.fresh.ExpiresAt(e, req, now))
}

// heuristicallyCacheable lists the status codes that may be stored
// without explicit freshness information.
func heuristicallyCacheable(status int) bool {
	switch status {
	case http.StatusOK, http.StatusNonAuthoritativeInfo, http.StatusNoContent,
		http.StatusMultipleChoices, http.StatusMovedPermanently,
		http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusGone,
		http.StatusRequestURITooLong, http.StatusNotImplemented:
		return true
	}
	return false
}

// negativeStatus lists the error statuses stored briefly so that a
// struggling origin is not hammered.
func negativeStatus(status int) bool {
	switch status {
	case http.StatusNotFound, http.StatusGone, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (f *OriginForwarder) storable(req *Request, resp *http.Response) bool {
	if !cacheableMethod(req.Method) {
		return false
	}
	if req.CacheControl.NoStore() {
		return false
	}
	cc := rfc9111.ParseCacheControl(resp.Header.Values("Cache-Control"))
	if cc.NoStore() || cc.Private() {
		return false
	}
	if req.Header.Get("Authorization") != "" {
		_, sMaxAge := cc.SMaxAge()
		if !cc.Public() && !cc.MustRevalidate() && !sMaxAge {
			return false
		}
	}
	if _, ok := rfc9111.FreshnessLifetime(resp); ok {
		return true
	}
	return heuristicallyCacheable(resp.StatusCode)
}

package edgecache

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgecache/edgecache/rfc9111"
	"github.com/edgecache/edgecache/rfc9211"
	"github.com/edgecache/edgecache/store"
)

// hop-by-hop fields, RFC 9110 §7.6.1 plus the legacy proxy variants
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var connOrientedAuthSchemes = []string{"NTLM", "Negotiate", "Kerberos"}

// BuildInput carries everything header construction depends on. The
// Reply must be the caller's own clone; it is mutated in place.
type BuildInput struct {
	Reply *http.Response
	Req   *Request
	Entry *store.Entry
	Tag   LogTag
	Slave bool
	// Internal marks replies synthesized by this proxy (error pages,
	// gate denials, 304s we build ourselves).
	Internal bool

	CacheStatus *rfc9211.CacheStatus
	Now         time.Time

	// keep-alive decision inputs observed at build time
	ShuttingDown          bool
	HighFDPressure        bool
	UpstreamNonPersistent bool
	PinnedNonPersistent   bool
	TLSBumpNonPersistent  bool
	PortClosed            bool
}

// BuildResult reports the connection-level decisions made while
// rewriting the headers.
type BuildResult struct {
	KeepAlive     bool
	MustKeepAlive bool
	Chunked       bool
}

// ReplyHeaderBuilder rewrites a cloned upstream reply for delivery to
// the client. Mutations run in a fixed order; building happens exactly
// once per reply.
type ReplyHeaderBuilder struct {
	cfg ConfigSnapshot
	log zerolog.Logger
}

func NewReplyHeaderBuilder(cfg ConfigSnapshot, logger zerolog.Logger) ReplyHeaderBuilder {
	return ReplyHeaderBuilder{cfg: cfg, log: logger.With().Str("component", "headers").Logger()}
}

func (b ReplyHeaderBuilder) Build(in BuildInput) BuildResult {
	reply := in.Reply
	header := reply.Header
	hit := in.Tag.IsHit()

	// 1. stored cookies must not replay to other clients
	if hit || in.Slave {
		header.Del("Set-Cookie")
	}

	// 2.
	if !b.cfg.PeerLoginPass {
		header.Del("Proxy-Authenticate")
	}

	// 3.
	for _, name := range hopByHopHeaders {
		if name == "Connection" {
			for _, token := range rfc9111.GetListHeader(header, "Connection") {
				header.Del(token)
			}
		}
		header.Del(name)
	}
	if bodilessStatus(reply.StatusCode) {
		header.Del("Content-Length")
	}

	// 4.
	if hit {
		header.Del("Age")
		timestamp := entryTimestamp(in.Entry)
		if (in.Entry != nil && in.Entry.Special) || b.cfg.ActAsOrigin {
			if date := header.Get("Date"); date != "" {
				header.Set("X-Origin-Date", date)
			}
			if expires := header.Get("Expires"); expires != "" {
				header.Set("X-Origin-Expires", expires)
			}
			if !timestamp.IsZero() && !timestamp.After(in.Now) {
				header.Set("X-Cache-Age", rfc9111.ToDeltaSeconds(in.Now.Sub(timestamp)))
			}
			header.Set("Date", rfc9111.ToHttpDate(in.Now))
		} else if !timestamp.IsZero() && !timestamp.After(in.Now) {
			header.Set("Age", rfc9111.ToDeltaSeconds(in.Now.Sub(timestamp)))
		}
	}

	// 5.
	if header.Get("Date") == "" {
		date := in.Now
		if ts := entryTimestamp(in.Entry); !ts.IsZero() {
			date = ts
		}
		header.Set("Date", rfc9111.ToHttpDate(date))
	}

	// 6.
	mustKeepAlive := false
	if challenges := header.Values("WWW-Authenticate"); len(challenges) > 0 {
		if b.cfg.ConnectionAuth {
			if hasConnOrientedScheme(challenges) {
				mustKeepAlive = true
				header.Set("Proxy-Support", "Session-Based-Authentication")
				header.Add("Connection", "Proxy-support")
			}
		} else {
			header.Del("WWW-Authenticate")
			for _, challenge := range challenges {
				if !isConnOrientedScheme(challenge) {
					header.Add("WWW-Authenticate", challenge)
				}
			}
		}
	}

	// 7. a forwarded 401/407 must still carry a challenge the client
	// can answer; earlier filtering may have stripped it, so re-issue
	// the scheme the client's own credentials name
	if !in.Internal &&
		(reply.StatusCode == http.StatusUnauthorized ||
			reply.StatusCode == http.StatusProxyAuthRequired) {
		challenge, credential := "WWW-Authenticate", "Authorization"
		if reply.StatusCode == http.StatusProxyAuthRequired {
			challenge, credential = "Proxy-Authenticate", "Proxy-Authorization"
		}
		if cred := in.Req.Header.Get(credential); cred != "" {
			scheme := strings.SplitN(cred, " ", 2)[0]
			allowed := !isConnOrientedScheme(scheme) || b.cfg.ConnectionAuth
			if allowed && !hasChallengeScheme(header.Values(challenge), scheme) {
				header.Add(challenge, scheme)
			}
		}
	}

	// 8.
	if in.CacheStatus != nil {
		header.Set("Cache-Status", in.CacheStatus.Value(b.cfg.Hostname))
	}

	// 9. body framing and keep-alive
	bodySize := replyBodySize(reply, in.Req)
	chunked := false
	if bodySize < 0 && reply.ProtoAtLeast(1, 1) && !multipartRange(header) &&
		!bodilessStatus(reply.StatusCode) && in.Req.Method != http.MethodHead {
		chunked = true
		header.Set("Transfer-Encoding", "chunked")
	}
	keepAlive := mustKeepAlive || b.keepAliveAllowed(in, bodySize, chunked)

	// 10.
	via := b.cfg.Via
	if prior := header.Get("Via"); prior != "" {
		via = prior + ", " + via
	}
	header.Set("Via", via)
	if keepAlive {
		header.Set("Connection", "keep-alive")
	} else {
		header.Set("Connection", "close")
	}

	// 11.
	if header.Get("Surrogate-Control") != "" &&
		in.Req.Header.Get("Surrogate-Capability") == "" {
		header.Del("Surrogate-Control")
	}

	b.log.Trace().
		Int("status", reply.StatusCode).
		Bool("keep_alive", keepAlive).
		Bool("chunked", chunked).
		Str("tag", string(in.Tag)).
		Msg("reply headers built")

	return BuildResult{KeepAlive: keepAlive, MustKeepAlive: mustKeepAlive, Chunked: chunked}
}

// keepAliveAllowed walks the close conditions in order; the first match
// closes the connection.
func (b ReplyHeaderBuilder) keepAliveAllowed(in BuildInput, bodySize int64, chunked bool) bool {
	switch {
	case !b.cfg.ErrorPconns && in.Reply.StatusCode >= 400:
		return false
	case !b.cfg.ClientPconns:
		return false
	case in.ShuttingDown:
		return false
	case b.cfg.ConnectionAuth && in.UpstreamNonPersistent:
		return false
	case bodySize < 0 && !chunked:
		// close-delimited body
		return false
	case in.HighFDPressure:
		return false
	case in.TLSBumpNonPersistent:
		return false
	case in.PinnedNonPersistent:
		return false
	case in.PortClosed:
		return false
	}
	return true
}

// replyBodySize returns the body size the client will observe, or -1
// when unknown.
func replyBodySize(reply *http.Response, req *Request) int64 {
	if req.Method == http.MethodHead || bodilessStatus(reply.StatusCode) {
		return 0
	}
	return reply.ContentLength
}

func bodilessStatus(status int) bool {
	return status == http.StatusNoContent || status == http.StatusNotModified ||
		(status >= 100 && status < 200)
}

func multipartRange(header http.Header) bool {
	return strings.HasPrefix(header.Get("Content-Type"), "multipart/byteranges")
}

func entryTimestamp(e *store.Entry) time.Time {
	if e == nil {
		return time.Time{}
	}
	if !e.ResponseTime.IsZero() {
		return e.ResponseTime
	}
	return e.RequestTime
}

func hasConnOrientedScheme(challenges []string) bool {
	for _, challenge := range challenges {
		if isConnOrientedScheme(challenge) {
			return true
		}
	}
	return false
}

func hasChallengeScheme(challenges []string, scheme string) bool {
	for _, challenge := range challenges {
		if len(challenge) >= len(scheme) && strings.EqualFold(challenge[:len(scheme)], scheme) {
			return true
		}
	}
	return false
}

func isConnOrientedScheme(challenge string) bool {
	for _, scheme := range connOrientedAuthSchemes {
		if len(challenge) >= len(scheme) && strings.EqualFold(challenge[:len(scheme)], scheme) {
			return true
		}
	}
	return false
}

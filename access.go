package edgecache

import (
	"net/http"

	"github.com/rs/zerolog"
)

// AclAnswer is the outcome of an access-control evaluation.
type AclAnswer int

const (
	AclAllowed AclAnswer = iota
	AclDenied
)

// AclContext is what an ACL list gets to look at.
type AclContext struct {
	Req   *Request
	Reply *http.Response
}

// AclEngine evaluates a named ACL list. The callback may run
// synchronously or from another goroutine later; callers must be ready
// for either.
type AclEngine interface {
	Check(list string, ctx *AclContext, cb func(AclAnswer))
}

// AclFunc adapts a plain function to AclEngine.
type AclFunc func(list string, ctx *AclContext, cb func(AclAnswer))

func (f AclFunc) Check(list string, ctx *AclContext, cb func(AclAnswer)) {
	f(list, ctx, cb)
}

// GateVerdict is the reply-access decision.
type GateVerdict int

const (
	GateAllowed GateVerdict = iota
	GateDenied
	GateTooBig
)

// ReplyAccessGate enforces the reply-access policy on outgoing
// replies. The expected body size is checked before any ACL runs; an
// oversized reply is refused outright.
type ReplyAccessGate struct {
	cfg ConfigSnapshot
	acl AclEngine
	log zerolog.Logger
}

func NewReplyAccessGate(cfg ConfigSnapshot, acl AclEngine, logger zerolog.Logger) ReplyAccessGate {
	return ReplyAccessGate{cfg: cfg, acl: acl, log: logger.With().Str("component", "access").Logger()}
}

// statusAlwaysAllowed lists the statuses that bypass reply access
// entirely: interim and bodyless responses the client is always
// entitled to see.
func statusAlwaysAllowed(status int) bool {
	switch status {
	case http.StatusContinue, http.StatusSwitchingProtocols,
		http.StatusProcessing, http.StatusNoContent, http.StatusNotModified:
		return true
	}
	return false
}

// Check evaluates the gate for a reply about to be sent. The callback
// fires exactly once with the verdict.
func (g ReplyAccessGate) Check(req *Request, reply *http.Response, cb func(GateVerdict)) {
	if statusAlwaysAllowed(reply.StatusCode) {
		cb(GateAllowed)
		return
	}
	if g.expectedBodyTooLarge(reply) {
		g.log.Debug().
			Int64("content_length", reply.ContentLength).
			Int64("max", g.cfg.MaxReplyBodySize).
			Msg("reply body exceeds configured maximum")
		cb(GateTooBig)
		return
	}
	if g.acl == nil || g.cfg.ReplyAccess == "" {
		cb(GateAllowed)
		return
	}
	g.acl.Check(g.cfg.ReplyAccess, &AclContext{Req: req, Reply: reply}, func(answer AclAnswer) {
		if answer == AclAllowed {
			cb(GateAllowed)
		} else {
			cb(GateDenied)
		}
	})
}

func (g ReplyAccessGate) expectedBodyTooLarge(reply *http.Response) bool {
	return g.cfg.MaxReplyBodySize > 0 && reply.ContentLength > g.cfg.MaxReplyBodySize
}

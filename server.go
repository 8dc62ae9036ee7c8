package edgecache

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

var registerPurgeOnce sync.Once

// Server exposes the reply pipeline as an http.Handler. Each request
// gets its own reply state; the connection sink bridges stream
// deliveries onto the ResponseWriter.
type Server struct {
	cfg      ConfigSnapshot
	pipeline *Pipeline
	log      zerolog.Logger
}

func NewServer(cfg ConfigSnapshot, p *Pipeline, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		pipeline: p,
		log:      logger.With().Str("component", "server").Logger(),
	}
}

// Handler builds the router. PURGE is registered as an extension
// method so that the router accepts it alongside the standard ones.
func (s *Server) Handler() http.Handler {
	registerPurgeOnce.Do(func() {
		chi.RegisterMethod("PURGE")
	})
	r := chi.NewRouter()
	r.Handle("/*", http.HandlerFunc(s.serve))
	r.MethodFunc("PURGE", "/*", s.serve)
	r.MethodFunc(http.MethodTrace, "/*", s.serve)
	return r
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	req := ParseRequest(r, s.cfg.Via)
	sink := &connSink{
		w:    w,
		done: make(chan StreamStatus, 1),
	}
	rs := s.pipeline.NewReplyState(req, sink)
	sink.pull = rs.GetMoreData
	rs.Start()
	select {
	case status := <-sink.done:
		if status != StreamComplete {
			s.abort(w, sink, status)
		}
	case <-r.Context().Done():
		rs.Detach()
	}
}

// abort terminates a failed or length-suspect transfer. Before headers
// went out an error page is still possible; after that only killing
// the connection keeps the client from trusting a truncated body.
func (s *Server) abort(w http.ResponseWriter, sink *connSink, status StreamStatus) {
	sink.mu.Lock()
	wroteHeader := sink.wroteHeader
	sink.mu.Unlock()
	if !wroteHeader {
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	s.log.Debug().Int("stream_status", int(status)).Msg("aborting client connection")
	panic(http.ErrAbortHandler)
}

// connSink writes stream deliveries to the client connection and pulls
// the next one. Transfer framing and connection management belong to
// net/http, so those fields are dropped from the delivered headers.
type connSink struct {
	w    http.ResponseWriter
	pull func()
	done chan StreamStatus

	mu          sync.Mutex
	wroteHeader bool
}

func (s *connSink) SendMoreData(d StreamData) {
	s.mu.Lock()
	if d.Headers != nil && !s.wroteHeader {
		h := s.w.Header()
		for name, values := range d.Headers.Header {
			switch name {
			case "Transfer-Encoding", "Keep-Alive":
				continue
			}
			h[name] = values
		}
		s.w.WriteHeader(d.Headers.StatusCode)
		s.wroteHeader = true
	}
	if len(d.Body) > 0 {
		if _, err := s.w.Write(d.Body); err == nil {
			if f, ok := s.w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
	s.mu.Unlock()
	if d.Status != StreamNone {
		select {
		case s.done <- d.Status:
		default:
		}
		return
	}
	s.pull()
}

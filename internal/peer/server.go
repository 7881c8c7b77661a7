package peer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/docsync/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// Server exposes a Peer over HTTP: GET /sync upgrades to a websocket
// session and GET /healthz reports liveness.
//
// /sync is routed on a plain ServeMux ahead of gin: the upgrade hijacks the
// connection after writing 101, which gin's response writer refuses.
type Server struct {
	peer   *Peer
	router *gin.Engine
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewServer builds the HTTP routes for p.
func NewServer(p *Peer) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{peer: p, router: r, mux: http.NewServeMux(), logger: p.logger}
	r.GET("/healthz", s.handleHealth)
	s.mux.HandleFunc("GET /sync", s.handleSync)
	s.mux.Handle("/", r)
	return s
}

// Handler returns the HTTP handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ws, err := transport.Accept(w, r)
	if err != nil {
		// Accept has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	if err := s.peer.Serve(r.Context(), ws); err != nil {
		s.logger.Warn("sync session failed", "remote_addr", r.RemoteAddr, "error", err)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	last, err := s.peer.store.LastSequence(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"peer_id":  s.peer.store.PeerID(),
		"last_seq": last,
	})
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
// ready, if non-nil, receives the bound address once listening.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if ready != nil {
		ready(ln.Addr())
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("peer listening", "addr", ln.Addr().String(), "peer_id", s.peer.store.PeerID())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

package gotremolo

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// Server is the top-level listener: it accepts connections and hands
// each one to a Conn for its entire lifetime. Grounded on badu-http's
// accept-loop shape (Server.Serve) and
// original_source/__main__.py. This package has no worker_num/backlog/
// reuseport handling, and cmd/gotremolo accepts those flags without
// acting on them, since a Go process shares one address space across
// goroutines.
type Server struct {
	Options Options
	Logger  Logger
	Handler Handler

	// TLSConfig, if non-nil, is used by ListenAndServeTLS. The source's
	// non-goal is "TLS termination beyond configuring a prebuilt TLS
	// context" -- this field is exactly that prebuilt context.
	TLSConfig *tls.Config

	keepAlive *keepAliveRegistry
	Locks     *LockPool

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer builds a Server with DefaultOptions() overridden by opts.
func NewServer(handler Handler, logger Logger, opts ...Option) *Server {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = NewLogger("info")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Options:   o,
		Logger:    logger,
		Handler:   handler,
		keepAlive: newKeepAliveRegistry(o.KeepAliveCapacity),
		Locks:     NewLockPool(8),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Server) logError(msg string, err error) {
	if s.Logger != nil {
		s.Logger.Error(msg, err)
	}
}

// ListenAndServe binds addr and serves until Shutdown is called or Serve
// returns a fatal accept error.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// ListenAndServeTLS is ListenAndServe wrapped with s.TLSConfig, matching
// the non-goal of accepting a prebuilt TLS context rather than owning
// certificate management.
func (s *Server) ListenAndServeTLS(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(tls.NewListener(ln, s.TLSConfig))
}

// Serve accepts connections from ln until it is closed, dispatching each
// accepted connection to its own goroutine (spec §5).
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		rwc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		if tcp, ok := rwc.(*net.TCPConn); ok {
			tcp.SetKeepAlive(true)
			tcp.SetKeepAlivePeriod(3 * time.Minute)
		}

		c := newConn(s, rwc)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

// Shutdown stops accepting new connections and waits (up to
// ShutdownTimeout) for in-flight connections to drain, per spec §4.8's
// lifespan.shutdown contract and §6's shutdown_timeout option.
func (s *Server) Shutdown(ctx context.Context) error {
	if t := s.Options.ShutdownTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

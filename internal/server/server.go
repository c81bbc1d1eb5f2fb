package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/vyrodovalexey/avamitm/internal/observability"
)

// Default timeouts.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadTimeout      = 30 * time.Second
	DefaultWriteTimeout     = 30 * time.Second
	DefaultIdleTimeout      = 120 * time.Second
	DefaultShutdownTimeout  = 30 * time.Second

	acceptRetryDelay = 5 * time.Millisecond
)

// Config holds configuration for the TLS server.
type Config struct {
	// Address is the host:port to listen on.
	Address string

	// HandshakeTimeout bounds the TLS handshake, certificate issuance included.
	HandshakeTimeout time.Duration

	// ReadTimeout is the maximum duration for reading a request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration for writing a response.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum duration a keep-alive connection may be idle.
	IdleTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	// MaxConnections is the maximum number of concurrent connections.
	MaxConnections int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Address:          ":8443",
		HandshakeTimeout: DefaultHandshakeTimeout,
		ReadTimeout:      DefaultReadTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		IdleTimeout:      DefaultIdleTimeout,
		ShutdownTimeout:  DefaultShutdownTimeout,
		MaxConnections:   DefaultMaxConnections,
	}
}

// ConnectionMetrics records connection level metrics.
type ConnectionMetrics interface {
	RecordHandshake(version string, success bool, duration time.Duration)
	IncrementActiveConnections()
	DecrementActiveConnections()
	RecordRequest(method, status string)
}

type nopMetrics struct{}

func (nopMetrics) RecordHandshake(string, bool, time.Duration) {}
func (nopMetrics) IncrementActiveConnections()                 {}
func (nopMetrics) DecrementActiveConnections()                 {}
func (nopMetrics) RecordRequest(string, string)                {}

var _ ConnectionMetrics = (*observability.Metrics)(nil)

// Server terminates TLS with the certificates of the current acceptor and
// serves HTTP/1.1 and HTTP/2 on the resulting connections.
type Server struct {
	config      *Config
	acceptors   *AcceptorHolder
	handler     http.Handler
	logger      observability.Logger
	metrics     ConnectionMetrics
	connections *ConnectionTracker

	mu         sync.RWMutex
	running    bool
	listener   net.Listener
	handoff    *connListener
	httpServer *http.Server
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the connection metrics.
func WithMetrics(metrics ConnectionMetrics) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// New creates a new TLS server. Handshakes use the acceptor current in
// acceptors at ClientHello time.
func New(cfg *Config, acceptors *AcceptorHolder, handler http.Handler, opts ...Option) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{
		config:    cfg,
		acceptors: acceptors,
		handler:   handler,
		logger:    observability.NopLogger(),
		metrics:   nopMetrics{},
	}

	for _, opt := range opts {
		opt(s)
	}

	s.connections = NewConnectionTracker(cfg.MaxConnections, s.logger)
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("server already running")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	handoff := newConnListener(ln.Addr())
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.readTimeout(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout(),
		IdleTimeout:       s.idleTimeout(),
		MaxHeaderBytes:    1 << 20, // 1MB
		ConnContext:       s.connContext,
		ConnState:         s.connState,
	}
	if err := http2.ConfigureServer(httpServer, &http2.Server{IdleTimeout: s.idleTimeout()}); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to configure HTTP/2: %w", err)
	}

	serverCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.listener = ln
	s.handoff = handoff
	s.httpServer = httpServer
	s.cancelFunc = cancel
	s.running = true

	s.logger.Info("TLS server started",
		observability.String("address", ln.Addr().String()),
		observability.Duration("handshakeTimeout", s.handshakeTimeout()),
	)

	go s.serveHTTP(httpServer, handoff)

	s.wg.Add(1)
	go s.acceptLoop(serverCtx, ln)

	return nil
}

func (s *Server) serveHTTP(httpServer *http.Server, ln net.Listener) {
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("http server error", observability.Error(err))
	}
}

// acceptLoop accepts raw connections until the listener is closed.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.logger.Debug("accept loop stopped")
				return
			}
			s.logger.Error("accept error", observability.Error(err))
			time.Sleep(acceptRetryDelay)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection performs the TLS handshake and hands the connection to
// the HTTP server.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	var tracked *TrackedConnection
	tlsConn := tls.Server(conn, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			tracked.SetServerName(hello.ServerName)
			cfg, err := s.acceptors.ConfigForClient(hello)
			if err != nil {
				return nil, err
			}
			return recordServedCertificate(cfg, tracked), nil
		},
	})

	tracked, err := s.connections.Add(tlsConn)
	if err != nil {
		s.logger.Warn("connection rejected",
			observability.String("remoteAddr", conn.RemoteAddr().String()),
			observability.Error(err),
		)
		_ = conn.Close()
		return
	}
	s.metrics.IncrementActiveConnections()

	hsCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout())
	start := time.Now()
	err = tlsConn.HandshakeContext(hsCtx)
	duration := time.Since(start)
	cancel()

	if err != nil {
		s.metrics.RecordHandshake("", false, duration)
		s.logger.Debug("TLS handshake failed",
			observability.String("id", tracked.ID),
			observability.String("remoteAddr", tracked.RemoteAddr),
			observability.String("sni", tracked.ServerName()),
			observability.Error(err),
		)
		s.release(tlsConn)
		_ = tlsConn.Close()
		return
	}

	state := tlsConn.ConnectionState()
	s.metrics.RecordHandshake(tls.VersionName(state.Version), true, duration)
	s.logger.Debug("TLS handshake completed",
		observability.String("id", tracked.ID),
		observability.String("sni", state.ServerName),
		observability.String("protocol", state.NegotiatedProtocol),
		observability.String("version", tls.VersionName(state.Version)),
		observability.Duration("duration", duration),
	)

	if !s.handoff.deliver(tlsConn) {
		s.release(tlsConn)
		_ = tlsConn.Close()
	}
}

// recordServedCertificate wraps cfg so the leaf served on this connection
// is recorded on tracked.
func recordServedCertificate(cfg *tls.Config, tracked *TrackedConnection) *tls.Config {
	getCertificate := cfg.GetCertificate
	if getCertificate == nil {
		return cfg
	}

	cfg = cfg.Clone()
	cfg.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := getCertificate(hello)
		if err == nil && cert != nil {
			tracked.setLeaf(cert.Leaf)
		}
		return cert, err
	}
	return cfg
}

func (s *Server) connContext(ctx context.Context, c net.Conn) context.Context {
	if tracked := s.connections.Lookup(c); tracked != nil {
		ctx = observability.ContextWithConnectionID(ctx, tracked.ID)
		ctx = contextWithConnection(ctx, tracked)
	}
	return ctx
}

func (s *Server) connState(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateClosed, http.StateHijacked:
		s.release(c)
	}
}

// release stops tracking c. It is safe to call more than once.
func (s *Server) release(c net.Conn) {
	if s.connections.Remove(c) {
		s.metrics.DecrementActiveConnections()
	}
}

// Addr returns the listening address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of open client connections.
func (s *Server) ActiveConnections() int {
	return s.connections.Count()
}

// IsRunning reports whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Stop stops accepting connections and waits for open ones to finish, up
// to the shutdown timeout. Remaining connections are then closed.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	ln, httpServer, cancelFunc := s.listener, s.httpServer, s.cancelFunc
	s.mu.Unlock()

	s.logger.Info("stopping TLS server",
		observability.Duration("shutdownTimeout", s.shutdownTimeout()),
		observability.Int("activeConnections", s.connections.Count()),
	)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout())
	defer cancel()

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("error closing listener", observability.Error(err))
	}

	var shutdownErr error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("failed to shutdown gracefully: %w", err)
		_ = httpServer.Close()
	}

	// Handshakes still in progress are aborted.
	cancelFunc()
	s.waitForConnections(shutdownCtx)

	s.logger.Info("TLS server stopped")
	return shutdownErr
}

func (s *Server) waitForConnections(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	s.logger.Warn("graceful shutdown timed out, force closing remaining connections",
		observability.Int("remainingConnections", s.connections.Count()),
	)
	s.connections.CloseAll()

	select {
	case <-done:
	case <-time.After(time.Second):
		s.logger.Warn("some connection handlers may still be running")
	}
}

func (s *Server) handshakeTimeout() time.Duration {
	if s.config.HandshakeTimeout > 0 {
		return s.config.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

func (s *Server) readTimeout() time.Duration {
	if s.config.ReadTimeout > 0 {
		return s.config.ReadTimeout
	}
	return DefaultReadTimeout
}

func (s *Server) writeTimeout() time.Duration {
	if s.config.WriteTimeout > 0 {
		return s.config.WriteTimeout
	}
	return DefaultWriteTimeout
}

func (s *Server) idleTimeout() time.Duration {
	if s.config.IdleTimeout > 0 {
		return s.config.IdleTimeout
	}
	return DefaultIdleTimeout
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.config.ShutdownTimeout > 0 {
		return s.config.ShutdownTimeout
	}
	return DefaultShutdownTimeout
}

type connectionKey struct{}

func contextWithConnection(ctx context.Context, tracked *TrackedConnection) context.Context {
	return context.WithValue(ctx, connectionKey{}, tracked)
}

// ConnectionFromContext returns the connection a request arrived on.
func ConnectionFromContext(ctx context.Context) *TrackedConnection {
	tracked, _ := ctx.Value(connectionKey{}).(*TrackedConnection)
	return tracked
}

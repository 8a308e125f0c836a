package changed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/authz"
	"pkt.systems/changed/internal/changes"
	"pkt.systems/changed/internal/clock"
	"pkt.systems/changed/internal/dispatch"
	"pkt.systems/changed/internal/httpapi"
	"pkt.systems/changed/internal/lockfile"
	"pkt.systems/changed/internal/policy"
	"pkt.systems/changed/internal/resource"
	"pkt.systems/changed/internal/svcfields"
	"pkt.systems/changed/internal/sysinfo"
	"pkt.systems/changed/internal/tools"
)

// LockDirName is the reserved lock directory under the changes root.
const LockDirName = ".locks"

// Server assembles the change store, lock manager, resource provider, tool
// registry, and both wire transports around one changes root.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	clock      clock.Clock
	host       sysinfo.Info
	store      *changes.Store
	locks      *lockfile.Manager
	provider   *resource.Provider
	registry   *tools.Registry
	dispatcher *dispatch.Dispatcher
	handler    *httpapi.Handler
	httpSrv    *http.Server
	listener   net.Listener

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*serverOptions)

type serverOptions struct {
	Logger     pslog.Logger
	Clock      clock.Clock
	Host       *sysinfo.Info
	Scaffolder changes.Scaffolder
	Receipts   changes.ReceiptWriter
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *serverOptions) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *serverOptions) {
		o.Clock = c
	}
}

// WithHostInfo overrides detected host metadata (useful for tests).
func WithHostInfo(info sysinfo.Info) Option {
	return func(o *serverOptions) {
		o.Host = &info
	}
}

// WithScaffolder overrides the artifact scaffolding collaborator.
func WithScaffolder(s changes.Scaffolder) Option {
	return func(o *serverOptions) {
		o.Scaffolder = s
	}
}

// WithReceiptWriter overrides the archive receipt collaborator.
func WithReceiptWriter(w changes.ReceiptWriter) Option {
	return func(o *serverOptions) {
		o.Receipts = w
	}
}

// NewServer constructs a changed server according to cfg.
// Example:
//
//	cfg := changed.Config{Root: "/srv/changes", Listen: ":9346"}
//	srv, err := changed.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	host := sysinfo.Collect()
	if o.Host != nil {
		host = *o.Host
	}
	if env := cfg.Environment; env != "" {
		host.Environment = api.Environment(env)
	}
	pol := cfg.policyConfig()

	store, err := changes.New(changes.Options{
		Root:       cfg.Root,
		Clock:      serverClock,
		Logger:     logger,
		Scaffolder: o.Scaffolder,
		Receipts:   o.Receipts,
	})
	if err != nil {
		return nil, err
	}
	locks, err := lockfile.New(lockfile.Options{
		Dir:    filepath.Join(cfg.Root, LockDirName),
		Policy: pol,
		Clock:  serverClock,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	provider, err := resource.New(resource.Options{
		Store:             store,
		Authorizer:        authz.New(pol),
		Locks:             locks,
		Logger:            logger,
		Clock:             serverClock,
		MaxPageSize:       cfg.MaxPageSize,
		StreamBudget:      cfg.StreamBudget,
		HeartbeatInterval: cfg.Heartbeat,
	})
	if err != nil {
		_ = locks.Close()
		return nil, err
	}
	registry, err := tools.New(tools.Options{
		Store:    store,
		Locks:    locks,
		Provider: provider,
		Policy:   pol,
		Host:     host,
		Logger:   logger,
		Clock:    serverClock,
	})
	if err != nil {
		_ = locks.Close()
		return nil, err
	}
	dispatcher, err := dispatch.New(dispatch.Options{
		Tools:         registry,
		Resources:     provider,
		Logger:        logger,
		ServerName:    cfg.ServerName,
		ServerVersion: cfg.ServerVersion,
	})
	if err != nil {
		registry.Shutdown()
		_ = locks.Close()
		return nil, err
	}
	handler, err := httpapi.New(httpapi.Options{
		Dispatcher: dispatcher,
		Logger:     logger,
		Clock:      serverClock,
		Heartbeat:  cfg.Heartbeat,
	})
	if err != nil {
		registry.Shutdown()
		_ = locks.Close()
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		logger:     svcfields.WithSubsystem(logger, "server"),
		clock:      serverClock,
		host:       host,
		store:      store,
		locks:      locks,
		provider:   provider,
		registry:   registry,
		dispatcher: dispatcher,
		handler:    handler,
		readyCh:    make(chan struct{}),
	}
	s.httpSrv = &http.Server{
		Addr:    cfg.Listen,
		Handler: handler.Router(),
	}
	return s, nil
}

// Handler returns the HTTP handler so changed can be mounted inside an
// existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Tools exposes the tool registry for embedding (the MCP facade reuses it).
func (s *Server) Tools() *tools.Registry {
	return s.registry
}

// Resources exposes the resource provider for embedding.
func (s *Server) Resources() *resource.Provider {
	return s.provider
}

// Policy returns the effective read-only policy.
func (s *Server) Policy() policy.Config {
	return s.cfg.policyConfig()
}

// Addr returns the bound listen address once Start has opened the listener.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Ready is closed once the listener is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// Start begins serving the HTTP transports and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("server.listening",
		"address", ln.Addr().String(),
		"root", s.cfg.Root,
		"environment", string(s.host.Environment),
	)
	serveErr := s.httpSrv.Serve(ln)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// ServeStdio runs the line-oriented stdio transport until EOF, shutdown, or
// ctx cancellation. It shares the tool registry and lock manager with the
// HTTP transports, so both can run against the same root.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	s.signalReady()
	return s.dispatcher.ServeStdio(ctx, r, w)
}

// Shutdown gracefully stops the server: HTTP connections drain, session lock
// refreshers stop, and the audit log handle closes. Safe to call more than
// once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.registry.Shutdown()
	if err := s.locks.Close(); err != nil {
		return err
	}
	s.logger.Info("server.stopped")
	return nil
}

// StartServer launches srv in a goroutine, waits for readiness, and returns
// a stop function. Useful when wiring changed into existing processes.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.Ready():
	case err := <-errCh:
		if err == nil {
			err = fmt.Errorf("server exited before ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil, nil, ctx.Err()
	}
	stop := func(stopCtx context.Context) error {
		return srv.Shutdown(stopCtx)
	}
	return srv, stop, nil
}

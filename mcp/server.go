// Package mcp exposes the change workspace surface as a Model Context
// Protocol facade: the two mutating tools plus read-side list/read tools and
// documentation resources, served over streamable HTTP.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"pkt.systems/pslog"

	"pkt.systems/changed/internal/resource"
	"pkt.systems/changed/internal/svcfields"
	"pkt.systems/changed/internal/tools"
)

// Config controls the MCP facade runtime.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string
	// MCPPath is the HTTP path the streamable handler mounts at.
	MCPPath string
	// Identity is the caller identity the facade acts as. Defaults to the
	// process's local username.
	Identity string
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration
}

// Server is the MCP facade service contract.
type Server interface {
	Run(context.Context) error
}

// NewServerRequest wraps constructor inputs.
type NewServerRequest struct {
	Config    Config
	Tools     *tools.Registry
	Resources *resource.Provider
	Logger    pslog.Logger
}

type server struct {
	cfg          Config
	tools        *tools.Registry
	resources    *resource.Provider
	logger       pslog.Logger
	lifecycleLog pslog.Logger
	httpServer   *http.Server
	mcpHTTPPath  string
}

// NewServer constructs the MCP facade service.
func NewServer(req NewServerRequest) (Server, error) {
	cfg := req.Config
	applyDefaults(&cfg)
	if req.Tools == nil || req.Resources == nil {
		return nil, fmt.Errorf("mcp: tools and resources required")
	}

	logger := req.Logger
	if logger == nil {
		logger = pslog.NewStructured(os.Stderr).With("app", "changed")
	}

	s := &server{
		cfg:          cfg,
		tools:        req.Tools,
		resources:    req.Resources,
		logger:       svcfields.WithSubsystem(logger, "mcp"),
		lifecycleLog: svcfields.WithSubsystem(logger, "server.lifecycle.mcp"),
		mcpHTTPPath:  cleanHTTPPath(cfg.MCPPath),
	}
	s.httpServer = &http.Server{
		Addr:    cfg.Listen,
		Handler: s.buildMux(),
	}
	return s, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = "127.0.0.1:9464"
	}
	if strings.TrimSpace(cfg.MCPPath) == "" {
		cfg.MCPPath = "/mcp"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

func cleanHTTPPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/mcp"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (s *server) Run(ctx context.Context) error {
	s.lifecycleLog.Info("starting changed MCP facade", "listen", s.cfg.Listen, "mcp_path", s.mcpHTTPPath)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *server) buildMux() *http.ServeMux {
	mcpSrv := s.buildMCPServer()
	streamable := mcpsdk.NewStreamableHTTPHandler(func(_ *http.Request) *mcpsdk.Server {
		return mcpSrv
	}, nil)

	mux := http.NewServeMux()
	mux.Handle(s.mcpHTTPPath, streamable)
	return mux
}

func (s *server) buildMCPServer() *mcpsdk.Server {
	mcpSrv := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "changed-mcp-facade",
		Version: "0.1.0",
	}, &mcpsdk.ServerOptions{
		Instructions: serverInstructions(),
	})
	s.registerResources(mcpSrv)
	s.registerTools(mcpSrv)
	return mcpSrv
}

func (s *server) registerTools(srv *mcpsdk.Server) {
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolChangeOpen,
		Description: "Open a change workspace (idempotent for a non-archived slug) under an advisory lock.",
	}, withStructuredToolErrors(s.handleChangeOpenTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolChangeArchive,
		Description: "Archive a change workspace. The transition is one-way; repeating it reports already_archived.",
	}, withStructuredToolErrors(s.handleChangeArchiveTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolChangesList,
		Description: "List active changes in stable order with cursor-based pagination.",
	}, withStructuredToolErrors(s.handleChangesListTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolChangeRead,
		Description: "Read a change artifact (proposal, tasks, or delta); large artifacts return restartable chunks.",
	}, withStructuredToolErrors(s.handleChangeReadTool))
}

func serverInstructions() string {
	return strings.TrimSpace(`
changed MCP facade operating manual:
- Workflow: change.open to create or resume a workspace, edit its artifacts, change.archive when done.
- change.open is idempotent for a non-archived slug; an archived slug is never reopened.
- Locking: open takes an advisory lock; hold_session keeps it refreshed until archive or expiry. A lock_held error carries expiry and a force escape hatch.
- Discovery: changes.list pages the active collection (pass next_cursor back as cursor); change.read fetches proposal/tasks/delta, resuming large artifacts from next_offset.
- Documentation resources: ` + docOverviewURI + `, ` + docLockingURI + `
`)
}

// Package dispatch is the protocol state machine: capability negotiation,
// static method routing to the tool registry and resource provider, and
// error envelope construction. It is transport-agnostic; framing belongs to
// the adapters that feed it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/authz"
	"pkt.systems/changed/internal/correlation"
	"pkt.systems/changed/internal/resource"
	"pkt.systems/changed/internal/svcfields"
	"pkt.systems/changed/internal/tools"
)

// State is the connection lifecycle position. Transitions are monotonic;
// nothing returns to Uninitialized.
type State int

const (
	// Uninitialized accepts only capability negotiation.
	Uninitialized State = iota
	// Initialized accepts the full method table.
	Initialized
	// Closed rejects everything.
	Closed
)

// Options configures a Dispatcher.
type Options struct {
	Tools         *tools.Registry
	Resources     *resource.Provider
	Logger        pslog.Logger
	ServerName    string
	ServerVersion string
}

// Dispatcher holds the per-process routing dependencies. Per-connection
// state lives on Conn; concurrent connections share nothing mutable here.
type Dispatcher struct {
	tools         *tools.Registry
	resources     *resource.Provider
	logger        pslog.Logger
	serverName    string
	serverVersion string
}

// New constructs a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Tools == nil || opts.Resources == nil {
		return nil, fmt.Errorf("dispatch: tools and resources required")
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.ServerName == "" {
		opts.ServerName = "changed"
	}
	return &Dispatcher{
		tools:         opts.Tools,
		resources:     opts.Resources,
		logger:        svcfields.WithSubsystem(opts.Logger, "dispatch"),
		serverName:    opts.ServerName,
		serverVersion: opts.ServerVersion,
	}, nil
}

// Conn is one connection's state machine. Handle is safe for concurrent
// use, though transports that must preserve response order call it
// sequentially.
type Conn struct {
	dispatcher *Dispatcher

	mu        sync.Mutex
	state     State
	sessionID string
	identity  authz.Identity
}

// NewConn starts a connection in Uninitialized.
func (d *Dispatcher) NewConn() *Conn {
	return &Conn{dispatcher: d}
}

// State reports the connection's lifecycle position.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the negotiated session identity, empty before
// initialize.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Handle routes one decoded request and always produces a response carrying
// either a result or an error, never both.
func (c *Conn) Handle(ctx context.Context, req api.Request) api.Response {
	ctx = correlation.Ensure(ctx)

	c.mu.Lock()
	state := c.state
	caller := tools.Caller{Identity: c.identity, SessionID: c.sessionID}
	c.mu.Unlock()

	switch state {
	case Closed:
		return errorResponse(req.ID, api.Failure{
			Code:       api.CodeSessionClosed,
			Detail:     "session is shut down",
			HTTPStatus: 409,
		})
	case Uninitialized:
		if req.Method != api.MethodInitialize {
			return errorResponse(req.ID, api.Failure{
				Code:       api.CodeNotInitialized,
				Detail:     fmt.Sprintf("method %s before initialize", req.Method),
				Hint:       "send initialize first",
				HTTPStatus: 409,
			})
		}
	}

	switch req.Method {
	case api.MethodInitialize:
		return c.handleInitialize(req)
	case api.MethodShutdown:
		return c.handleShutdown(req)
	case api.MethodToolsList:
		return resultResponse(req.ID, map[string]any{"tools": c.dispatcher.tools.List()})
	case api.MethodToolsCall:
		return c.handleToolCall(ctx, caller, req)
	case api.MethodResourcesList:
		return c.handleResourceList(ctx, caller, req)
	case api.MethodResourcesRead:
		return c.handleResourceRead(ctx, caller, req)
	}
	return errorResponse(req.ID, api.Failure{
		Code:       api.CodeMethodNotFound,
		Detail:     fmt.Sprintf("unknown method %q", req.Method),
		Hint:       "methods: initialize, shutdown, tools/list, tools/call, resources/list, resources/read",
		HTTPStatus: 404,
	})
}

func (c *Conn) handleInitialize(req api.Request) api.Response {
	var params api.InitializeParams
	if err := decodeParams(req.Params, &params); err != nil {
		return errorResponse(req.ID, err)
	}

	c.mu.Lock()
	if c.state != Uninitialized {
		c.mu.Unlock()
		return errorResponse(req.ID, api.Failure{
			Code:       api.CodeValidation,
			Detail:     "session already initialized",
			HTTPStatus: 409,
		})
	}
	c.state = Initialized
	c.sessionID = params.SessionID
	if c.sessionID == "" {
		c.sessionID = xid.New().String()
	}
	if params.Identity != nil {
		c.identity = authz.Identity{
			ID:            params.Identity.ID,
			Username:      params.Identity.Username,
			Email:         params.Identity.Email,
			SessionID:     c.sessionID,
			Authenticated: params.Identity.ID != "" || params.Identity.Username != "",
		}
	} else {
		c.identity = authz.Identity{SessionID: c.sessionID}
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	toolNames := make([]string, 0)
	for _, info := range c.dispatcher.tools.List() {
		toolNames = append(toolNames, info.Name)
	}
	c.dispatcher.logger.Info("session.initialize",
		"session_id", sessionID,
		"client", params.ClientName,
		"client_version", params.ClientVersion,
	)
	return resultResponse(req.ID, api.InitializeResult{
		ServerName:    c.dispatcher.serverName,
		ServerVersion: c.dispatcher.serverVersion,
		SessionID:     sessionID,
		Tools:         toolNames,
		Collections:   []string{resource.CollectionURI},
	})
}

func (c *Conn) handleShutdown(req api.Request) api.Response {
	c.mu.Lock()
	c.state = Closed
	sessionID := c.sessionID
	c.mu.Unlock()
	c.dispatcher.logger.Info("session.shutdown", "session_id", sessionID)
	return resultResponse(req.ID, map[string]any{})
}

func (c *Conn) handleToolCall(ctx context.Context, caller tools.Caller, req api.Request) api.Response {
	var params api.ToolCallParams
	if err := decodeParams(req.Params, &params); err != nil {
		return errorResponse(req.ID, err)
	}
	result, err := c.dispatcher.tools.Execute(ctx, caller, params.Name, params.Input)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return resultResponse(req.ID, result)
}

func (c *Conn) handleResourceList(ctx context.Context, caller tools.Caller, req api.Request) api.Response {
	var params api.ResourceListParams
	if err := decodeParams(req.Params, &params); err != nil {
		return errorResponse(req.ID, err)
	}
	if params.Collection != "" && params.Collection != resource.CollectionURI {
		return errorResponse(req.ID, api.Failure{
			Code:       api.CodeNotFound,
			Detail:     fmt.Sprintf("unknown collection %q", params.Collection),
			Hint:       "the listable collection is " + resource.CollectionURI,
			HTTPStatus: 404,
		})
	}
	result, err := c.dispatcher.resources.List(ctx, caller.Identity, resource.ListQuery{
		Cursor:   params.Cursor,
		Page:     params.Page,
		PageSize: params.PageSize,
	})
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return resultResponse(req.ID, result)
}

func (c *Conn) handleResourceRead(ctx context.Context, caller tools.Caller, req api.Request) api.Response {
	var params api.ResourceReadParams
	if err := decodeParams(req.Params, &params); err != nil {
		return errorResponse(req.ID, err)
	}
	result, err := c.dispatcher.resources.Read(ctx, caller.Identity, resource.ReadQuery{
		URI:    params.URI,
		Offset: params.Offset,
		Length: params.Length,
	})
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return resultResponse(req.ID, result)
}

func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return api.Failure{
			Code:       api.CodeValidation,
			Detail:     fmt.Sprintf("malformed params: %v", err),
			HTTPStatus: 400,
		}
	}
	return nil
}

func resultResponse(id json.RawMessage, payload any) api.Response {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return errorResponse(id, api.Failure{
			Code:       api.CodeExecutionFailure,
			Detail:     fmt.Sprintf("encode result: %v", err),
			HTTPStatus: 500,
		})
	}
	return api.Response{ID: id, Result: encoded}
}

func errorResponse(id json.RawMessage, err error) api.Response {
	var failure api.Failure
	if !errors.As(err, &failure) || failure.Code == "" {
		failure = api.Failure{
			Code:   api.CodeExecutionFailure,
			Detail: err.Error(),
		}
	}
	return api.Response{ID: id, Error: &api.ErrorObject{
		Code:    failure.Code,
		Message: failure.Detail,
		Hint:    failure.Hint,
		Fields:  failure.Fields,
	}}
}

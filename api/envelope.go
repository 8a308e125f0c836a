package api

import "encoding/json"

// Protocol method names routed by the dispatcher. The method set is fixed;
// this is not a general-purpose RPC surface.
const (
	MethodInitialize    = "initialize"
	MethodShutdown      = "shutdown"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
)

// Request is the decoded transport envelope handed to the dispatcher.
type Request struct {
	// Method selects the operation.
	Method string `json:"method"`
	// Params carries the method-specific payload, still encoded.
	Params json.RawMessage `json:"params,omitempty"`
	// ID is the caller-chosen request identifier, echoed on the response.
	ID json.RawMessage `json:"id,omitempty"`
}

// ErrorObject is the structured error half of a response. A response carries
// a result or an error, never both.
type ErrorObject struct {
	// Code is the machine-readable failure code.
	Code string `json:"code"`
	// Message is a short human-readable description.
	Message string `json:"message"`
	// Hint suggests how the caller can recover, when recovery is expected.
	Hint string `json:"hint,omitempty"`
	// Fields enumerates schema violations for validation errors.
	Fields []FieldViolation `json:"fields,omitempty"`
}

// Response is the dispatcher's reply envelope.
type Response struct {
	// ID echoes the request identifier.
	ID json.RawMessage `json:"id,omitempty"`
	// Result is the encoded success payload.
	Result json.RawMessage `json:"result,omitempty"`
	// Error is the structured failure, exclusive with Result.
	Error *ErrorObject `json:"error,omitempty"`
}

// InitializeParams is the capability-negotiation request payload.
type InitializeParams struct {
	// ClientName identifies the connecting client implementation.
	ClientName string `json:"client_name,omitempty"`
	// ClientVersion is the client implementation version.
	ClientVersion string `json:"client_version,omitempty"`
	// SessionID optionally resumes a prior session identity.
	SessionID string `json:"session_id,omitempty"`
	// Identity declares who the caller is. Locks are advisory; the declared
	// identity is trusted the same way filesystem access already is.
	Identity *IdentityParams `json:"identity,omitempty"`
}

// IdentityParams is the caller identity declared at initialize time.
type IdentityParams struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// InitializeResult is the capability-negotiation response payload.
type InitializeResult struct {
	// ServerName identifies this server implementation.
	ServerName string `json:"server_name"`
	// ServerVersion is this server's version.
	ServerVersion string `json:"server_version"`
	// SessionID is the session identity locks and reconnects key on.
	SessionID string `json:"session_id"`
	// Tools lists the callable tool names.
	Tools []string `json:"tools"`
	// Collections lists the listable collection URIs.
	Collections []string `json:"collections"`
}

// ToolCallParams is the tools/call request payload.
type ToolCallParams struct {
	// Name is the tool to invoke.
	Name string `json:"name"`
	// Input is the tool-specific input object, still encoded.
	Input json.RawMessage `json:"input,omitempty"`
}

// ResourceListParams is the resources/list request payload.
type ResourceListParams struct {
	// Collection is the collection URI to list.
	Collection string `json:"collection"`
	// Cursor resumes a prior listing; exclusive with Page.
	Cursor string `json:"cursor,omitempty"`
	// Page is a 1-based page number for cursorless paging.
	Page int `json:"page,omitempty"`
	// PageSize is the requested page size, capped by the server.
	PageSize int `json:"page_size,omitempty"`
}

// ResourceReadParams is the resources/read request payload.
type ResourceReadParams struct {
	// URI is the artifact resource to read.
	URI string `json:"uri"`
	// Offset restarts a chunked read from a byte position.
	Offset int64 `json:"offset,omitempty"`
	// Length bounds how many bytes to return; zero means to end of artifact.
	Length int64 `json:"length,omitempty"`
}

// ResourceReadResult is one unit of a resources/read response. Small
// artifacts arrive in a single unit; large ones arrive as chunks restartable
// from NextOffset.
type ResourceReadResult struct {
	// URI echoes the resource read.
	URI string `json:"uri"`
	// Content is the chunk payload.
	Content string `json:"content"`
	// Offset is the byte position this chunk starts at.
	Offset int64 `json:"offset"`
	// EOF marks the final chunk.
	EOF bool `json:"eof"`
	// NextOffset is where a restarted read should resume; at EOF it equals
	// the artifact size.
	NextOffset int64 `json:"next_offset,omitempty"`
	// Size is the artifact's total size in bytes.
	Size int64 `json:"size"`
}

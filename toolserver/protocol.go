// Package toolserver exposes hub operations to external drivers over a
// line-delimited JSON request/response protocol on stdin/stdout. Calls are
// single-threaded per connection; concurrent drivers open independent
// connections.
package toolserver

import "encoding/json"

// Recognized methods.
const (
	MethodListTools = "list_tools"
	MethodCallTool  = "call_tool"
)

// Error codes returned in RPCError.Code.
const (
	CodeMethodNotFound = "method_not_found"
	CodeToolNotFound   = "tool_not_found"
	CodeInvalidParams  = "invalid_params"
	CodeToolFailed     = "tool_failed"
	CodeTimeout        = "timeout"
)

// Request is one line on the wire.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// CallParams are the call_tool parameters.
type CallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	TimeoutMS int            `json:"timeout_ms,omitempty"`
}

// Response is one reply line. Exactly one of Result or Error is set.
type Response struct {
	ID     string    `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

// RPCError carries a machine-readable code, a human message, and optional
// structured data.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Code + ": " + e.Message
}

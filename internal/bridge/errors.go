package bridge

import (
	"errors"

	acp "github.com/coder/acp-go-sdk"
)

var (
	// ErrUnknownAgent is returned by StartAgent for ids missing from the registry.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrNoSession is returned when a command needs a live agent session.
	ErrNoSession = errors.New("no active agent session")

	// ErrPromptInFlight is returned by SendPrompt while a previous turn is running.
	ErrPromptInFlight = errors.New("prompt already in progress")

	// ErrClosed is returned after the bridge has been closed.
	ErrClosed = errors.New("bridge closed")

	// ErrAuthLoop is returned when an agent still demands authentication
	// after one successful Authenticate call.
	ErrAuthLoop = errors.New("agent requires authentication after authenticating")

	// ErrNoAuthMethod is returned when an agent demands authentication but
	// advertised no methods during the handshake.
	ErrNoAuthMethod = errors.New("agent requires authentication but offers no auth method")
)

// JSON-RPC error codes used by ACP.
const (
	codeInvalidParams    = -32602
	codeMethodNotFound   = -32601
	codeInternalError    = -32603
	codeAuthRequired     = -32000
	codeResourceNotFound = -32002
)

// rpcCode extracts the JSON-RPC error code carried by err.
func rpcCode(err error) (int, bool) {
	var reqErr *acp.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Code, true
	}
	return 0, false
}

func isAuthRequired(err error) bool {
	code, ok := rpcCode(err)
	return ok && code == codeAuthRequired
}

// isSessionMissing reports whether a LoadSession failure means the session
// cannot be resumed and a new one should be created instead.
func isSessionMissing(err error) bool {
	code, ok := rpcCode(err)
	return ok && (code == codeMethodNotFound || code == codeResourceNotFound)
}

func methodNotFound(method string) *acp.RequestError {
	return &acp.RequestError{Code: codeMethodNotFound, Message: "Method not found: " + method}
}

func invalidParams(msg string) *acp.RequestError {
	return &acp.RequestError{Code: codeInvalidParams, Message: msg}
}

func internalError(err error) *acp.RequestError {
	return &acp.RequestError{Code: codeInternalError, Message: err.Error()}
}

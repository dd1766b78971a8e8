package gateway

import "github.com/javanstorm/vmlab/internal/bridge"

// Websocket close codes. Session closures use the 1000 and 40xx codes;
// the others reject a connection before a session exists.
const (
	CodeNormal              = 1000
	CodeGoingAway           = 1001
	CodeInternalError       = 1011
	CodeTimeout             = 4000
	CodeVMLifecycle         = 4001
	CodeUpstreamUnreachable = 4002
	CodeTransportError      = 4003
	CodeNotFound            = 4004
	CodeVMNotRunning        = 4009
	CodeSessionLimit        = 4029
	CodeBadProtocol         = 4400
)

var reasonCodes = map[bridge.Reason]int{
	bridge.ReasonNormal:              CodeNormal,
	bridge.ReasonTimeout:             CodeTimeout,
	bridge.ReasonVMLifecycle:         CodeVMLifecycle,
	bridge.ReasonUpstreamUnreachable: CodeUpstreamUnreachable,
	bridge.ReasonTransportError:      CodeTransportError,
}

// CloseCode returns the close code for a session termination reason.
func CloseCode(r bridge.Reason) int {
	if code, ok := reasonCodes[r]; ok {
		return code
	}
	return CodeInternalError
}

// Describe returns a short description of a close code, for clients.
func Describe(code int) string {
	switch code {
	case CodeNormal:
		return "session closed"
	case CodeGoingAway:
		return "server shutting down"
	case CodeTimeout:
		return "session timed out"
	case CodeVMLifecycle:
		return "VM was stopped, restarted or deleted"
	case CodeUpstreamUnreachable:
		return "VM service unreachable"
	case CodeTransportError:
		return "connection error"
	case CodeNotFound:
		return "VM not found"
	case CodeVMNotRunning:
		return "VM is not running"
	case CodeSessionLimit:
		return "VM already has a session for this protocol"
	case CodeBadProtocol:
		return "unknown protocol"
	}
	return "connection closed"
}

package session

import (
	"encoding/json"
	"fmt"

	"github.com/juju/errors"
)

// ClosedError is returned to every call pending or queued when its session dies.
type ClosedError struct {
	Endpoint string
	Reason   error
}

func (e *ClosedError) Error() string {
	if e.Reason == nil {
		return fmt.Sprintf("session %s closed", e.Endpoint)
	}
	return fmt.Sprintf("session %s closed: %v", e.Endpoint, e.Reason)
}

func IsClosed(err error) bool {
	_, ok := errors.Cause(err).(*ClosedError)
	return ok
}

// RPCError is device reply without "result". Payload is raw "error" field, may be empty.
type RPCError struct {
	Endpoint string
	Method   string
	ID       uint32
	Payload  json.RawMessage
}

func (e *RPCError) Error() string {
	if len(e.Payload) == 0 {
		return fmt.Sprintf("rpc %s method=%s id=%d error without payload", e.Endpoint, e.Method, e.ID)
	}
	return fmt.Sprintf("rpc %s method=%s id=%d error=%s", e.Endpoint, e.Method, e.ID, string(e.Payload))
}

func IsRPCError(err error) bool {
	_, ok := errors.Cause(err).(*RPCError)
	return ok
}

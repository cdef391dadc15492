package registry

import "errors"

// ErrWorkerNotRegistered is the protocol-success "re-register" signal for a
// heartbeat from an unknown worker_id. It is deliberately not wrapped in
// the ValidationError family: the HTTP layer maps it to 404, not an
// exception path.
var ErrWorkerNotRegistered = errors.New("registry: worker not registered")

// ErrNoWorkerAvailable is returned by Route when no healthy worker
// advertises the requested capability.
var ErrNoWorkerAvailable = errors.New("registry: no worker available")

// ValidationError reports a single offending field rejected by
// SchemaValidator during Register. Field is surfaced on the wire so the
// caller can react without string-parsing the message.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "registry: invalid capability: " + e.Field + ": " + e.Message
}

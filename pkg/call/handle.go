package call

import (
	"p2p-call/pkg/session"
	"p2p-call/pkg/signal"
)

// Handle is the caller's grip on one running call.
type Handle struct {
	machine   *session.Machine
	transport session.Transport
}

func (h *Handle) ID() signal.SessionID {
	return h.machine.ID()
}

func (h *Handle) Role() session.Role {
	return h.machine.Role()
}

func (h *Handle) State() session.State {
	return h.machine.State()
}

// Transport returns the transport negotiated by this call.
func (h *Handle) Transport() session.Transport {
	return h.transport
}

// Connected is closed once the peers reach each other.
func (h *Handle) Connected() <-chan struct{} {
	return h.machine.Connected()
}

func (h *Handle) Done() <-chan struct{} {
	return h.machine.Done()
}

// Err is the reason the call ended, nil after a local hangup.
func (h *Handle) Err() error {
	return h.machine.Err()
}

// Hangup ends the call. Calling it again is a no-op.
func (h *Handle) Hangup() error {
	return h.machine.Close()
}

package session

import (
	"github.com/pkg/errors"
)

var (
	// ErrNegotiationFailed is returned when the transport rejects an offer, an
	// answer or a description. It is never retried.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrConnectionFailed is the close reason after the transport reported a
	// fatal connection state.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrRemoteHangup is the close reason after the creator marked the session
	// closed.
	ErrRemoteHangup = errors.New("remote hangup")

	// ErrWrongState is returned by Offer or Answer on a machine of the other
	// role or one that already started.
	ErrWrongState = errors.New("wrong session state")
)

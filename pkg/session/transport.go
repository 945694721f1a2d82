package session

import (
	"context"

	"p2p-call/pkg/signal"
)

type ConnectionState int

const (
	ConnectionConnecting ConnectionState = iota
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	}

	return "unknown"
}

// Transport is the negotiation engine driven by a Machine. Handlers must be
// registered before the first description is created; implementations may
// invoke them from any goroutine.
type Transport interface {
	CreateOffer(ctx context.Context) (signal.Description, error)
	CreateAnswer(ctx context.Context) (signal.Description, error)
	SetLocalDescription(ctx context.Context, d signal.Description) error
	SetRemoteDescription(ctx context.Context, d signal.Description) error
	AddICECandidate(c signal.Candidate) error

	OnICECandidate(func(signal.Candidate))
	OnConnectionStateChange(func(ConnectionState))

	Close() error
}

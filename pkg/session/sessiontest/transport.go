// Package sessiontest provides a scripted session.Transport for tests.
package sessiontest

import (
	"context"
	"sync"
	"testing"
	"time"

	"p2p-call/pkg/session"
	"p2p-call/pkg/signal"

	"github.com/pkg/errors"
)

// Compile-time interface check.
var _ session.Transport = (*FakeTransport)(nil)

// FakeTransport records every call in order and lets tests inject failures,
// local candidates and connection states.
type FakeTransport struct {
	// Fail* make the matching call return the error.
	FailCreateOffer  error
	FailCreateAnswer error
	FailSetRemote    error
	FailAddCandidate error

	// Gathered are emitted as local candidates by SetLocalDescription, the
	// way a peer connection starts gathering.
	Gathered []signal.Candidate

	mu      sync.Mutex
	calls   []string
	remote  []signal.Description
	local   []signal.Description
	applied []signal.Candidate
	closed  int

	onCandidate func(signal.Candidate)
	onState     func(session.ConnectionState)
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		onCandidate: func(signal.Candidate) {},
		onState:     func(session.ConnectionState) {},
	}
}

func (f *FakeTransport) CreateOffer(context.Context) (signal.Description, error) {
	f.record("CreateOffer")

	if f.FailCreateOffer != nil {
		return signal.Description{}, f.FailCreateOffer
	}

	return signal.Description{Type: "offer", SDP: "v=0 fake offer"}, nil
}

func (f *FakeTransport) CreateAnswer(context.Context) (signal.Description, error) {
	f.record("CreateAnswer")

	if f.FailCreateAnswer != nil {
		return signal.Description{}, f.FailCreateAnswer
	}

	return signal.Description{Type: "answer", SDP: "v=0 fake answer"}, nil
}

func (f *FakeTransport) SetLocalDescription(_ context.Context, d signal.Description) error {
	f.mu.Lock()
	f.calls = append(f.calls, "SetLocalDescription "+d.Type)
	f.local = append(f.local, d)
	h := f.onCandidate
	f.mu.Unlock()

	for _, c := range f.Gathered {
		h(c)
	}

	return nil
}

func (f *FakeTransport) SetRemoteDescription(_ context.Context, d signal.Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "SetRemoteDescription "+d.Type)

	if f.FailSetRemote != nil {
		return f.FailSetRemote
	}

	f.remote = append(f.remote, d)

	return nil
}

func (f *FakeTransport) AddICECandidate(c signal.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "AddICECandidate "+c.Candidate)

	if f.FailAddCandidate != nil {
		return f.FailAddCandidate
	}

	if len(f.remote) == 0 {
		return errors.New("remote description not set")
	}

	f.applied = append(f.applied, c)

	return nil
}

func (f *FakeTransport) OnICECandidate(h func(signal.Candidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onCandidate = h
}

func (f *FakeTransport) OnConnectionStateChange(h func(session.ConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onState = h
}

// Close reports ConnectionClosed the first time, like a real peer connection.
func (f *FakeTransport) Close() error {
	f.mu.Lock()
	f.calls = append(f.calls, "Close")
	f.closed++
	first := f.closed == 1
	h := f.onState
	f.mu.Unlock()

	if first {
		h(session.ConnectionClosed)
	}

	return nil
}

// EmitCandidate simulates the discovery of a local candidate.
func (f *FakeTransport) EmitCandidate(c signal.Candidate) {
	f.mu.Lock()
	h := f.onCandidate
	f.mu.Unlock()

	h(c)
}

// EmitState simulates a connection state change.
func (f *FakeTransport) EmitState(s session.ConnectionState) {
	f.mu.Lock()
	h := f.onState
	f.mu.Unlock()

	h(s)
}

func (f *FakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func (f *FakeTransport) RemoteDescriptions() []signal.Description {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]signal.Description(nil), f.remote...)
}

func (f *FakeTransport) LocalDescriptions() []signal.Description {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]signal.Description(nil), f.local...)
}

func (f *FakeTransport) Applied() []signal.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]signal.Candidate(nil), f.applied...)
}

func (f *FakeTransport) CloseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

// Eventually fails the test unless cond holds within a few seconds.
func Eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(time.Millisecond)
	}
}

func (f *FakeTransport) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call)
}

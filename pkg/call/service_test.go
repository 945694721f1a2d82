package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"p2p-call/pkg/session"
	"p2p-call/pkg/session/sessiontest"
	"p2p-call/pkg/signal"
)

// fakeDialer hands out fake transports and remembers them.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*sessiontest.FakeTransport
}

func (d *fakeDialer) dial() (session.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := sessiontest.NewFakeTransport()
	d.transports = append(d.transports, t)

	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.transports)
}

func (d *fakeDialer) last() *sessiontest.FakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.transports[len(d.transports)-1]
}

func newTestService(store signal.Store, d *fakeDialer) *Service {
	channel := signal.NewChannel(signal.ChannelConfig{Attempts: 3, BaseDelay: time.Millisecond}, store)

	return NewService(ServiceConfig{CloseTimeout: time.Second}, channel, d.dial)
}

func TestService_JoinReadsTheStoredOffer(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()

	callerDialer := &fakeDialer{}
	calleeDialer := &fakeDialer{}

	id, caller, err := newTestService(store, callerDialer).CreateCall(ctx)
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	defer caller.Hangup()

	if id == "" || caller.ID() != id {
		t.Fatalf("CreateCall id = %q, handle id = %q", id, caller.ID())
	}

	doc, _ := store.GetSession(ctx, id)
	if doc.Offer == nil || *doc.Offer != (signal.Description{Type: "offer", SDP: "v=0 fake offer"}) {
		t.Fatalf("stored offer = %v", doc.Offer)
	}

	callee, err := newTestService(store, calleeDialer).JoinCall(ctx, id)
	if err != nil {
		t.Fatalf("JoinCall: %v", err)
	}
	defer callee.Hangup()

	remote := calleeDialer.last().RemoteDescriptions()
	if len(remote) != 1 || remote[0] != *doc.Offer {
		t.Errorf("callee remote descriptions = %v, want [%v]", remote, *doc.Offer)
	}

	if callee.Role() != session.RoleCallee || callee.State() != session.StateNegotiating {
		t.Errorf("callee = %s/%s, want callee/negotiating", callee.Role(), callee.State())
	}
}

func TestService_JoinUnknownSession(t *testing.T) {
	d := &fakeDialer{}
	svc := newTestService(signal.NewMemoryStore(), d)

	h, err := svc.JoinCall(context.Background(), "ghost")
	if !errors.Is(err, signal.ErrInvalidSession) {
		t.Fatalf("JoinCall(ghost) error = %v, want ErrInvalidSession", err)
	}

	if h != nil {
		t.Error("JoinCall(ghost) returned a handle")
	}

	if d.count() != 0 {
		t.Errorf("%d transports created for an unknown session", d.count())
	}

	if _, ok := svc.Active("ghost"); ok {
		t.Error("unknown session registered as active")
	}
}

func TestService_JoinSessionWithoutOffer(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()
	d := &fakeDialer{}

	id, _ := store.CreateSession(ctx)

	if _, err := newTestService(store, d).JoinCall(ctx, id); !errors.Is(err, signal.ErrInvalidSession) {
		t.Fatalf("JoinCall error = %v, want ErrInvalidSession", err)
	}

	if d.count() != 0 {
		t.Errorf("%d transports created for a session without offer", d.count())
	}
}

func TestService_JoinAnsweredSession(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()

	id, caller, err := newTestService(store, &fakeDialer{}).CreateCall(ctx)
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	defer caller.Hangup()

	first, err := newTestService(store, &fakeDialer{}).JoinCall(ctx, id)
	if err != nil {
		t.Fatalf("first JoinCall: %v", err)
	}
	defer first.Hangup()

	d := &fakeDialer{}

	if _, err := newTestService(store, d).JoinCall(ctx, id); !errors.Is(err, signal.ErrAlreadyAnswered) {
		t.Fatalf("second JoinCall error = %v, want ErrAlreadyAnswered", err)
	}

	if d.count() != 0 {
		t.Error("transport created for an answered session")
	}
}

func TestService_OneHandlePerSession(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()
	svc := newTestService(store, &fakeDialer{})

	id, caller, err := svc.CreateCall(ctx)
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	if _, err := svc.JoinCall(ctx, id); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("JoinCall on own session error = %v, want ErrSessionActive", err)
	}

	if err := caller.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}

	sessiontest.Eventually(t, "handle release", func() bool {
		_, ok := svc.Active(id)
		return !ok
	})
}

func TestService_HangupTwice(t *testing.T) {
	_, h, err := newTestService(signal.NewMemoryStore(), &fakeDialer{}).CreateCall(context.Background())
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	if err := h.Hangup(); err != nil {
		t.Fatalf("first Hangup: %v", err)
	}

	if err := h.Hangup(); err != nil {
		t.Errorf("second Hangup: %v", err)
	}

	if h.State() != session.StateClosed || h.Err() != nil {
		t.Errorf("after hangup state = %s, err = %v; want closed, nil", h.State(), h.Err())
	}
}

func TestService_CreateCallNegotiationFailure(t *testing.T) {
	failing := func() (session.Transport, error) {
		tr := sessiontest.NewFakeTransport()
		tr.FailCreateOffer = errors.New("no codecs")

		return tr, nil
	}

	channel := signal.NewChannel(signal.DefaultChannelConfig(), signal.NewMemoryStore())
	svc := NewService(ServiceConfig{}, channel, failing)

	id, h, err := svc.CreateCall(context.Background())
	if !errors.Is(err, session.ErrNegotiationFailed) {
		t.Fatalf("CreateCall error = %v, want ErrNegotiationFailed", err)
	}

	if id == "" || h == nil {
		t.Fatalf("CreateCall = %q, %v; want the session and its handle", id, h)
	}

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("failed call not closed")
	}
}

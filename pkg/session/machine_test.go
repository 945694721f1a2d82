package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"p2p-call/pkg/session"
	"p2p-call/pkg/session/sessiontest"
	"p2p-call/pkg/signal"
)

type fixture struct {
	store   *signal.MemoryStore
	channel *signal.Channel
	id      signal.SessionID
}

func newFixture(t *testing.T, store signal.Store) fixture {
	t.Helper()

	memory, _ := store.(*signal.MemoryStore)
	if d, ok := store.(*duplicatingStore); ok {
		memory = d.MemoryStore
	}

	channel := signal.NewChannel(signal.ChannelConfig{Attempts: 3, BaseDelay: time.Millisecond}, store)

	id, err := channel.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	return fixture{store: memory, channel: channel, id: id}
}

func (f fixture) machine(role session.Role, transport session.Transport) *session.Machine {
	return session.NewMachine(session.MachineConfig{
		ID:           f.id,
		Role:         role,
		CloseTimeout: time.Second,
	}, f.channel, transport)
}

func remoteCandidate(n int) signal.Candidate {
	mid := "0"

	return signal.Candidate{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 198.51.100.7 %d typ host", n, 40000+n),
		SDPMid:    &mid,
	}
}

// sameCandidate compares by value; SDPMid and UsernameFragment are pointers.
func sameCandidate(a, b signal.Candidate) bool {
	return a.Candidate == b.Candidate &&
		a.SDPMLineIndex == b.SDPMLineIndex &&
		sameString(a.SDPMid, b.SDPMid) &&
		sameString(a.UsernameFragment, b.UsernameFragment)
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

// noCandidates fails unless the side of the session holds no candidate.
func noCandidates(t *testing.T, f fixture, side signal.Side) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := f.store.WatchCandidates(ctx, f.id, side)
	if err != nil {
		t.Fatalf("WatchCandidates: %v", err)
	}

	select {
	case u := <-updates:
		t.Errorf("%s holds %q", side.Collection(), u.Candidate.Candidate)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitDone(t *testing.T, m *session.Machine) {
	t.Helper()

	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session still %s", m.State())
	}
}

// duplicatingStore delivers every session snapshot twice.
type duplicatingStore struct {
	*signal.MemoryStore
}

func (s *duplicatingStore) WatchSession(ctx context.Context, id signal.SessionID) (<-chan signal.SessionUpdate, error) {
	in, err := s.MemoryStore.WatchSession(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make(chan signal.SessionUpdate)

	go func() {
		defer close(out)

		for u := range in {
			for i := 0; i < 2; i++ {
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func TestMachine_CallerQueuesCandidatesUntilAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, signal.NewMemoryStore())
	transport := sessiontest.NewFakeTransport()

	m := f.machine(session.RoleCaller, transport)
	defer m.Close()

	if err := m.Offer(ctx); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	for i := 1; i <= 2; i++ {
		if err := f.store.AddCandidate(ctx, f.id, signal.SideAnswer, remoteCandidate(i)); err != nil {
			t.Fatalf("AddCandidate: %v", err)
		}
	}

	// Give the candidate feed time to deliver c1 and c2 before the answer.
	time.Sleep(20 * time.Millisecond)

	if applied := transport.Applied(); len(applied) != 0 {
		t.Fatalf("applied before answer: %v", applied)
	}

	answer := signal.Description{Type: "answer", SDP: "v=0 answer"}
	if err := f.store.PutDescription(ctx, f.id, signal.SideAnswer, answer); err != nil {
		t.Fatalf("PutDescription: %v", err)
	}

	sessiontest.Eventually(t, "queued candidates", func() bool { return len(transport.Applied()) == 2 })

	if err := f.store.AddCandidate(ctx, f.id, signal.SideAnswer, remoteCandidate(3)); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}

	sessiontest.Eventually(t, "late candidate", func() bool { return len(transport.Applied()) == 3 })

	applied := transport.Applied()
	for i, c := range applied {
		if !sameCandidate(c, remoteCandidate(i+1)) {
			t.Errorf("applied[%d] = %q, want %q", i, c.Candidate, remoteCandidate(i+1).Candidate)
		}
	}

	if remote := transport.RemoteDescriptions(); len(remote) != 1 || remote[0] != answer {
		t.Errorf("remote descriptions = %v, want [%v]", remote, answer)
	}

	doc, _ := f.store.GetSession(ctx, f.id)
	if doc.Offer == nil || *doc.Offer != transport.LocalDescriptions()[0] {
		t.Errorf("stored offer = %v, want the local offer", doc.Offer)
	}
}

func TestMachine_DuplicateSnapshotsApplyAnswerOnce(t *testing.T) {
	ctx := context.Background()
	store := &duplicatingStore{MemoryStore: signal.NewMemoryStore()}
	f := newFixture(t, store)
	transport := sessiontest.NewFakeTransport()

	m := f.machine(session.RoleCaller, transport)
	defer m.Close()

	if err := m.Offer(ctx); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	if err := f.store.PutDescription(ctx, f.id, signal.SideAnswer, signal.Description{Type: "answer", SDP: "v=0"}); err != nil {
		t.Fatalf("PutDescription: %v", err)
	}

	sessiontest.Eventually(t, "answer", func() bool { return len(transport.RemoteDescriptions()) == 1 })

	if err := f.store.AddCandidate(ctx, f.id, signal.SideAnswer, remoteCandidate(1)); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}

	sessiontest.Eventually(t, "candidate", func() bool { return len(transport.Applied()) == 1 })
	time.Sleep(20 * time.Millisecond)

	if n := len(transport.RemoteDescriptions()); n != 1 {
		t.Errorf("SetRemoteDescription applied %d times, want 1", n)
	}
}

func TestMachine_HangupTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, signal.NewMemoryStore())
	transport := sessiontest.NewFakeTransport()

	m := f.machine(session.RoleCaller, transport)

	if err := m.Offer(ctx); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if m.State() != session.StateClosed {
		t.Errorf("state = %s, want closed", m.State())
	}

	if m.Err() != nil {
		t.Errorf("Err() = %v, want nil after local hangup", m.Err())
	}

	if n := transport.CloseCount(); n != 1 {
		t.Errorf("transport closed %d times, want 1", n)
	}

	waitDone(t, m)

	doc, _ := f.store.GetSession(ctx, f.id)
	if !doc.Closed {
		t.Error("caller hangup did not mark the session closed")
	}
}

func TestMachine_CloseBeforeStart(t *testing.T) {
	f := newFixture(t, signal.NewMemoryStore())
	m := f.machine(session.RoleCaller, sessiontest.NewFakeTransport())

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	waitDone(t, m)

	if err := m.Offer(context.Background()); !errors.Is(err, session.ErrWrongState) {
		t.Errorf("Offer after Close error = %v, want ErrWrongState", err)
	}

	doc, _ := f.store.GetSession(context.Background(), f.id)
	if doc.Closed {
		t.Error("idle machine marked the session closed")
	}
}

func TestMachine_NegotiationFailureCloses(t *testing.T) {
	f := newFixture(t, signal.NewMemoryStore())
	transport := sessiontest.NewFakeTransport()
	transport.FailCreateOffer = errors.New("no media")

	m := f.machine(session.RoleCaller, transport)

	err := m.Offer(context.Background())
	if !errors.Is(err, session.ErrNegotiationFailed) {
		t.Fatalf("Offer error = %v, want ErrNegotiationFailed", err)
	}

	waitDone(t, m)

	if !errors.Is(m.Err(), session.ErrNegotiationFailed) {
		t.Errorf("Err() = %v, want ErrNegotiationFailed", m.Err())
	}

	doc, _ := f.store.GetSession(context.Background(), f.id)
	if doc.Offer != nil {
		t.Errorf("offer written despite failure: %v", doc.Offer)
	}
}

func TestMachine_CalleeRejectedOffer(t *testing.T) {
	f := newFixture(t, signal.NewMemoryStore())
	transport := sessiontest.NewFakeTransport()
	transport.FailSetRemote = errors.New("malformed sdp")

	m := f.machine(session.RoleCallee, transport)

	err := m.Answer(context.Background(), signal.Description{Type: "offer", SDP: "garbage"})
	if !errors.Is(err, session.ErrNegotiationFailed) {
		t.Fatalf("Answer error = %v, want ErrNegotiationFailed", err)
	}

	waitDone(t, m)

	for _, call := range transport.Calls() {
		if call == "CreateAnswer" {
			t.Error("answer created after the offer was rejected")
		}
	}
}

func TestMachine_CalleeAlreadyAnswered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, signal.NewMemoryStore())

	if err := f.store.PutDescription(ctx, f.id, signal.SideAnswer, signal.Description{Type: "answer", SDP: "v=0 other"}); err != nil {
		t.Fatalf("PutDescription: %v", err)
	}

	m := f.machine(session.RoleCallee, sessiontest.NewFakeTransport())

	err := m.Answer(ctx, signal.Description{Type: "offer", SDP: "v=0"})
	if !errors.Is(err, signal.ErrAlreadyAnswered) {
		t.Fatalf("Answer error = %v, want ErrAlreadyAnswered", err)
	}

	waitDone(t, m)
}

func TestMachine_RefusedAnswerPublishesNoCandidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, signal.NewMemoryStore())

	winner := f.machine(session.RoleCallee, sessiontest.NewFakeTransport())
	defer winner.Close()

	if err := winner.Answer(ctx, signal.Description{Type: "offer", SDP: "v=0"}); err != nil {
		t.Fatalf("winner Answer: %v", err)
	}

	transport := sessiontest.NewFakeTransport()
	transport.Gathered = []signal.Candidate{remoteCandidate(99)}

	loser := f.machine(session.RoleCallee, transport)

	err := loser.Answer(ctx, signal.Description{Type: "offer", SDP: "v=0"})
	if !errors.Is(err, signal.ErrAlreadyAnswered) {
		t.Fatalf("Answer error = %v, want ErrAlreadyAnswered", err)
	}

	waitDone(t, loser)
	noCandidates(t, f, signal.SideAnswer)
}

func TestMachine_PublishesCandidatesGatheredBeforeOffer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, signal.NewMemoryStore())
	transport := sessiontest.NewFakeTransport()
	transport.Gathered = []signal.Candidate{remoteCandidate(1), remoteCandidate(2)}

	m := f.machine(session.RoleCaller, transport)
	defer m.Close()

	if err := m.Offer(ctx); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	updates, err := f.store.WatchCandidates(ctx, f.id, signal.SideOffer)
	if err != nil {
		t.Fatalf("WatchCandidates: %v", err)
	}

	for i := 1; i <= 2; i++ {
		select {
		case u := <-updates:
			if !sameCandidate(u.Candidate, remoteCandidate(i)) {
				t.Fatalf("published %q, want %q", u.Candidate.Candidate, remoteCandidate(i).Candidate)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("candidate %d not published", i)
		}
	}
}

func TestMachine_CloseDiscardsQueuedCandidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, signal.NewMemoryStore())
	transport := sessiontest.NewFakeTransport()

	m := f.machine(session.RoleCaller, transport)

	if err := m.Offer(ctx); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := f.store.AddCandidate(ctx, f.id, signal.SideAnswer, remoteCandidate(i)); err != nil {
			t.Fatalf("AddCandidate: %v", err)
		}
	}

	// Let the feed queue them.
	time.Sleep(20 * time.Millisecond)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	waitDone(t, m)

	if err := f.store.PutDescription(ctx, f.id, signal.SideAnswer, signal.Description{Type: "answer", SDP: "v=0"}); err != nil {
		t.Fatalf("PutDescription: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if remote := transport.RemoteDescriptions(); len(remote) != 0 {
		t.Errorf("answer applied after close: %v", remote)
	}

	if applied := transport.Applied(); len(applied) != 0 {
		t.Errorf("queued candidates applied after close: %d", len(applied))
	}
}

func TestMachine_CloseWhileFeedsDeliver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &duplicatingStore{MemoryStore: signal.NewMemoryStore()})
	transport := sessiontest.NewFakeTransport()

	m := f.machine(session.RoleCaller, transport)

	if err := m.Offer(ctx); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	stop := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}

			if err := f.store.AddCandidate(ctx, f.id, signal.SideAnswer, remoteCandidate(i)); err != nil {
				t.Errorf("AddCandidate: %v", err)

				return
			}

			time.Sleep(100 * time.Microsecond)
		}
	}()

	defer func() {
		close(stop)
		wg.Wait()
	}()

	// Some candidates arrive before the answer and are queued.
	time.Sleep(5 * time.Millisecond)

	if err := f.store.PutDescription(ctx, f.id, signal.SideAnswer, signal.Description{Type: "answer", SDP: "v=0"}); err != nil {
		t.Fatalf("PutDescription: %v", err)
	}

	sessiontest.Eventually(t, "candidates applied", func() bool { return len(transport.Applied()) > 0 })

	var closers sync.WaitGroup

	for i := 0; i < 4; i++ {
		closers.Add(1)

		go func() {
			defer closers.Done()

			m.Close()
		}()
	}

	closers.Wait()
	waitDone(t, m)

	applied := len(transport.Applied())

	time.Sleep(20 * time.Millisecond)

	if n := len(transport.Applied()); n != applied {
		t.Errorf("%d candidates applied after Done", n-applied)
	}

	if n := transport.CloseCount(); n != 1 {
		t.Errorf("transport closed %d times, want 1", n)
	}

	if m.Err() != nil {
		t.Errorf("Err() = %v, want nil after local hangup", m.Err())
	}
}

func TestMachine_CalleeObservesRemoteHangup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, signal.NewMemoryStore())

	m := f.machine(session.RoleCallee, sessiontest.NewFakeTransport())
	defer m.Close()

	if err := m.Answer(ctx, signal.Description{Type: "offer", SDP: "v=0"}); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if err := f.store.CloseSession(ctx, f.id); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	waitDone(t, m)

	if !errors.Is(m.Err(), session.ErrRemoteHangup) {
		t.Errorf("Err() = %v, want ErrRemoteHangup", m.Err())
	}
}

func TestMachine_PublishesLocalCandidatesInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, signal.NewMemoryStore())
	transport := sessiontest.NewFakeTransport()

	m := f.machine(session.RoleCallee, transport)
	defer m.Close()

	if err := m.Answer(ctx, signal.Description{Type: "offer", SDP: "v=0"}); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	for i := 0; i < 5; i++ {
		transport.EmitCandidate(remoteCandidate(i))
	}

	updates, err := f.store.WatchCandidates(ctx, f.id, signal.SideAnswer)
	if err != nil {
		t.Fatalf("WatchCandidates: %v", err)
	}

	for i := 0; i < 5; i++ {
		select {
		case u := <-updates:
			if !sameCandidate(u.Candidate, remoteCandidate(i)) {
				t.Fatalf("published[%d] = %q, want %q", i, u.Candidate.Candidate, remoteCandidate(i).Candidate)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("candidate %d not published", i)
		}
	}
}

func TestMachine_ConnectionStates(t *testing.T) {
	f := newFixture(t, signal.NewMemoryStore())
	transport := sessiontest.NewFakeTransport()

	m := f.machine(session.RoleCaller, transport)

	if err := m.Offer(context.Background()); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	transport.EmitState(session.ConnectionConnected)

	select {
	case <-m.Connected():
	case <-time.After(time.Second):
		t.Fatal("Connected() not closed")
	}

	if m.State() != session.StateConnected {
		t.Fatalf("state = %s, want connected", m.State())
	}

	transport.EmitState(session.ConnectionDisconnected)

	if m.State() != session.StateConnected {
		t.Fatalf("state after disconnect = %s, want connected", m.State())
	}

	transport.EmitState(session.ConnectionFailed)
	waitDone(t, m)

	if !errors.Is(m.Err(), session.ErrConnectionFailed) {
		t.Errorf("Err() = %v, want ErrConnectionFailed", m.Err())
	}
}

// Two machines over one store, candidates flowing both ways.
func TestMachine_CallerAndCallee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, signal.NewMemoryStore())

	callerTransport := sessiontest.NewFakeTransport()
	calleeTransport := sessiontest.NewFakeTransport()

	caller := f.machine(session.RoleCaller, callerTransport)
	defer caller.Close()

	callee := f.machine(session.RoleCallee, calleeTransport)
	defer callee.Close()

	if err := caller.Offer(ctx); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	callerTransport.EmitCandidate(remoteCandidate(1))

	doc, err := f.channel.GetSession(ctx, f.id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	if err := callee.Answer(ctx, *doc.Offer); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	calleeTransport.EmitCandidate(remoteCandidate(2))
	callerTransport.EmitCandidate(remoteCandidate(3))

	sessiontest.Eventually(t, "caller candidates", func() bool { return len(calleeTransport.Applied()) == 2 })
	sessiontest.Eventually(t, "callee candidates", func() bool { return len(callerTransport.Applied()) == 1 })

	if got := calleeTransport.Applied(); !sameCandidate(got[0], remoteCandidate(1)) || !sameCandidate(got[1], remoteCandidate(3)) {
		t.Errorf("callee applied %v, want c1 then c3", got)
	}

	if got := callerTransport.RemoteDescriptions(); got[0].Type != "answer" {
		t.Errorf("caller remote = %v, want the answer", got)
	}

	if err := caller.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	waitDone(t, callee)

	if !errors.Is(callee.Err(), session.ErrRemoteHangup) {
		t.Errorf("callee Err() = %v, want ErrRemoteHangup", callee.Err())
	}
}

package session

import (
	"context"
	"sync"
	"time"

	"p2p-call/pkg/log"
	"p2p-call/pkg/signal"

	"github.com/pkg/errors"
)

type MachineConfig struct {
	ID   signal.SessionID
	Role Role
	// CloseTimeout bounds the best-effort write marking the session closed.
	CloseTimeout time.Duration
}

// Machine drives one participant of one session. It is the only owner of its
// transport; every change of state, of the candidate queue and of the remote
// description happens under mu.
type Machine struct {
	cfg MachineConfig

	channel   *signal.Channel
	transport Transport
	queue     *CandidateQueue
	outbox    *outbox
	logger    *log.Entry

	mu    sync.Mutex
	state State
	err   error

	// ctx lives as long as the machine; subscriptions and the candidate
	// publisher stop when it is cancelled.
	ctx    context.Context
	cancel context.CancelFunc

	connected chan struct{}
	done      chan struct{}
}

func NewMachine(cfg MachineConfig, channel *signal.Channel, transport Transport) *Machine {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Machine{
		cfg:       cfg,
		channel:   channel,
		transport: transport,
		queue:     NewCandidateQueue(),
		outbox:    newOutbox(),
		logger:    log.WithFields(log.Fields{"session": cfg.ID, "role": cfg.Role}),
		ctx:       ctx,
		cancel:    cancel,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}

	m.transport.OnICECandidate(m.outbox.push)
	m.transport.OnConnectionStateChange(m.onConnectionState)

	return m
}

func (m *Machine) ID() signal.SessionID {
	return m.cfg.ID
}

func (m *Machine) Role() Role {
	return m.cfg.Role
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Err returns the reason the session closed. It is nil while the session is
// open and after a local hangup.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.err
}

// Connected is closed once the transport reports an established connection.
func (m *Machine) Connected() <-chan struct{} {
	return m.connected
}

// Done is closed once the session reached Closed and its resources are
// released.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Offer runs the caller side: it publishes an offer and starts following the
// answer and the answer-side candidates.
func (m *Machine) Offer(ctx context.Context) error {
	if err := m.begin(RoleCaller); err != nil {
		return err
	}

	offer, err := m.transport.CreateOffer(ctx)
	if err != nil {
		return m.fail(signal.Classify(ErrNegotiationFailed, errors.Wrap(err, "create offer")))
	}

	if err := m.transport.SetLocalDescription(ctx, offer); err != nil {
		return m.fail(signal.Classify(ErrNegotiationFailed, errors.Wrap(err, "set local description")))
	}

	if err := m.channel.PutOffer(ctx, m.cfg.ID, offer); err != nil {
		return m.fail(err)
	}

	m.logger.Info("offer published, waiting for answer")

	go m.publish()

	return m.subscribe(signal.SideAnswer)
}

// Answer runs the callee side against an offer read from the session
// document.
func (m *Machine) Answer(ctx context.Context, offer signal.Description) error {
	if err := m.begin(RoleCallee); err != nil {
		return err
	}

	if err := m.setRemoteDescription(ctx, offer); err != nil {
		return m.fail(err)
	}

	answer, err := m.transport.CreateAnswer(ctx)
	if err != nil {
		return m.fail(signal.Classify(ErrNegotiationFailed, errors.Wrap(err, "create answer")))
	}

	if err := m.transport.SetLocalDescription(ctx, answer); err != nil {
		return m.fail(signal.Classify(ErrNegotiationFailed, errors.Wrap(err, "set local description")))
	}

	if err := m.channel.PutAnswer(ctx, m.cfg.ID, answer); err != nil {
		return m.fail(err)
	}

	m.logger.Info("answer published")

	go m.publish()

	return m.subscribe(signal.SideOffer)
}

// Close hangs up. It may be called from any goroutine and any number of
// times; only the first call does anything.
func (m *Machine) Close() error {
	return m.close(nil)
}

func (m *Machine) begin(role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Role != role || m.state != StateIdle {
		return errors.Wrapf(ErrWrongState, "%s cannot start from %s", m.cfg.Role, m.state)
	}

	m.state = StateNegotiating

	return nil
}

// subscribe follows the session document and the remote candidate collection.
// A subscription that cannot be established is reported but leaves the
// session negotiating: the written description stays valid for the peer.
func (m *Machine) subscribe(remote signal.Side) error {
	docs, err := m.channel.SubscribeSession(m.ctx, m.cfg.ID)
	if err != nil {
		return errors.Wrap(err, "subscribe session")
	}

	go m.followSession(docs)

	candidates, err := m.channel.SubscribeCandidates(m.ctx, m.cfg.ID, remote)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", remote.Collection())
	}

	go m.followCandidates(candidates)

	return nil
}

func (m *Machine) followSession(updates <-chan signal.SessionUpdate) {
	for u := range updates {
		if u.Err != nil {
			m.fail(u.Err)

			return
		}

		m.onDocument(u.Document)
	}
}

func (m *Machine) followCandidates(updates <-chan signal.CandidateUpdate) {
	for u := range updates {
		if u.Err != nil {
			m.fail(u.Err)

			return
		}

		m.onRemoteCandidate(u.Candidate)
	}
}

func (m *Machine) onDocument(doc signal.Document) {
	if m.cfg.Role == RoleCallee {
		if doc.Closed {
			m.logger.Info("caller hung up")
			m.close(ErrRemoteHangup)
		}

		return
	}

	if doc.Answer == nil {
		return
	}

	if err := m.setRemoteDescription(m.ctx, *doc.Answer); err != nil {
		m.fail(err)
	}
}

// setRemoteDescription applies d once and releases the queued candidates right
// after it, before any other candidate can reach the transport. Snapshots
// delivered again after that are ignored.
func (m *Machine) setRemoteDescription(ctx context.Context, d signal.Description) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed || m.queue.Ready() {
		return nil
	}

	if err := m.transport.SetRemoteDescription(ctx, d); err != nil {
		return signal.Classify(ErrNegotiationFailed, errors.Wrap(err, "set remote description"))
	}

	pending := m.queue.Drain()
	m.logger.Infof("remote %s applied, %d queued candidates", d.Type, len(pending))

	for _, c := range pending {
		m.addCandidate(c)
	}

	return nil
}

func (m *Machine) onRemoteCandidate(c signal.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return
	}

	if m.queue.Enqueue(c) {
		m.addCandidate(c)
	}
}

// addCandidate must be called with mu held. A rejected candidate only loses
// one network path, so it does not end the session.
func (m *Machine) addCandidate(c signal.Candidate) {
	if err := m.transport.AddICECandidate(c); err != nil {
		m.logger.Warnf("remote candidate rejected: %v", err)
	}
}

func (m *Machine) onConnectionState(state ConnectionState) {
	m.logger.Info("connection state changed: ", state)

	switch state {
	case ConnectionConnected:
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.state == StateNegotiating {
			m.state = StateConnected
			close(m.connected)
		}
	case ConnectionDisconnected:
		m.logger.Warn("connection interrupted, waiting for it to recover")
	case ConnectionFailed, ConnectionClosed:
		m.close(signal.Classify(ErrConnectionFailed, errors.Errorf("transport %s", state)))
	}
}

// publish writes local candidates to the store in discovery order. It starts
// once the local description is stored; candidates gathered before that wait
// in the outbox, and a participant whose description was refused never
// writes any.
func (m *Machine) publish() {
	local := signal.SideOffer
	if m.cfg.Role == RoleCallee {
		local = signal.SideAnswer
	}

	for {
		c, ok := m.outbox.next(m.ctx)
		if !ok {
			return
		}

		if err := m.channel.AddCandidate(m.ctx, m.cfg.ID, local, c); err != nil {
			if m.ctx.Err() == nil {
				m.fail(errors.Wrap(err, "publish candidate"))
			}

			return
		}
	}
}

func (m *Machine) fail(err error) error {
	m.close(err)

	return err
}

func (m *Machine) close(reason error) error {
	m.mu.Lock()

	if m.state == StateClosed {
		m.mu.Unlock()

		return nil
	}

	wasOpen := m.state != StateIdle
	m.state = StateClosed
	m.err = reason

	m.mu.Unlock()

	m.cancel()

	if dropped := m.queue.Discard(); dropped > 0 {
		m.logger.Debugf("%d queued candidates discarded", dropped)
	}

	err := m.transport.Close()
	if err != nil {
		err = errors.Wrap(err, "close transport")
	}

	if wasOpen && m.cfg.Role == RoleCaller {
		m.markClosed()
	}

	if reason != nil {
		m.logger.Errorf("session closed: %v", reason)
	} else {
		m.logger.Info("session closed")
	}

	close(m.done)

	return err
}

func (m *Machine) markClosed() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CloseTimeout)
	defer cancel()

	if err := m.channel.CloseSession(ctx, m.cfg.ID); err != nil {
		m.logger.Warnf("cannot mark session closed: %v", err)
	}
}

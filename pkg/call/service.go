package call

import (
	"context"
	"sync"
	"time"

	"p2p-call/pkg/log"
	"p2p-call/pkg/session"
	"p2p-call/pkg/signal"

	"github.com/pkg/errors"
)

var ErrSessionActive = errors.New("session already active in this process")

// TransportFactory returns a fresh transport for every call.
type TransportFactory func() (session.Transport, error)

type ServiceConfig struct {
	// CloseTimeout bounds the write marking a session closed on hangup.
	CloseTimeout time.Duration
}

// Service starts and joins calls. Each call gets its own transport and state
// machine; the signaling channel is shared.
type Service struct {
	cfg ServiceConfig

	channel *signal.Channel
	dial    TransportFactory

	mu     sync.Mutex
	active map[signal.SessionID]*Handle
}

func NewService(cfg ServiceConfig, channel *signal.Channel, dial TransportFactory) *Service {
	return &Service{
		cfg:     cfg,
		channel: channel,
		dial:    dial,
		active:  make(map[signal.SessionID]*Handle),
	}
}

// CreateCall opens a new session and publishes an offer for it. When the
// offer cannot be completed the handle is still returned alongside the error
// if a transport was started, so the caller can hang up.
func (s *Service) CreateCall(ctx context.Context) (signal.SessionID, *Handle, error) {
	id, err := s.channel.CreateSession(ctx)
	if err != nil {
		return "", nil, errors.Wrap(err, "create session")
	}

	log.Infof("session %s created", id)

	h, err := s.start(id, session.RoleCaller)
	if err != nil {
		return id, nil, err
	}

	if err := h.machine.Offer(ctx); err != nil {
		return id, h, err
	}

	return id, h, nil
}

// JoinCall answers the offer of an existing session. Unknown sessions and
// sessions without an offer fail with signal.ErrInvalidSession before any
// transport is created.
func (s *Service) JoinCall(ctx context.Context, id signal.SessionID) (*Handle, error) {
	doc, err := s.channel.GetSession(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "session %s", id)
	}

	switch {
	case doc.Offer == nil:
		return nil, errors.Wrapf(signal.ErrInvalidSession, "session %s has no offer", id)
	case doc.Closed:
		return nil, errors.Wrapf(signal.ErrInvalidSession, "session %s is closed", id)
	case doc.Answer != nil:
		return nil, errors.Wrapf(signal.ErrAlreadyAnswered, "session %s", id)
	}

	h, err := s.start(id, session.RoleCallee)
	if err != nil {
		return nil, err
	}

	if err := h.machine.Answer(ctx, *doc.Offer); err != nil {
		return h, err
	}

	return h, nil
}

// Active returns the handle of a running call, if any.
func (s *Service) Active(id signal.SessionID) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.active[id]

	return h, ok
}

func (s *Service) start(id signal.SessionID, role session.Role) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[id]; ok {
		return nil, errors.Wrapf(ErrSessionActive, "session %s", id)
	}

	transport, err := s.dial()
	if err != nil {
		return nil, errors.Wrap(err, "peer connection")
	}

	h := &Handle{
		machine: session.NewMachine(session.MachineConfig{
			ID:           id,
			Role:         role,
			CloseTimeout: s.cfg.CloseTimeout,
		}, s.channel, transport),
		transport: transport,
	}

	s.active[id] = h

	go func() {
		<-h.Done()

		s.mu.Lock()
		defer s.mu.Unlock()

		if s.active[id] == h {
			delete(s.active, id)
		}
	}()

	return h, nil
}

package signal

import (
	"context"
	"sync"
	"time"

	"p2p-call/pkg/log"

	"github.com/google/uuid"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. It backs the relay server and lets two
// participants in the same process (tests, demos) signal without any network.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[SessionID]*memorySession
}

type memorySession struct {
	created time.Time

	doc        Document
	candidates map[Side][]Candidate

	docWatchers       map[*feed[SessionUpdate]]struct{}
	candidateWatchers map[Side]map[*feed[CandidateUpdate]]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[SessionID]*memorySession),
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context) (SessionID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := SessionID(uuid.NewString())

	s.mu.Lock()
	defer s.mu.Unlock()

	watchers := map[Side]map[*feed[CandidateUpdate]]struct{}{
		SideOffer:  {},
		SideAnswer: {},
	}

	s.sessions[id] = &memorySession{
		created:           time.Now(),
		doc:               Document{ID: id},
		candidates:        make(map[Side][]Candidate),
		docWatchers:       make(map[*feed[SessionUpdate]]struct{}),
		candidateWatchers: watchers,
	}

	return id, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id SessionID) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Document{}, ErrInvalidSession
	}

	return sess.doc.Clone(), nil
}

func (s *MemoryStore) PutDescription(ctx context.Context, id SessionID, side Side, d Description) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrInvalidSession
	}

	if sess.doc.Description(side) != nil {
		return ErrDescriptionExists
	}

	if side == SideOffer {
		sess.doc.Offer = &d
	} else {
		sess.doc.Answer = &d
	}

	sess.notifyDocument()

	return nil
}

func (s *MemoryStore) AddCandidate(ctx context.Context, id SessionID, side Side, c Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrInvalidSession
	}

	seq := len(sess.candidates[side])
	sess.candidates[side] = append(sess.candidates[side], c)

	for f := range sess.candidateWatchers[side] {
		f.push(CandidateUpdate{Candidate: c, Seq: seq})
	}

	return nil
}

func (s *MemoryStore) CloseSession(ctx context.Context, id SessionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrInvalidSession
	}

	if sess.doc.Closed {
		return nil
	}

	sess.doc.Closed = true
	sess.notifyDocument()

	return nil
}

func (s *MemoryStore) WatchSession(ctx context.Context, id SessionID) (<-chan SessionUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrInvalidSession
	}

	f := newFeed[SessionUpdate]()
	f.push(SessionUpdate{Document: sess.doc.Clone()})
	sess.docWatchers[f] = struct{}{}

	go f.run(ctx)
	go func() {
		<-ctx.Done()

		s.mu.Lock()
		delete(sess.docWatchers, f)
		s.mu.Unlock()
	}()

	return f.out, nil
}

func (s *MemoryStore) WatchCandidates(ctx context.Context, id SessionID, side Side) (<-chan CandidateUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrInvalidSession
	}

	f := newFeed[CandidateUpdate]()

	for seq, c := range sess.candidates[side] {
		f.push(CandidateUpdate{Candidate: c, Seq: seq})
	}

	sess.candidateWatchers[side][f] = struct{}{}

	go f.run(ctx)
	go func() {
		<-ctx.Done()

		s.mu.Lock()
		delete(sess.candidateWatchers[side], f)
		s.mu.Unlock()
	}()

	return f.out, nil
}

// Expire removes the sessions created before the given time. Their open
// watches receive ErrInvalidSession and end.
func (s *MemoryStore) Expire(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0

	for id, sess := range s.sessions {
		if !sess.created.Before(before) {
			continue
		}

		for f := range sess.docWatchers {
			f.push(SessionUpdate{Err: ErrInvalidSession})
		}

		for _, watchers := range sess.candidateWatchers {
			for f := range watchers {
				f.push(CandidateUpdate{Err: ErrInvalidSession})
			}
		}

		delete(s.sessions, id)
		expired++
	}

	return expired
}

// RunExpiry removes every session ttl after its creation until ctx is done.
func (s *MemoryStore) RunExpiry(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(expiryInterval(ttl))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.Expire(now.Add(-ttl)); n > 0 {
				log.Infof("%d expired sessions removed", n)
			}
		}
	}
}

func expiryInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4

	if interval > time.Minute {
		interval = time.Minute
	}

	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	return interval
}

// notifyDocument must be called with the store lock held.
func (sess *memorySession) notifyDocument() {
	for f := range sess.docWatchers {
		f.push(SessionUpdate{Document: sess.doc.Clone()})
	}
}

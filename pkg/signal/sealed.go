package signal

import (
	"context"
	"encoding/base64"

	"github.com/pkg/errors"
)

type Cipher interface {
	Encrypt([]byte) ([]byte, error)
	Decrypt([]byte) ([]byte, error)
}

// Compile-time interface check.
var _ Store = (*SealedStore)(nil)

// SealedStore encrypts SDP payloads and candidate strings before they reach
// the wrapped store, so the shared store only ever holds ciphertext. Document
// shape, description types and candidate line indexes stay readable.
type SealedStore struct {
	inner  Store
	cipher Cipher
}

func NewSealedStore(inner Store, cipher Cipher) *SealedStore {
	return &SealedStore{
		inner:  inner,
		cipher: cipher,
	}
}

func (s *SealedStore) CreateSession(ctx context.Context) (SessionID, error) {
	return s.inner.CreateSession(ctx)
}

func (s *SealedStore) GetSession(ctx context.Context, id SessionID) (Document, error) {
	doc, err := s.inner.GetSession(ctx, id)
	if err != nil {
		return Document{}, err
	}

	return s.openDocument(doc)
}

func (s *SealedStore) PutDescription(ctx context.Context, id SessionID, side Side, d Description) error {
	sdp, err := s.seal(d.SDP)
	if err != nil {
		return err
	}

	d.SDP = sdp

	return s.inner.PutDescription(ctx, id, side, d)
}

func (s *SealedStore) AddCandidate(ctx context.Context, id SessionID, side Side, c Candidate) error {
	sealed, err := s.seal(c.Candidate)
	if err != nil {
		return err
	}

	c.Candidate = sealed

	if c.UsernameFragment != nil {
		ufrag, err := s.seal(*c.UsernameFragment)
		if err != nil {
			return err
		}

		c.UsernameFragment = &ufrag
	}

	return s.inner.AddCandidate(ctx, id, side, c)
}

func (s *SealedStore) CloseSession(ctx context.Context, id SessionID) error {
	return s.inner.CloseSession(ctx, id)
}

func (s *SealedStore) WatchSession(ctx context.Context, id SessionID) (<-chan SessionUpdate, error) {
	in, err := s.inner.WatchSession(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make(chan SessionUpdate)

	go func() {
		defer close(out)

		for u := range in {
			if u.Err == nil {
				u.Document, u.Err = s.openDocument(u.Document)
			}

			select {
			case <-ctx.Done():
				return
			case out <- u:
			}

			if u.Err != nil {
				return
			}
		}
	}()

	return out, nil
}

func (s *SealedStore) WatchCandidates(ctx context.Context, id SessionID, side Side) (<-chan CandidateUpdate, error) {
	in, err := s.inner.WatchCandidates(ctx, id, side)
	if err != nil {
		return nil, err
	}

	out := make(chan CandidateUpdate)

	go func() {
		defer close(out)

		for u := range in {
			if u.Err == nil {
				u.Candidate, u.Err = s.openCandidate(u.Candidate)
			}

			select {
			case <-ctx.Done():
				return
			case out <- u:
			}

			if u.Err != nil {
				return
			}
		}
	}()

	return out, nil
}

func (s *SealedStore) openDocument(doc Document) (Document, error) {
	doc = doc.Clone()

	for _, d := range []*Description{doc.Offer, doc.Answer} {
		if d == nil {
			continue
		}

		sdp, err := s.open(d.SDP)
		if err != nil {
			return Document{}, errors.Wrapf(err, "session %s", doc.ID)
		}

		d.SDP = sdp
	}

	return doc, nil
}

func (s *SealedStore) openCandidate(c Candidate) (Candidate, error) {
	candidate, err := s.open(c.Candidate)
	if err != nil {
		return Candidate{}, err
	}

	c.Candidate = candidate

	if c.UsernameFragment != nil {
		ufrag, err := s.open(*c.UsernameFragment)
		if err != nil {
			return Candidate{}, err
		}

		c.UsernameFragment = &ufrag
	}

	return c, nil
}

func (s *SealedStore) seal(plain string) (string, error) {
	encrypted, err := s.cipher.Encrypt([]byte(plain))
	if err != nil {
		return "", errors.Wrap(err, "seal")
	}

	return base64.StdEncoding.EncodeToString(encrypted), nil
}

func (s *SealedStore) open(sealed string) (string, error) {
	encrypted, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", Classify(ErrUnsealable, err)
	}

	plain, err := s.cipher.Decrypt(encrypted)
	if err != nil {
		return "", Classify(ErrUnsealable, err)
	}

	return string(plain), nil
}

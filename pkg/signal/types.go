package signal

import (
	"github.com/pkg/errors"
)

type SessionID string

// Side names one participant's half of a session: the offer side belongs to
// the creator, the answer side to the joiner.
type Side string

const (
	SideOffer  Side = "offer"
	SideAnswer Side = "answer"
)

func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideOffer, SideAnswer:
		return Side(s), nil
	}

	return "", errors.Errorf("unknown side %q", s)
}

// Collection is the conventional name of the side's candidate collection.
func (s Side) Collection() string {
	return string(s) + "Candidates"
}

// Opposite returns the side of the other participant.
func (s Side) Opposite() Side {
	if s == SideOffer {
		return SideAnswer
	}

	return SideOffer
}

// Description is one half of the negotiation (an SDP offer or answer).
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is the standard serialization of a network path candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMLineIndex    uint16  `json:"sdpMLineIndex"`
	SDPMid           *string `json:"sdpMid"`
	UsernameFragment *string `json:"usernameFragment"`
}

// Document is a snapshot of a session as stored. Offer and Answer are nil
// until written.
type Document struct {
	ID     SessionID    `json:"id"`
	Offer  *Description `json:"offer,omitempty"`
	Answer *Description `json:"answer,omitempty"`
	Closed bool         `json:"closed"`
}

// Description returns the description written by side, or nil.
func (d Document) Description(side Side) *Description {
	if side == SideOffer {
		return d.Offer
	}

	return d.Answer
}

// Clone returns a copy that shares no pointers with d.
func (d Document) Clone() Document {
	c := d

	if d.Offer != nil {
		offer := *d.Offer
		c.Offer = &offer
	}

	if d.Answer != nil {
		answer := *d.Answer
		c.Answer = &answer
	}

	return c
}

// SessionUpdate is one item of a session subscription. A non-nil Err ends the
// subscription.
type SessionUpdate struct {
	Document Document
	Err      error
}

// CandidateUpdate is one "added" event of a candidate subscription. Seq is the
// zero-based position of the candidate in its collection.
type CandidateUpdate struct {
	Candidate Candidate
	Seq       int
	Err       error
}

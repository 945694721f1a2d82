package mongostore

import (
	"time"

	"p2p-call/pkg/signal"
)

const (
	idField        = "_id"
	createdAtField = "created_at"
	closedField    = "closed"
)

type descriptionDoc struct {
	Type string `bson:"type"`
	SDP  string `bson:"sdp"`
}

type candidateDoc struct {
	Candidate        string  `bson:"candidate"`
	SDPMLineIndex    uint16  `bson:"sdp_m_line_index"`
	SDPMid           *string `bson:"sdp_mid"`
	UsernameFragment *string `bson:"username_fragment"`
}

// callDoc is one session as stored in the calls collection.
type callDoc struct {
	ID               string          `bson:"_id"`
	CreatedAt        time.Time       `bson:"created_at"`
	Offer            *descriptionDoc `bson:"offer,omitempty"`
	Answer           *descriptionDoc `bson:"answer,omitempty"`
	Closed           bool            `bson:"closed"`
	OfferCandidates  []candidateDoc  `bson:"offer_candidates"`
	AnswerCandidates []candidateDoc  `bson:"answer_candidates"`
}

// newCallDoc starts candidate arrays empty rather than null so that $push
// works on them.
func newCallDoc(id signal.SessionID, now time.Time) callDoc {
	return callDoc{
		ID:               string(id),
		CreatedAt:        now,
		OfferCandidates:  []candidateDoc{},
		AnswerCandidates: []candidateDoc{},
	}
}

func descriptionField(side signal.Side) string {
	return string(side)
}

func candidatesField(side signal.Side) string {
	return string(side) + "_candidates"
}

func (d callDoc) document() signal.Document {
	doc := signal.Document{
		ID:     signal.SessionID(d.ID),
		Closed: d.Closed,
	}

	if d.Offer != nil {
		doc.Offer = &signal.Description{Type: d.Offer.Type, SDP: d.Offer.SDP}
	}

	if d.Answer != nil {
		doc.Answer = &signal.Description{Type: d.Answer.Type, SDP: d.Answer.SDP}
	}

	return doc
}

func (d callDoc) candidates(side signal.Side) []candidateDoc {
	if side == signal.SideOffer {
		return d.OfferCandidates
	}

	return d.AnswerCandidates
}

func fromDescription(d signal.Description) descriptionDoc {
	return descriptionDoc{Type: d.Type, SDP: d.SDP}
}

func fromCandidate(c signal.Candidate) candidateDoc {
	return candidateDoc{
		Candidate:        c.Candidate,
		SDPMLineIndex:    c.SDPMLineIndex,
		SDPMid:           c.SDPMid,
		UsernameFragment: c.UsernameFragment,
	}
}

func (c candidateDoc) candidate() signal.Candidate {
	return signal.Candidate{
		Candidate:        c.Candidate,
		SDPMLineIndex:    c.SDPMLineIndex,
		SDPMid:           c.SDPMid,
		UsernameFragment: c.UsernameFragment,
	}
}

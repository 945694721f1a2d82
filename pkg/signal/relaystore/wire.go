package relaystore

import (
	"net/url"

	"p2p-call/pkg/signal"
)

// Messages exchanged with the relay server. Errors travel as ErrorResponse
// with a status of 404 for unknown sessions and 409 for write-once violations.

type CreateResponse struct {
	ID signal.SessionID `json:"id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// SessionEvent is one message of a session watch stream.
type SessionEvent struct {
	Document signal.Document `json:"document"`
	Error    string          `json:"error,omitempty"`
}

// CandidateEvent is one message of a candidate watch stream.
type CandidateEvent struct {
	Seq       int              `json:"seq"`
	Candidate signal.Candidate `json:"candidate"`
	Error     string           `json:"error,omitempty"`
}

func SessionPath(id signal.SessionID) string {
	return "/sessions/" + url.PathEscape(string(id))
}

func DescriptionPath(id signal.SessionID, side signal.Side) string {
	return SessionPath(id) + "/" + string(side) + "/description"
}

func CandidatesPath(id signal.SessionID, side signal.Side) string {
	return SessionPath(id) + "/" + string(side) + "/candidates"
}

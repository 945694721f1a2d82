package signal

import (
	"github.com/pkg/errors"
)

var (
	// ErrSignalingUnavailable is returned once the store could not be reached
	// within the retry budget of a Channel.
	ErrSignalingUnavailable = errors.New("signaling unavailable")

	// ErrInvalidSession is returned for an id the store does not know, or for a
	// session that cannot be joined because it carries no offer.
	ErrInvalidSession = errors.New("invalid session")

	// ErrAlreadyAnswered is returned when an answer is written to a session that
	// already has one. Callers usually present it as "call already joined".
	ErrAlreadyAnswered = errors.New("call already answered")

	// ErrAlreadyOffered is the offer-side counterpart of ErrAlreadyAnswered.
	ErrAlreadyOffered = errors.New("call already offered")

	// ErrDescriptionExists is the store-level error for a write-once violation.
	// Channel translates it into ErrAlreadyOffered or ErrAlreadyAnswered.
	ErrDescriptionExists = errors.New("description already set")

	// ErrUnsealable is returned by SealedStore for payloads it cannot decrypt,
	// usually because the peers were configured with different secrets.
	ErrUnsealable = errors.New("cannot open sealed payload")
)

// Classify returns an error that matches kind with errors.Is while keeping
// cause reachable through errors.Unwrap.
func Classify(kind, cause error) error {
	if cause == nil {
		return kind
	}

	return &classified{kind: kind, cause: cause}
}

type classified struct {
	kind  error
	cause error
}

func (e *classified) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *classified) Is(target error) bool {
	return target == e.kind
}

func (e *classified) Unwrap() error {
	return e.cause
}

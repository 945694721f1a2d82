package signal

import "context"

// Store is the shared document store used as signaling channel. Every
// implementation must:
//   - assign session ids itself (CreateSession takes none);
//   - make PutDescription write-once per side, failing with ErrDescriptionExists;
//   - keep candidate collections append-only, replaying them from the first
//     item to every new WatchCandidates subscriber, in insertion order;
//   - deliver a snapshot to WatchSession subscribers right away and after every
//     change of the document;
//   - return ErrInvalidSession for unknown ids.
//
// Subscriptions run until ctx is cancelled or a failure is reported through
// the Err field of the last item; the channel is closed afterwards.
type Store interface {
	CreateSession(ctx context.Context) (SessionID, error)
	GetSession(ctx context.Context, id SessionID) (Document, error)
	PutDescription(ctx context.Context, id SessionID, side Side, d Description) error
	AddCandidate(ctx context.Context, id SessionID, side Side, c Candidate) error
	CloseSession(ctx context.Context, id SessionID) error

	WatchSession(ctx context.Context, id SessionID) (<-chan SessionUpdate, error)
	WatchCandidates(ctx context.Context, id SessionID, side Side) (<-chan CandidateUpdate, error)
}

package mongostore

import (
	"context"
	"time"

	"p2p-call/pkg/signal"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Compile-time interface check.
var _ signal.Store = (*Store)(nil)

type StoreConfig struct {
	Database   string
	Collection string
	// Expire removes sessions this long after creation.
	Expire time.Duration
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Database:   "p2pcall",
		Collection: "calls",
		Expire:     time.Hour,
	}
}

// Store keeps sessions in a MongoDB collection, one document per session with
// both candidate collections embedded as arrays. Watches are change streams,
// so the deployment must be a replica set.
type Store struct {
	coll *mongo.Collection
}

func NewStore(ctx context.Context, cfg StoreConfig, client *mongo.Client) (*Store, error) {
	defaults := DefaultStoreConfig()

	if len(cfg.Database) == 0 {
		cfg.Database = defaults.Database
	}

	if len(cfg.Collection) == 0 {
		cfg.Collection = defaults.Collection
	}

	if cfg.Expire <= 0 {
		cfg.Expire = defaults.Expire
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)

	expireName := "call_expire"
	expireAfter := int32(cfg.Expire.Seconds())

	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: createdAtField, Value: 1}},
		Options: &options.IndexOptions{
			Name:               &expireName,
			ExpireAfterSeconds: &expireAfter,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "calls index")
	}

	return &Store{coll: coll}, nil
}

// Connect dials uri and verifies the deployment answers.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())

		return nil, errors.Wrap(err, "mongo ping")
	}

	return client, nil
}

func (s *Store) CreateSession(ctx context.Context) (signal.SessionID, error) {
	id := signal.SessionID(uuid.NewString())

	if _, err := s.coll.InsertOne(ctx, newCallDoc(id, time.Now())); err != nil {
		return "", err
	}

	return id, nil
}

func (s *Store) GetSession(ctx context.Context, id signal.SessionID) (signal.Document, error) {
	call, err := s.find(ctx, id)
	if err != nil {
		return signal.Document{}, err
	}

	return call.document(), nil
}

func (s *Store) PutDescription(ctx context.Context, id signal.SessionID, side signal.Side, d signal.Description) error {
	field := descriptionField(side)

	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: idField, Value: string(id)}, {Key: field, Value: bson.D{{Key: "$exists", Value: false}}}},
		bson.D{{Key: "$set", Value: bson.D{{Key: field, Value: fromDescription(d)}}}},
	)
	if err != nil {
		return err
	}

	if res.MatchedCount != 0 {
		return nil
	}

	// Nothing matched: either the session is unknown or the field is set.
	if _, err := s.find(ctx, id); err != nil {
		return err
	}

	return signal.ErrDescriptionExists
}

func (s *Store) AddCandidate(ctx context.Context, id signal.SessionID, side signal.Side, c signal.Candidate) error {
	return s.update(ctx, id, bson.D{{Key: "$push", Value: bson.D{{Key: candidatesField(side), Value: fromCandidate(c)}}}})
}

func (s *Store) CloseSession(ctx context.Context, id signal.SessionID) error {
	return s.update(ctx, id, bson.D{{Key: "$set", Value: bson.D{{Key: closedField, Value: true}}}})
}

func (s *Store) WatchSession(ctx context.Context, id signal.SessionID) (<-chan signal.SessionUpdate, error) {
	cs, initial, err := s.watch(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make(chan signal.SessionUpdate)

	go func() {
		defer close(out)
		defer cs.Close(context.Background())

		send := func(u signal.SessionUpdate) bool {
			select {
			case out <- u:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(signal.SessionUpdate{Document: initial.document()}) {
			return
		}

		for {
			call, err := nextCall(ctx, cs)
			if err != nil {
				if ctx.Err() == nil {
					send(signal.SessionUpdate{Err: err})
				}

				return
			}

			if !send(signal.SessionUpdate{Document: call.document()}) {
				return
			}
		}
	}()

	return out, nil
}

// WatchCandidates replays the side's array, then reports every element the
// array grows by.
func (s *Store) WatchCandidates(ctx context.Context, id signal.SessionID, side signal.Side) (<-chan signal.CandidateUpdate, error) {
	cs, initial, err := s.watch(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make(chan signal.CandidateUpdate)

	go func() {
		defer close(out)
		defer cs.Close(context.Background())

		next := 0

		emit := func(call callDoc) bool {
			candidates := call.candidates(side)

			for ; next < len(candidates); next++ {
				select {
				case out <- signal.CandidateUpdate{Candidate: candidates[next].candidate(), Seq: next}:
				case <-ctx.Done():
					return false
				}
			}

			return true
		}

		if !emit(initial) {
			return
		}

		for {
			call, err := nextCall(ctx, cs)
			if err != nil {
				if ctx.Err() == nil {
					select {
					case out <- signal.CandidateUpdate{Err: err}:
					case <-ctx.Done():
					}
				}

				return
			}

			if !emit(call) {
				return
			}
		}
	}()

	return out, nil
}

// watch opens a change stream on the session before reading its current
// state, so no change can fall between the two.
func (s *Store) watch(ctx context.Context, id signal.SessionID) (*mongo.ChangeStream, callDoc, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "documentKey._id", Value: string(id)},
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"update", "replace"}}}},
		}}},
	}

	cs, err := s.coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, callDoc{}, errors.Wrap(err, "change stream")
	}

	initial, err := s.find(ctx, id)
	if err != nil {
		_ = cs.Close(context.Background())

		return nil, callDoc{}, err
	}

	return cs, initial, nil
}

type changeEvent struct {
	FullDocument *callDoc `bson:"fullDocument"`
}

// nextCall blocks for the next change carrying a full document. Changes whose
// document is already gone (expired) are skipped.
func nextCall(ctx context.Context, cs *mongo.ChangeStream) (callDoc, error) {
	for cs.Next(ctx) {
		var event changeEvent

		if err := cs.Decode(&event); err != nil {
			return callDoc{}, errors.Wrap(err, "change event")
		}

		if event.FullDocument != nil {
			return *event.FullDocument, nil
		}
	}

	if err := cs.Err(); err != nil {
		return callDoc{}, errors.Wrap(err, "change stream")
	}

	return callDoc{}, errors.New("change stream closed")
}

func (s *Store) find(ctx context.Context, id signal.SessionID) (callDoc, error) {
	var call callDoc

	err := s.coll.FindOne(ctx, bson.D{{Key: idField, Value: string(id)}}).Decode(&call)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return callDoc{}, signal.ErrInvalidSession
	}

	return call, err
}

func (s *Store) update(ctx context.Context, id signal.SessionID, update bson.D) error {
	res, err := s.coll.UpdateOne(ctx, bson.D{{Key: idField, Value: string(id)}}, update)
	if err != nil {
		return err
	}

	if res.MatchedCount == 0 {
		return signal.ErrInvalidSession
	}

	return nil
}

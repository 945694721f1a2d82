package signal

import (
	"context"
	"time"

	"p2p-call/pkg/log"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

type ChannelConfig struct {
	// Attempts is the total number of tries of one store operation, the first
	// included.
	Attempts int
	// BaseDelay is the wait before the second attempt; it doubles afterwards.
	BaseDelay time.Duration
}

func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Attempts:  3,
		BaseDelay: 200 * time.Millisecond,
	}
}

// Channel is the signaling channel used by the session state machine. It turns
// the raw Store into the call vocabulary (offer, answer, candidates), retries
// transient store failures and keeps subscriptions alive across them.
type Channel struct {
	cfg ChannelConfig

	store Store
}

func NewChannel(cfg ChannelConfig, store Store) *Channel {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultChannelConfig().Attempts
	}

	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultChannelConfig().BaseDelay
	}

	return &Channel{
		cfg:   cfg,
		store: store,
	}
}

func (c *Channel) CreateSession(ctx context.Context) (SessionID, error) {
	var id SessionID

	err := c.retry(ctx, "create session", func() (err error) {
		id, err = c.store.CreateSession(ctx)
		return err
	})

	return id, err
}

func (c *Channel) GetSession(ctx context.Context, id SessionID) (Document, error) {
	var doc Document

	err := c.retry(ctx, "get session", func() (err error) {
		doc, err = c.store.GetSession(ctx, id)
		return err
	})

	return doc, err
}

func (c *Channel) PutOffer(ctx context.Context, id SessionID, offer Description) error {
	err := c.retry(ctx, "put offer", func() error {
		return c.store.PutDescription(ctx, id, SideOffer, offer)
	})
	if errors.Is(err, ErrDescriptionExists) {
		return errors.Wrapf(ErrAlreadyOffered, "session %s", id)
	}

	return err
}

func (c *Channel) PutAnswer(ctx context.Context, id SessionID, answer Description) error {
	err := c.retry(ctx, "put answer", func() error {
		return c.store.PutDescription(ctx, id, SideAnswer, answer)
	})
	if errors.Is(err, ErrDescriptionExists) {
		return errors.Wrapf(ErrAlreadyAnswered, "session %s", id)
	}

	return err
}

func (c *Channel) AddCandidate(ctx context.Context, id SessionID, side Side, candidate Candidate) error {
	return c.retry(ctx, "add candidate", func() error {
		return c.store.AddCandidate(ctx, id, side, candidate)
	})
}

func (c *Channel) CloseSession(ctx context.Context, id SessionID) error {
	return c.retry(ctx, "close session", func() error {
		return c.store.CloseSession(ctx, id)
	})
}

// SubscribeSession delivers a snapshot of the session after every change. If
// the underlying subscription breaks it is re-established, so consumers may
// see the same snapshot more than once.
func (c *Channel) SubscribeSession(ctx context.Context, id SessionID) (<-chan SessionUpdate, error) {
	watch := func() (<-chan SessionUpdate, error) {
		return c.store.WatchSession(ctx, id)
	}

	return follow(ctx, c, "watch session", watch, followHooks[SessionUpdate]{
		err:  func(u SessionUpdate) error { return u.Err },
		keep: func(SessionUpdate) bool { return true },
		fail: func(err error) SessionUpdate { return SessionUpdate{Err: err} },
	})
}

// SubscribeCandidates delivers every candidate of side exactly once, in store
// order. A broken subscription is re-established and resumes after the last
// delivered candidate.
func (c *Channel) SubscribeCandidates(ctx context.Context, id SessionID, side Side) (<-chan CandidateUpdate, error) {
	watch := func() (<-chan CandidateUpdate, error) {
		return c.store.WatchCandidates(ctx, id, side)
	}

	next := 0
	logger := log.WithFields(log.Fields{"session": id, "side": side})

	return follow(ctx, c, "watch candidates", watch, followHooks[CandidateUpdate]{
		err: func(u CandidateUpdate) error { return u.Err },
		keep: func(u CandidateUpdate) bool {
			if u.Seq < next {
				return false
			}

			if u.Seq > next {
				logger.Warnf("candidate feed skipped from %d to %d", next, u.Seq)
			}

			next = u.Seq + 1

			return true
		},
		fail: func(err error) CandidateUpdate { return CandidateUpdate{Err: err} },
	})
}

type followHooks[T any] struct {
	err  func(T) error
	keep func(T) bool
	fail func(error) T
}

// follow forwards a store subscription and re-subscribes whenever it ends
// while ctx is still alive. Once re-subscribing runs out of attempts the
// failure is delivered as the last item.
func follow[T any](ctx context.Context, c *Channel, op string, watch func() (<-chan T, error), hooks followHooks[T]) (<-chan T, error) {
	var in <-chan T

	subscribe := func() error {
		return c.retry(ctx, op, func() (err error) {
			in, err = watch()
			return err
		})
	}

	if err := subscribe(); err != nil {
		return nil, err
	}

	out := make(chan T)

	deliverFailure := func(err error) {
		if ctx.Err() != nil {
			return
		}

		select {
		case out <- hooks.fail(err):
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(out)

		// strikes counts interruptions since the last delivered item; a feed
		// that keeps breaking without progress gets the same budget as a
		// single store call.
		strikes := 0

		for {
			var lastErr error

			for item := range in {
				if err := hooks.err(item); err != nil {
					lastErr = err

					break
				}

				if !hooks.keep(item) {
					continue
				}

				select {
				case <-ctx.Done():
					return
				case out <- item:
					strikes = 0
				}
			}

			if ctx.Err() != nil {
				return
			}

			if lastErr != nil && isPermanent(lastErr) {
				deliverFailure(lastErr)

				return
			}

			strikes++
			if strikes >= c.cfg.Attempts {
				deliverFailure(Classify(ErrSignalingUnavailable, errors.Wrapf(lastErr, "%s interrupted", op)))

				return
			}

			log.Warnf("%s interrupted, subscribing again: %v", op, lastErr)

			if err := subscribe(); err != nil {
				deliverFailure(err)

				return
			}
		}
	}()

	return out, nil
}

func (c *Channel) retry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.BaseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.Attempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}

		return err
	}, b, func(err error, wait time.Duration) {
		log.Warnf("%s failed, retrying in %s: %v", op, wait, err)
	})

	if err == nil || isPermanent(err) {
		return err
	}

	return Classify(ErrSignalingUnavailable, errors.Wrap(err, op))
}

// isPermanent reports errors that another attempt cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, ErrInvalidSession) ||
		errors.Is(err, ErrDescriptionExists) ||
		errors.Is(err, ErrUnsealable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

package relaystore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"p2p-call/pkg/signal"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Compile-time interface check.
var _ signal.Store = (*Store)(nil)

type StoreConfig struct {
	// URL is the base URL of the relay, e.g. "http://localhost:8080".
	URL string
	// Timeout bounds every plain request. Watches are bounded by their
	// context only.
	Timeout time.Duration
}

// Store is a signal.Store served by a remote relay.
type Store struct {
	cfg StoreConfig

	base   *url.URL
	client *http.Client
	dialer *websocket.Dialer
}

func NewStore(cfg StoreConfig) (*Store, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "relay url")
	}

	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("relay url %q: scheme must be http or https", cfg.URL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Store{
		cfg:    cfg,
		base:   base,
		client: &http.Client{Timeout: cfg.Timeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Timeout,
		},
	}, nil
}

func (s *Store) CreateSession(ctx context.Context) (signal.SessionID, error) {
	var resp CreateResponse

	if err := s.do(ctx, http.MethodPost, "/sessions", nil, &resp); err != nil {
		return "", err
	}

	return resp.ID, nil
}

func (s *Store) GetSession(ctx context.Context, id signal.SessionID) (signal.Document, error) {
	var doc signal.Document

	err := s.do(ctx, http.MethodGet, SessionPath(id), nil, &doc)

	return doc, err
}

func (s *Store) PutDescription(ctx context.Context, id signal.SessionID, side signal.Side, d signal.Description) error {
	return s.do(ctx, http.MethodPut, DescriptionPath(id, side), d, nil)
}

func (s *Store) AddCandidate(ctx context.Context, id signal.SessionID, side signal.Side, c signal.Candidate) error {
	return s.do(ctx, http.MethodPost, CandidatesPath(id, side), c, nil)
}

func (s *Store) CloseSession(ctx context.Context, id signal.SessionID) error {
	return s.do(ctx, http.MethodPost, SessionPath(id)+"/close", nil, nil)
}

func (s *Store) WatchSession(ctx context.Context, id signal.SessionID) (<-chan signal.SessionUpdate, error) {
	conn, err := s.dial(ctx, SessionPath(id)+"/watch")
	if err != nil {
		return nil, err
	}

	out := make(chan signal.SessionUpdate)

	go pump(ctx, conn, out, func(event SessionEvent, err error) signal.SessionUpdate {
		if err == nil && len(event.Error) != 0 {
			err = errors.New(event.Error)
		}

		return signal.SessionUpdate{Document: event.Document, Err: err}
	})

	return out, nil
}

func (s *Store) WatchCandidates(ctx context.Context, id signal.SessionID, side signal.Side) (<-chan signal.CandidateUpdate, error) {
	conn, err := s.dial(ctx, CandidatesPath(id, side)+"/watch")
	if err != nil {
		return nil, err
	}

	out := make(chan signal.CandidateUpdate)

	go pump(ctx, conn, out, func(event CandidateEvent, err error) signal.CandidateUpdate {
		if err == nil && len(event.Error) != 0 {
			err = errors.New(event.Error)
		}

		return signal.CandidateUpdate{Candidate: event.Candidate, Seq: event.Seq, Err: err}
	})

	return out, nil
}

// pump decodes websocket messages into out until ctx is done or the stream
// breaks; a break is delivered as the last item.
func pump[E, U any](ctx context.Context, conn *websocket.Conn, out chan<- U, convert func(E, error) U) {
	defer close(out)

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()
	defer conn.Close()

	for {
		var event E

		err := conn.ReadJSON(&event)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = errors.New("relay ended the stream")
			}

			err = errors.Wrap(err, "relay stream")
		}

		update := convert(event, err)

		select {
		case out <- update:
		case <-ctx.Done():
			return
		}

		if err != nil {
			return
		}

		// An error reported by the relay ends the stream as well.
		if isFinal(update) {
			return
		}
	}
}

func isFinal(update any) bool {
	switch u := update.(type) {
	case signal.SessionUpdate:
		return u.Err != nil
	case signal.CandidateUpdate:
		return u.Err != nil
	}

	return false
}

func (s *Store) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.base.String()+path, reader)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "relay request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp)
	}

	if out == nil {
		return nil
	}

	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "relay response")
}

func (s *Store) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	u := *s.base
	u.Path += path

	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()

			if resp.StatusCode >= http.StatusBadRequest {
				return nil, statusError(resp)
			}
		}

		return nil, errors.Wrap(err, "relay watch")
	}

	return conn, nil
}

// statusError maps the relay's status codes back onto the store errors.
func statusError(resp *http.Response) error {
	var body ErrorResponse

	_ = json.NewDecoder(resp.Body).Decode(&body)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return signal.ErrInvalidSession
	case http.StatusConflict:
		return signal.ErrDescriptionExists
	}

	return errors.Errorf("relay: %s: %s", resp.Status, body.Error)
}

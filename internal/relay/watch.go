package relay

import (
	"context"
	"time"

	"p2p-call/pkg/log"
	"p2p-call/pkg/signal"
	"p2p-call/pkg/signal/relaystore"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func (s *Server) watchSession(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Watching first lets an unknown session fail with a plain 404.
	updates, err := s.store.WatchSession(ctx, sessionID(c))
	if err != nil {
		abort(c, err)

		return
	}

	s.stream(ctx, cancel, c, func(yield func(any) bool) {
		for u := range updates {
			event := relaystore.SessionEvent{Document: u.Document}
			if u.Err != nil {
				event.Error = u.Err.Error()
			}

			if !yield(event) {
				return
			}
		}
	})
}

func (s *Server) watchCandidates(c *gin.Context) {
	side, err := signal.ParseSide(c.Param("side"))
	if err != nil {
		badRequest(c, err)

		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	updates, err := s.store.WatchCandidates(ctx, sessionID(c), side)
	if err != nil {
		abort(c, err)

		return
	}

	s.stream(ctx, cancel, c, func(yield func(any) bool) {
		for u := range updates {
			event := relaystore.CandidateEvent{Seq: u.Seq, Candidate: u.Candidate}
			if u.Err != nil {
				event.Error = u.Err.Error()
			}

			if !yield(event) {
				return
			}
		}
	})
}

// stream upgrades the request and writes every event produced by events as a
// JSON message, with keepalive pings in between. It returns once the client
// goes away or events is exhausted.
func (s *Server) stream(ctx context.Context, cancel context.CancelFunc, c *gin.Context, events func(yield func(any) bool)) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("ws upgrade: %v", err)

		return
	}
	defer ws.Close()

	// Clients never send anything; reading only detects that they left.
	go func() {
		defer cancel()

		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	messages := make(chan any)

	go func() {
		defer close(messages)

		events(func(event any) bool {
			select {
			case messages <- event:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)

			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case event, ok := <-messages:
			if !ok {
				closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = ws.WriteControl(websocket.CloseMessage, closing, time.Now().Add(s.cfg.WriteTimeout))

				return
			}

			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))

			if err := ws.WriteJSON(event); err != nil {
				log.Warnf("ws write: %v", err)

				return
			}
		}
	}
}

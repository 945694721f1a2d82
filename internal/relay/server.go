package relay

import (
	"context"
	"net/http"
	"time"

	"p2p-call/pkg/log"
	"p2p-call/pkg/signal"
	"p2p-call/pkg/signal/relaystore"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

type ServerConfig struct {
	// Mode is the gin mode: "release" or "debug".
	Mode string
	// PingPeriod is the interval of keepalive pings on watch streams.
	PingPeriod time.Duration
	// WriteTimeout bounds every websocket write.
	WriteTimeout time.Duration
}

// Server exposes a signal.Store over HTTP so that participants in different
// processes can share it. Watches are served as websocket streams.
type Server struct {
	cfg ServerConfig

	store    signal.Store
	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig, store signal.Store) *Server {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 54 * time.Second
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	return &Server{
		cfg:   cfg,
		store: store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() *gin.Engine {
	if s.cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	sessions := r.Group("/sessions")

	sessions.POST("", s.createSession)
	sessions.GET("/:id", s.getSession)
	sessions.POST("/:id/close", s.closeSession)
	sessions.GET("/:id/watch", s.watchSession)
	sessions.PUT("/:id/:side/description", s.putDescription)
	sessions.POST("/:id/:side/candidates", s.addCandidate)
	sessions.GET("/:id/:side/candidates/watch", s.watchCandidates)

	return r
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		log.Infof("relay listening on %s", addr)
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return errors.Wrap(err, "relay server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func (s *Server) createSession(c *gin.Context) {
	id, err := s.store.CreateSession(c.Request.Context())
	if err != nil {
		abort(c, err)

		return
	}

	c.JSON(http.StatusCreated, relaystore.CreateResponse{ID: id})
}

func (s *Server) getSession(c *gin.Context) {
	doc, err := s.store.GetSession(c.Request.Context(), sessionID(c))
	if err != nil {
		abort(c, err)

		return
	}

	c.JSON(http.StatusOK, doc)
}

func (s *Server) closeSession(c *gin.Context) {
	if err := s.store.CloseSession(c.Request.Context(), sessionID(c)); err != nil {
		abort(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) putDescription(c *gin.Context) {
	side, err := signal.ParseSide(c.Param("side"))
	if err != nil {
		badRequest(c, err)

		return
	}

	var d signal.Description

	if err := c.ShouldBindJSON(&d); err != nil || len(d.Type) == 0 {
		badRequest(c, errors.New("missing or invalid description"))

		return
	}

	if err := s.store.PutDescription(c.Request.Context(), sessionID(c), side, d); err != nil {
		abort(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) addCandidate(c *gin.Context) {
	side, err := signal.ParseSide(c.Param("side"))
	if err != nil {
		badRequest(c, err)

		return
	}

	var candidate signal.Candidate

	if err := c.ShouldBindJSON(&candidate); err != nil {
		badRequest(c, errors.New("missing or invalid candidate"))

		return
	}

	if err := s.store.AddCandidate(c.Request.Context(), sessionID(c), side, candidate); err != nil {
		abort(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}

func sessionID(c *gin.Context) signal.SessionID {
	return signal.SessionID(c.Param("id"))
}

func abort(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, signal.ErrInvalidSession):
		status = http.StatusNotFound
	case errors.Is(err, signal.ErrDescriptionExists):
		status = http.StatusConflict
	default:
		log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}

	c.AbortWithStatusJSON(status, relaystore.ErrorResponse{Error: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, relaystore.ErrorResponse{Error: err.Error()})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("request")
	}
}

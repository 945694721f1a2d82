package internal

import (
	"context"
	"os"
	"time"

	"p2p-call/internal/config"
	"p2p-call/internal/relay"
	"p2p-call/pkg/log"
	"p2p-call/pkg/signal"
	"p2p-call/pkg/signal/mongostore"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/mongo"
)

// RelayApp serves a signaling store to call participants over HTTP.
type RelayApp struct {
	cfg *config.Config

	mongo  *mongo.Client
	memory *signal.MemoryStore
	server *relay.Server
}

func NewRelayApp() *RelayApp {
	return &RelayApp{}
}

func (a *RelayApp) Setup() (err error) {
	config.RelayFlags(pflag.CommandLine)

	a.cfg, err = config.Load(pflag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}

	if err := a.cfg.ValidateRelay(); err != nil {
		return err
	}

	if err := log.SetLevel(a.cfg.LogLevel); err != nil {
		return err
	}

	var store signal.Store

	switch a.cfg.Store {
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		a.mongo, err = mongostore.Connect(ctx, a.cfg.MongoURI)
		if err != nil {
			return errors.Wrap(err, "relay store")
		}

		cfg := mongostore.DefaultStoreConfig()
		cfg.Database = a.cfg.MongoDatabase
		cfg.Expire = a.cfg.SessionTTL

		store, err = mongostore.NewStore(ctx, cfg, a.mongo)
		if err != nil {
			return errors.Wrap(err, "relay store")
		}
	default:
		a.memory = signal.NewMemoryStore()
		store = a.memory
	}

	a.server = relay.NewServer(relay.ServerConfig{
		Mode:       a.cfg.Mode,
		PingPeriod: a.cfg.PingPeriod,
	}, store)

	return nil
}

func (a *RelayApp) Run(ctx context.Context, cancel context.CancelFunc) error {
	log.Infof("Starting P2P Call relay, store: %s", a.cfg.Store)
	defer log.Info("Ending P2P Call relay")

	listenOS(cancel)

	if a.memory != nil {
		go a.memory.RunExpiry(ctx, a.cfg.SessionTTL)
	}

	defer func() {
		if a.mongo == nil {
			return
		}

		if err := a.mongo.Disconnect(context.Background()); err != nil {
			log.Error(err)
		}
	}()

	return a.server.Run(ctx, a.cfg.Listen)
}

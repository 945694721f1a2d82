package internal

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"p2p-call/internal/config"
	"p2p-call/pkg/call"
	"p2p-call/pkg/console"
	"p2p-call/pkg/crypto"
	"p2p-call/pkg/log"
	"p2p-call/pkg/peer"
	"p2p-call/pkg/session"
	"p2p-call/pkg/signal"
	"p2p-call/pkg/signal/mongostore"
	"p2p-call/pkg/signal/relaystore"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/mongo"
)

type App struct {
	cfg          *config.Config
	instanceUUID string

	mongo   *mongo.Client
	store   signal.Store
	service *call.Service
	console *console.Console
}

func NewApp() *App {
	return &App{
		instanceUUID: uuid.New().String(),
	}
}

func (a *App) Setup() (err error) {
	if err := a.parseCmdline(); err != nil {
		return err
	}

	if err := log.SetLevel(a.cfg.LogLevel); err != nil {
		return err
	}

	if err := a.setupSignaling(); err != nil {
		return errors.Wrap(err, "signaling")
	}

	channel := signal.NewChannel(signal.ChannelConfig{
		Attempts:  a.cfg.RetryAttempts,
		BaseDelay: a.cfg.RetryBase,
	}, a.store)

	a.service = call.NewService(call.ServiceConfig{}, channel, a.dialPeer)

	return nil
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	log.Infof("Starting P2P Call, Instance UUID: %s", a.instanceUUID)
	defer log.Info("Ending P2P Call")

	listenOS(cancel)
	defer a.closeSignaling()

	h, err := a.startCall(ctx)
	if h != nil {
		defer h.Hangup()
	}

	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-h.Connected():
		log.Info("peer connected")

		select {
		case <-ctx.Done():
		case <-h.Done():
		case <-a.console.Done():
		}
	case <-h.Done():
	}

	if err := h.Hangup(); err != nil {
		log.Error(err)
	}

	cancel()

	if errors.Is(h.Err(), session.ErrRemoteHangup) {
		log.Info("the other peer hung up")

		return nil
	}

	return errors.Wrap(h.Err(), "call")
}

func (a *App) parseCmdline() (err error) {
	config.CallFlags(pflag.CommandLine)

	a.cfg, err = config.Load(pflag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}

	return a.cfg.ValidateCall()
}

func (a *App) startCall(ctx context.Context) (*call.Handle, error) {
	if !a.cfg.Create {
		h, err := a.service.JoinCall(ctx, signal.SessionID(a.cfg.Join))
		if err != nil {
			if errors.Is(err, signal.ErrAlreadyAnswered) {
				return h, errors.Wrap(err, "call already joined")
			}

			return h, errors.Wrap(err, "join call")
		}

		log.Infof("joined session %s, connecting...", a.cfg.Join)

		return h, nil
	}

	id, h, err := a.service.CreateCall(ctx)
	if err != nil {
		return h, errors.Wrap(err, "create call")
	}

	log.Infof("session %s created, waiting for the other peer to join...", id)
	fmt.Println(id)

	return h, nil
}

// dialPeer creates the transport of the call and attaches the console to it.
func (a *App) dialPeer() (session.Transport, error) {
	p, err := peer.NewWebRTC(peer.WebRTCConfig{
		STUN:         a.cfg.STUN,
		ReceiveMedia: a.cfg.ReceiveMedia,
	})
	if err != nil {
		return nil, err
	}

	p.OnTrack(func(kind, id string) {
		log.Infof("receiving %s track %s", kind, id)
	})

	a.console = console.NewConsole(console.ConsoleConfig{
		In:  os.Stdin,
		Out: os.Stdout,
	}, p)

	return p, nil
}

func (a *App) setupSignaling() (err error) {
	switch a.cfg.Store {
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		a.mongo, err = mongostore.Connect(ctx, a.cfg.MongoURI)
		if err != nil {
			return err
		}

		cfg := mongostore.DefaultStoreConfig()
		cfg.Database = a.cfg.MongoDatabase

		a.store, err = mongostore.NewStore(ctx, cfg, a.mongo)
	default:
		a.store, err = relaystore.NewStore(relaystore.StoreConfig{
			URL: a.cfg.RelayURL,
		})
	}

	if err != nil {
		return err
	}

	if len(a.cfg.Secret) == 0 {
		return nil
	}

	cipher, err := crypto.NewAesCbcFromSecret(a.cfg.Secret)
	if err != nil {
		return errors.Wrap(err, "signaling crypto")
	}

	a.store = signal.NewSealedStore(a.store, cipher)

	return nil
}

func (a *App) closeSignaling() {
	if a.mongo == nil {
		return
	}

	if err := a.mongo.Disconnect(context.Background()); err != nil {
		log.Error(err)
	}
}

func listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}

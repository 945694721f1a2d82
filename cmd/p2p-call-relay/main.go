package main

import (
	"context"

	"p2p-call/internal"
	"p2p-call/pkg/log"
)

func main() {
	log.SetupLogger()

	app := internal.NewRelayApp()

	if err := app.Setup(); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Run(ctx, cancel); err != nil {
		log.Fatal(err)
	}
}

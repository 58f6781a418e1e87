package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hearthapp/hearth/internal/relay"
)

var (
	addr    = flag.String("addr", ":8790", "Listen address (host:port)")
	version = flag.Bool("version", false, "Show version")
)

var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("hearth-relay v%s\n", appVersion)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := relay.New(*addr)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("start relay: %v", err)
	}

	<-ctx.Done()
	srv.Shutdown()
}

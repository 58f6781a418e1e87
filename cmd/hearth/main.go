package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/hearthapp/hearth/internal/app"
	"github.com/hearthapp/hearth/internal/config"
)

var (
	cfgPath = flag.String("config", "config.json", "Path to the config file (created if missing)")
	userID  = flag.String("user", "", "User ID seeded into a freshly created config")
	version = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("hearth v%s\n", appVersion)
		return
	}

	path, err := filepath.Abs(*cfgPath)
	if err != nil {
		log.Fatalf("invalid config path: %v", err)
	}

	seed := *userID
	if seed == "" {
		seed = uuid.NewString()
	}
	cfg, created, err := config.Ensure(path, seed)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if created {
		fmt.Printf("created %s — edit identity and relay settings, then restart\n", path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{CfgPath: path, Cfg: cfg}); err != nil {
		log.Fatalf("run: %v", err)
	}
}

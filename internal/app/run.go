// Package app wires the client daemon together: config, recovery store,
// relay transport, media capture and the call coordinator.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/hearthapp/hearth/internal/call"
	"github.com/hearthapp/hearth/internal/config"
	"github.com/hearthapp/hearth/internal/media"
	"github.com/hearthapp/hearth/internal/storage"
	"github.com/hearthapp/hearth/internal/transport"
	"github.com/hearthapp/hearth/internal/util"
)

var log = logging.Logger("app")

// Options configures a Run.
type Options struct {
	// CfgPath is the absolute path of the config file; relative paths in
	// the config resolve against its directory.
	CfgPath string
	Cfg     config.Config
}

// Run assembles the daemon and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	applyLogLevel(cfg.Log.Level)

	log.Infof("starting as %s (%s) in group %s", cfg.Identity.UserID, cfg.Identity.DisplayName, cfg.Identity.GroupID)

	// ── Recovery store
	dataDir := util.ResolvePath(filepath.Dir(opt.CfgPath), cfg.Recovery.DataDir)
	store, err := storage.Open(dataDir)
	switch {
	case errors.Is(err, storage.ErrLocked):
		// Another instance owns recovery. This one runs without it and
		// starts idle rather than fighting over the snapshot.
		log.Warnf("recovery store in use by another instance, running without recovery")
		store = nil
	case err != nil:
		return fmt.Errorf("open recovery store: %w", err)
	default:
		defer store.Close()
	}

	// ── Relay transport
	tr := transport.New(transport.Options{
		URL:            cfg.Relay.URL,
		GroupID:        cfg.Identity.GroupID,
		UserID:         cfg.Identity.UserID,
		UserName:       cfg.Identity.DisplayName,
		ConnectTimeout: time.Duration(cfg.Relay.ConnectTimeoutSec) * time.Second,
		ReconnectMin:   time.Duration(cfg.Relay.ReconnectMinMs) * time.Millisecond,
		ReconnectMax:   time.Duration(cfg.Relay.ReconnectMaxMs) * time.Millisecond,
	})
	defer tr.Close()

	// ── Coordinator
	copt := call.Options{
		UserID:      cfg.Identity.UserID,
		DisplayName: cfg.Identity.DisplayName,
		GroupID:     cfg.Identity.GroupID,
		Transport:   tr,
		Capture:     media.NewCapture(),
		ICEServers:  iceServers(cfg.ICE),
		SnapshotTTL: time.Duration(cfg.Recovery.SnapshotTTLMin) * time.Minute,
	}
	if store != nil {
		copt.Store = store
	}
	co := call.NewCoordinator(copt)
	logEvents(ctx, co)

	// Subscribe and restore the snapshot before connecting: the relay fans
	// out right after the announce, and anything sent before the coordinator
	// listens would be lost. A dead relay is not fatal; the backoff loop
	// keeps trying.
	co.Restore()
	if err := tr.Start(ctx); err != nil {
		log.Warnf("relay not reachable yet: %v", err)
	}

	// ── Config hot reload (log level, display name, ICE servers; user id
	// and relay address changes need a restart)
	if w, err := config.Watch(opt.CfgPath, func(next config.Config) {
		applyLogLevel(next.Log.Level)
		co.UpdateConfig(next.Identity.DisplayName, iceServers(next.ICE))
	}); err != nil {
		log.Warnf("config watch: %v", err)
	} else {
		defer w.Close()
	}

	err = co.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func iceServers(ice config.ICE) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(ice.Servers))
	for _, s := range ice.Servers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func applyLogLevel(level string) {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Warnf("bad log level %q: %v", level, err)
		return
	}
	logging.SetAllLoggers(lvl)
}

// logEvents mirrors call lifecycle events into the log. A UI attaches its
// own subscription via Coordinator.Events.
func logEvents(ctx context.Context, co *call.Coordinator) {
	ch, cancel := co.Events().Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				log.Infof("event %s call=%s user=%s reason=%s detail=%s roster=%d",
					e.Kind, e.CallID, e.UserID, e.Reason, e.Detail, len(e.Roster))
			}
		}
	}()
}

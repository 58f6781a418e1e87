// Package relay implements the signaling relay: a websocket server that
// registers clients per group, fans call-control messages out to group
// members, unicasts peer negotiation payloads, and answers SyncRequest with
// authoritative call state.
package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/hearthapp/hearth/internal/signal"
)

var log = logging.Logger("relay")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// pruneEvery / callTTL bound how long an abandoned call record survives.
const (
	pruneEvery = time.Minute
	callTTL    = 2 * time.Hour
)

// client is one announced websocket connection.
type client struct {
	conn     *websocket.Conn
	groupID  string
	userID   string
	userName string

	sendMu sync.Mutex
}

func (c *client) send(msg signal.Message) error {
	frame, err := signal.Encode(msg)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Server is the relay.
type Server struct {
	addr string

	mu     sync.Mutex
	groups map[string]map[string]*client // groupID → userID → client

	calls *registry

	httpSrv  *http.Server
	listener net.Listener
	done     chan struct{}
}

// New creates a relay server bound to addr (host:port; port 0 picks a free
// one, handy in tests).
func New(addr string) *Server {
	return &Server{
		addr:   addr,
		groups: make(map[string]map[string]*client),
		calls:  newRegistry(),
		done:   make(chan struct{}),
	}
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("serve: %v", err)
		}
	}()
	go s.pruneLoop()
	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	log.Infof("listening on %s", ln.Addr())
	return nil
}

// URL returns the websocket URL clients should dial.
func (s *Server) URL() string {
	return fmt.Sprintf("ws://%s/ws", s.listener.Addr())
}

// Shutdown stops the server. Safe to call more than once.
func (s *Server) Shutdown() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
}

func (s *Server) pruneLoop() {
	t := time.NewTicker(pruneEvery)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if n := s.calls.prune(time.Now().Add(-callTTL)); n > 0 {
				log.Infof("pruned %d stale call(s)", n)
			}
		}
	}
}

// handleWS owns one websocket connection for its lifetime. The first useful
// message must be an Announce; everything before it is dropped.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	var cl *client
	defer func() {
		if cl != nil {
			s.unregister(cl)
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := signal.Decode(frame)
		if err != nil {
			log.Warnf("bad frame from %s: %v", conn.RemoteAddr(), err)
			continue
		}

		if ann, ok := msg.(signal.Announce); ok {
			cl = s.register(conn, ann)
			continue
		}
		if cl == nil {
			log.Warnf("dropping %s from unannounced connection %s", msg.Kind(), conn.RemoteAddr())
			continue
		}
		s.dispatch(cl, msg)
	}
}

// register adds a connection under its group scope. Re-announcing replaces
// the previous connection for the same user (reconnect after a drop).
func (s *Server) register(conn *websocket.Conn, ann signal.Announce) *client {
	cl := &client{conn: conn, groupID: ann.GroupID, userID: ann.UserID, userName: ann.UserName}

	s.mu.Lock()
	grp := s.groups[ann.GroupID]
	if grp == nil {
		grp = make(map[string]*client)
		s.groups[ann.GroupID] = grp
	}
	old := grp[ann.UserID]
	grp[ann.UserID] = cl
	s.mu.Unlock()

	if old != nil && old.conn != conn {
		_ = old.conn.Close()
	}
	log.Infof("announced %s (%s) in group %s", ann.UserID, ann.UserName, ann.GroupID)

	// A late announcer may have missed the ring.
	for _, inc := range s.calls.ringingInvites(ann.GroupID, ann.UserID) {
		if err := cl.send(inc); err != nil {
			log.Warnf("ring %s for %s: %v", inc.CallID, ann.UserID, err)
		}
	}
	return cl
}

func (s *Server) unregister(cl *client) {
	s.mu.Lock()
	if grp, ok := s.groups[cl.groupID]; ok {
		// Only remove if this exact client still owns the slot; a reconnect
		// may already have replaced it.
		if grp[cl.userID] == cl {
			delete(grp, cl.userID)
			if len(grp) == 0 {
				delete(s.groups, cl.groupID)
			}
		}
	}
	s.mu.Unlock()
	log.Debugf("connection gone: %s/%s", cl.groupID, cl.userID)
}

// dispatch routes one message from an announced client.
func (s *Server) dispatch(cl *client, msg signal.Message) {
	switch m := msg.(type) {
	case signal.StartCall:
		s.calls.start(m, m.CallerName)
		// Fan out as IncomingCall to each invited target, never back to the
		// initiator.
		inc := signal.IncomingCall(m)
		for _, target := range m.Participants {
			if target == m.CallerID {
				continue
			}
			s.unicast(cl.groupID, target, inc)
		}

	case signal.AcceptCall:
		roster, ok := s.calls.accept(m.CallID, m.AcceptedBy, m.AcceptedByName)
		if !ok {
			log.Debugf("accept for unknown call %s from %s", m.CallID, m.AcceptedBy)
			return
		}
		m.Participants = roster
		s.broadcast(cl.groupID, cl.userID, m)
		// Joined confirmation carries the authoritative roster to everyone,
		// including the acceptor.
		s.broadcast(cl.groupID, "", signal.Joined{
			CallID:       m.CallID,
			UserID:       m.AcceptedBy,
			UserName:     m.AcceptedByName,
			Participants: roster,
		})

	case signal.RejectCall:
		s.broadcast(cl.groupID, cl.userID, m)

	case signal.Leave:
		roster, ended := s.calls.leave(m.CallID, m.UserID)
		s.broadcast(cl.groupID, cl.userID, m)
		s.broadcast(cl.groupID, "", signal.Left{
			CallID:       m.CallID,
			UserID:       m.UserID,
			UserName:     m.UserName,
			Participants: roster,
		})
		if ended {
			s.broadcast(cl.groupID, "", signal.EndCall{CallID: m.CallID, UserID: m.UserID, UserName: m.UserName})
		}

	case signal.EndCall:
		s.calls.end(m.CallID)
		s.broadcast(cl.groupID, cl.userID, m)

	case signal.Offer, signal.Answer, signal.ICECandidate:
		if target := signal.Target(msg); target != "" {
			s.unicast(cl.groupID, target, msg)
		}

	case signal.SyncRequest:
		info, roster := s.calls.lookup(m.CallID)
		_ = cl.send(signal.SyncResponse{
			CallID:       m.CallID,
			CallData:     info,
			Participants: roster,
		})

	default:
		log.Warnf("unhandled %s from %s", msg.Kind(), cl.userID)
	}
}

// broadcast fans msg out to every announced member of groupID except skipUser
// (pass "" to include everyone).
func (s *Server) broadcast(groupID, skipUser string, msg signal.Message) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.groups[groupID]))
	for id, c := range s.groups[groupID] {
		if id == skipUser {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.send(msg); err != nil {
			log.Warnf("send %s to %s: %v", msg.Kind(), c.userID, err)
		}
	}
}

func (s *Server) unicast(groupID, userID string, msg signal.Message) {
	s.mu.Lock()
	c := s.groups[groupID][userID]
	s.mu.Unlock()
	if c == nil {
		log.Debugf("no connection for %s/%s, dropping %s", groupID, userID, msg.Kind())
		return
	}
	if err := c.send(msg); err != nil {
		log.Warnf("send %s to %s: %v", msg.Kind(), userID, err)
	}
}

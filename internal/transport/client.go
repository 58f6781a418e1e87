// Package transport connects a client to the signaling relay over a
// websocket and exposes inbound messages through subscriber channels.
//
// The connection lifecycle is an explicit state machine
// (Disconnected → Connecting → Connected): reconnects run a bounded
// exponential backoff, and the group announce fires exactly once per
// transition into Connected, never from scattered event handlers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/hearthapp/hearth/internal/signal"
	"github.com/hearthapp/hearth/internal/util"
)

var log = logging.Logger("transport")

// ErrDisconnected is returned by Send while no relay connection is up.
// Signaling is best-effort; callers log and proceed, the sync protocol is
// the safety net for divergence.
var ErrDisconnected = errors.New("transport: not connected")

// ConnState is the connection lifecycle state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

const writeTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	URL            string
	GroupID        string
	UserID         string
	UserName       string
	ConnectTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

// Client is a websocket connection to the relay with automatic reconnect.
type Client struct {
	opt Options

	mu    sync.Mutex
	conn  *websocket.Conn
	state ConnState

	listenerMu sync.RWMutex
	listeners  map[chan signal.Message]struct{}
	stateSubs  map[chan ConnState]struct{}

	// recent retains the last inbound frames for diagnostics.
	recent *util.RingBuffer[string]

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Client. Start must be called to open the connection.
func New(opt Options) *Client {
	if opt.ConnectTimeout <= 0 {
		opt.ConnectTimeout = 10 * time.Second
	}
	if opt.ReconnectMin <= 0 {
		opt.ReconnectMin = 500 * time.Millisecond
	}
	if opt.ReconnectMax < opt.ReconnectMin {
		opt.ReconnectMax = 15 * time.Second
	}
	return &Client{
		opt:       opt,
		state:     Disconnected,
		listeners: make(map[chan signal.Message]struct{}),
		stateSubs: make(map[chan ConnState]struct{}),
		recent:    util.NewRingBuffer[string](64),
		done:      make(chan struct{}),
	}
}

// Start runs the connect loop until ctx is cancelled or Close is called.
// It returns once the first connection attempt has resolved, so callers can
// announce-then-sync deterministically; reconnects continue in background.
func (c *Client) Start(ctx context.Context) error {
	err := c.connect(ctx)
	go c.runLoop(ctx)
	return err
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel receiving inbound signaling messages and a
// cancel function. Slow subscribers drop messages rather than block the
// read loop.
func (c *Client) Subscribe() (chan signal.Message, func()) {
	ch := make(chan signal.Message, 64)
	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel := func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// SubscribeState returns a channel receiving connection state transitions.
func (c *Client) SubscribeState() (chan ConnState, func()) {
	ch := make(chan ConnState, 8)
	c.listenerMu.Lock()
	c.stateSubs[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel := func() {
		c.listenerMu.Lock()
		if _, ok := c.stateSubs[ch]; ok {
			delete(c.stateSubs, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Send encodes msg and writes it as one websocket frame. Returns
// ErrDisconnected while no connection is up; delivery is not acknowledged.
func (c *Client) Send(msg signal.Message) error {
	frame, err := signal.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected || c.conn == nil {
		return ErrDisconnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("transport: write %s: %w", msg.Kind(), err)
	}
	return nil
}

// RecentFrames returns the most recent inbound frame summaries, oldest first.
func (c *Client) RecentFrames() []string {
	return c.recent.Snapshot()
}

// Close tears down the connection and all subscriber channels.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.state = Disconnected
		c.mu.Unlock()

		c.listenerMu.Lock()
		for ch := range c.listeners {
			close(ch)
		}
		c.listeners = map[chan signal.Message]struct{}{}
		for ch := range c.stateSubs {
			close(ch)
		}
		c.stateSubs = map[chan ConnState]struct{}{}
		c.listenerMu.Unlock()
	})
	return nil
}

// setState moves the lifecycle state machine and notifies subscribers.
// All transitions go through here so the announce-on-Connected rule has a
// single enforcement point.
func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()

	log.Infof("connection %s → %s", prev, s)

	c.listenerMu.RLock()
	for ch := range c.stateSubs {
		select {
		case ch <- s:
		default:
		}
	}
	c.listenerMu.RUnlock()
}

// connect dials the relay once and, on success, announces presence.
func (c *Client) connect(ctx context.Context) error {
	c.setState(Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.opt.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opt.URL, nil)
	if err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("transport: dial %s: %w", c.opt.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.recent.Clear()
	c.setState(Connected)

	// Announce exactly once per Connected transition. Re-announcing after a
	// reconnect is required and idempotent on the relay side.
	if err := c.Send(signal.Announce{
		GroupID:  c.opt.GroupID,
		UserID:   c.opt.UserID,
		UserName: c.opt.UserName,
	}); err != nil {
		log.Warnf("announce failed: %v", err)
	}
	return nil
}

// runLoop reads frames while connected and reconnects with backoff after
// failures.
func (c *Client) runLoop(ctx context.Context) {
	backoff := c.opt.ReconnectMin
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			_ = c.Close()
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		connected := c.state == Connected
		c.mu.Unlock()

		if connected && conn != nil {
			if err := c.readLoop(conn); err != nil {
				log.Warnf("connection lost: %v", err)
			}
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			c.setState(Disconnected)
			backoff = c.opt.ReconnectMin
		}

		select {
		case <-c.done:
			return
		case <-ctx.Done():
			_ = c.Close()
			return
		case <-time.After(backoff):
		}

		if err := c.connect(ctx); err != nil {
			log.Debugf("reconnect failed: %v", err)
			backoff *= 2
			if backoff > c.opt.ReconnectMax {
				backoff = c.opt.ReconnectMax
			}
			continue
		}
		backoff = c.opt.ReconnectMin
	}
}

// readLoop decodes frames from one connection until it fails.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		select {
		case <-c.done:
			return nil
		default:
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := signal.Decode(frame)
		if err != nil {
			log.Warnf("dropping bad frame: %v", err)
			continue
		}
		c.recent.Push(string(msg.Kind()) + " " + msg.Call())

		c.listenerMu.RLock()
		for ch := range c.listeners {
			select {
			case ch <- msg:
			default:
				log.Warnf("subscriber full, dropping %s", msg.Kind())
			}
		}
		c.listenerMu.RUnlock()
	}
}

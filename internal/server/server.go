// Package server exposes discovery, session status and received messages
// to local clients over a WebSocket feed, and accepts commands to drive a
// single session.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/ciniml/imble/internal/ble"
	"github.com/ciniml/imble/internal/ble/protocol"
	"github.com/ciniml/imble/internal/event"
)

// Event types pushed to clients.
const (
	EventPeripheralAdded  = "peripheral_added"
	EventPeripheralsReset = "peripherals_reset"
	EventStatus           = "status"
	EventLinkStatus       = "link_status"
	EventMessage          = "message"
	EventError            = "error"
)

// Command types accepted from clients.
const (
	CommandRefresh    = "refresh"
	CommandConnect    = "connect"
	CommandSend       = "send"
	CommandDisconnect = "disconnect"
	CommandUnpair     = "unpair"
)

// Statuses reported when a session is closed on request.
const (
	StatusDisconnected = "disconnected"
	StatusUnpaired     = "unpaired"
)

// Command is a client request. Data is base64 in JSON and takes
// precedence over Text for send. Long payloads go out as several frames.
type Command struct {
	Type    string `json:"type"`
	Address string `json:"address,omitempty"`
	Text    string `json:"text,omitempty"`
	Data    []byte `json:"data,omitempty"`
}

// PeripheralView is the JSON form of a discovered peripheral.
type PeripheralView struct {
	Address   string    `json:"address"`
	Name      string    `json:"name"`
	RSSI      int16     `json:"rssi"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusPayload reports session or link status.
type StatusPayload struct {
	Address string `json:"address"`
	Status  string `json:"status"`
}

// MessagePayload carries a payload received from the peripheral. Text is
// set when the payload is valid UTF-8.
type MessagePayload struct {
	Address   string    `json:"address"`
	Data      []byte    `json:"data"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload reports a failed command.
type ErrorPayload struct {
	Command string `json:"command"`
	Message string `json:"message"`
}

// Options configures a Server.
type Options struct {
	Session        ble.SessionOptions
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server bridges one adapter to WebSocket clients. It runs a Watcher for
// the lifetime of the server and owns at most one Session at a time.
type Server struct {
	adapter ble.Adapter
	opts    Options
	hub     *Hub
	watcher *ble.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	feed   *event.Subscription

	mu         sync.Mutex
	session    *ble.Session
	sessionRes *event.Group
	connecting context.CancelFunc
	gen        uint64
	closed     bool
}

// New creates a server over adapter. Zero timeouts fall back to defaults.
func New(adapter ble.Adapter, opts Options) *Server {
	if adapter == nil {
		panic("server: New called with nil adapter")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		adapter: adapter,
		opts:    opts,
		hub:     NewHub(),
		watcher: ble.NewWatcher(adapter),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Hub returns the client hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start begins discovery and publishes it to clients.
func (s *Server) Start() error {
	s.feed = event.Subscribe(s.watcher.Feed(), s.handleFeed)
	if err := s.watcher.Start(); err != nil {
		s.feed.Close()
		return fmt.Errorf("server: start discovery: %w", err)
	}
	return nil
}

// Handler returns the HTTP routes: GET /ws and GET /peripherals.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /peripherals", s.handlePeripherals)
	return mux
}

// ListenAndServe serves Handler on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("[WS] listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	}
}

// Close stops discovery, closes the session and disconnects clients.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.closeSession()

	if s.feed != nil {
		s.feed.Close()
	}
	err := s.watcher.Close()
	s.hub.Close()
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WS] failed to upgrade connection", "error", err)
		return
	}
	s.hub.Add(conn)
	slog.Debug("[WS] client connected", "remote", conn.RemoteAddr())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.hub.Remove(conn)
			slog.Debug("[WS] client disconnected", "remote", conn.RemoteAddr())
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.reportError("", fmt.Errorf("invalid command: %w", err))
			continue
		}
		s.HandleCommand(cmd)
	}
}

func (s *Server) handlePeripherals(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Peripherals()); err != nil {
		slog.Warn("[WS] failed to encode peripherals", "error", err)
	}
}

// Peripherals returns the current discovery snapshot.
func (s *Server) Peripherals() []PeripheralView {
	ps := s.watcher.Peripherals()
	out := make([]PeripheralView, 0, len(ps))
	for _, p := range ps {
		out = append(out, viewOf(p))
	}
	return out
}

func viewOf(p *ble.Peripheral) PeripheralView {
	return PeripheralView{
		Address:   p.Address.String(),
		Name:      p.Name(),
		RSSI:      p.RSSI,
		Timestamp: p.Advertisement.Timestamp,
	}
}

func (s *Server) handleFeed(ev ble.FeedEvent) {
	switch ev.Kind {
	case ble.FeedAdded:
		s.hub.Broadcast(Event{Type: EventPeripheralAdded, Payload: viewOf(ev.Peripheral)})
	case ble.FeedReset:
		s.hub.Broadcast(Event{Type: EventPeripheralsReset})
	}
}

// HandleCommand executes one client command. Failures are reported to
// clients as error events. Connect runs in the background.
func (s *Server) HandleCommand(cmd Command) {
	switch cmd.Type {
	case CommandRefresh:
		if err := s.watcher.Refresh(); err != nil {
			s.reportError(cmd.Type, err)
		}
	case CommandConnect:
		if err := s.connect(cmd.Address); err != nil {
			s.reportError(cmd.Type, err)
		}
	case CommandSend:
		payload := cmd.Data
		if len(payload) == 0 {
			payload = []byte(cmd.Text)
		}
		if err := s.send(payload); err != nil {
			s.reportError(cmd.Type, err)
		}
	case CommandDisconnect:
		s.disconnect()
	case CommandUnpair:
		if err := s.unpair(); err != nil {
			s.reportError(cmd.Type, err)
		}
	default:
		s.reportError(cmd.Type, fmt.Errorf("unknown command %q", cmd.Type))
	}
}

func (s *Server) lookup(addr ble.Address) *ble.Peripheral {
	for _, p := range s.watcher.Peripherals() {
		if p.Address == addr {
			return p
		}
	}
	return nil
}

func (s *Server) connect(address string) error {
	addr, err := ble.ParseAddress(address)
	if err != nil {
		return err
	}
	p := s.lookup(addr)
	if p == nil {
		return fmt.Errorf("peripheral %s has not been discovered", addr)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ble.ErrClosed
	}
	if s.connecting != nil {
		s.connecting()
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.ConnectTimeout)
	s.connecting = cancel
	s.gen++
	gen := s.gen
	s.wg.Add(1)
	s.mu.Unlock()

	s.closeSession()

	go func() {
		defer s.wg.Done()
		defer cancel()

		sess, err := p.Connect(ctx, s.opts.Session)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.reportError(CommandConnect, err)
			}
			return
		}

		s.mu.Lock()
		if s.closed || s.gen != gen {
			s.mu.Unlock()
			sess.Close()
			return
		}
		res := &event.Group{}
		res.Add(event.Subscribe(sess.StatusChanged(), func(st ble.Status) {
			s.hub.Broadcast(Event{Type: EventStatus, Payload: StatusPayload{Address: addr.String(), Status: st.String()}})
		}))
		res.Add(event.Subscribe(sess.LinkStatusChanged(), func(cs ble.ConnectionStatus) {
			s.hub.Broadcast(Event{Type: EventLinkStatus, Payload: StatusPayload{Address: addr.String(), Status: cs.String()}})
		}))
		res.Add(event.Subscribe(sess.Messages(), func(m ble.Message) {
			s.hub.Broadcast(Event{Type: EventMessage, Payload: messagePayload(addr, m)})
		}))
		res.Add(sess)
		s.session = sess
		s.sessionRes = res
		s.connecting = nil
		s.mu.Unlock()

		s.hub.Broadcast(Event{Type: EventStatus, Payload: StatusPayload{Address: addr.String(), Status: sess.Status().String()}})
		s.hub.Broadcast(Event{Type: EventLinkStatus, Payload: StatusPayload{Address: addr.String(), Status: sess.LinkStatus().String()}})
	}()
	return nil
}

func messagePayload(addr ble.Address, m ble.Message) MessagePayload {
	mp := MessagePayload{Address: addr.String(), Data: m.Payload, Timestamp: m.Timestamp}
	if utf8.Valid(m.Payload) {
		mp.Text = string(m.Payload)
	}
	return mp
}

func (s *Server) send(payload []byte) error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return ble.ErrNotRunning
	}
	for _, sp := range protocol.Split(payload) {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.SendTimeout)
		err := sess.Send(ctx, payload, sp.Offset, sp.Length)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) disconnect() {
	s.mu.Lock()
	if s.connecting != nil {
		s.connecting()
		s.connecting = nil
	}
	s.gen++
	s.mu.Unlock()

	if addr, ok := s.closeSession(); ok {
		s.hub.Broadcast(Event{Type: EventStatus, Payload: StatusPayload{Address: addr.String(), Status: StatusDisconnected}})
	}
}

// unpair removes the OS pairing of the connected peripheral and closes
// the session.
func (s *Server) unpair() error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return ble.ErrNotRunning
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.SendTimeout)
	defer cancel()
	if err := sess.Unpair(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
	if addr, ok := s.closeSession(); ok {
		s.hub.Broadcast(Event{Type: EventStatus, Payload: StatusPayload{Address: addr.String(), Status: StatusUnpaired}})
	}
	return nil
}

// closeSession releases the current session, if any, and reports the
// address it was connected to.
func (s *Server) closeSession() (ble.Address, bool) {
	s.mu.Lock()
	sess, res := s.session, s.sessionRes
	s.session, s.sessionRes = nil, nil
	s.mu.Unlock()
	if sess == nil {
		return 0, false
	}
	if err := res.Close(); err != nil {
		slog.Warn("[WS] failed to close session", "address", sess.Address(), "error", err)
	}
	return sess.Address(), true
}

func (s *Server) reportError(cmd string, err error) {
	slog.Warn("[WS] command failed", "command", cmd, "error", err)
	s.hub.Broadcast(Event{Type: EventError, Payload: ErrorPayload{Command: cmd, Message: err.Error()}})
}

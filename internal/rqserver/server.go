// Package rqserver implements the server façade: it accepts
// authenticated clients, dispatches forwarded method calls onto the
// RunQueue engine, and relays engine events back to every connected client.
package rqserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/backend/internal/engineapi"
	"github.com/ocx/backend/internal/rqcrypto"
	"github.com/ocx/backend/internal/rqerrors"
	"github.com/ocx/backend/internal/rqtransport"
	"github.com/ocx/backend/internal/rqwire"
	"github.com/ocx/backend/internal/runqueue"
)

// Config configures a Server at construction.
type Config struct {
	Host          string
	Port          uint16
	Password      string
	WorkspaceDir  string
	RecvTimeout   time.Duration // default 500ms
	ClientDrain   time.Duration // default 5s
	Logger        *slog.Logger
	// RemoteEvents, when non-nil, is merged into the relayed event stream
	// alongside the engine's own events — wired to rqfanout.Relay.Subscribe
	// when more than one façade process shares a workspace over Redis.
	RemoteEvents <-chan engineapi.Event
}

// Server is the remote façade in front of a runqueue.Engine.
type Server struct {
	cfg    Config
	engine *runqueue.Engine
	logger *slog.Logger

	listener net.Listener

	clientsMu sync.Mutex
	clients   map[string]*clientConn

	unsubscribe engineapi.Unsubscribe
	shutdownWG  sync.WaitGroup
	closing     chan struct{}
	closeOnce   sync.Once
}

type clientConn struct {
	id         string
	conn       *rqtransport.Conn
	sessionKey []byte
}

// New constructs a Server bound to engine. It does not start listening
// until Start is called.
func New(cfg Config, engine *runqueue.Engine) (*Server, error) {
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = 500 * time.Millisecond
	}
	if cfg.ClientDrain <= 0 {
		cfg.ClientDrain = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		engine:  engine,
		logger:  logger,
		clients: make(map[string]*clientConn),
		closing: make(chan struct{}),
	}
	return s, nil
}

// Start binds the listen socket and begins accepting connections
// indefinitely, each spawning an authenticator goroutine.
// It also subscribes to the engine's event bus so every event is relayed
// to all connected clients.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rqserver: listen %s: %w", addr, err)
	}
	s.listener = ln

	events, unsubscribe := s.engine.Subscribe()
	s.unsubscribe = unsubscribe
	s.shutdownWG.Add(1)
	go s.relayEvents(s.mergeRemoteEvents(events))

	s.shutdownWG.Add(1)
	go s.acceptLoop()

	s.logger.Info("rqserver: listening", "addr", addr)
	return nil
}

// mergeRemoteEvents fans local and remote (cross-process) events into one
// channel when RemoteEvents is configured; otherwise it returns local
// unchanged so the no-fanout path allocates nothing extra.
func (s *Server) mergeRemoteEvents(local <-chan engineapi.Event) <-chan engineapi.Event {
	if s.cfg.RemoteEvents == nil {
		return local
	}
	out := make(chan engineapi.Event, 64)
	s.shutdownWG.Add(1)
	go func() {
		defer s.shutdownWG.Done()
		defer close(out)
		for {
			select {
			case <-s.closing:
				return
			case ev, ok := <-local:
				if !ok {
					return
				}
				out <- ev
			case ev, ok := <-s.cfg.RemoteEvents:
				if !ok {
					s.cfg.RemoteEvents = nil
					continue
				}
				out <- ev
			}
		}
	}()
	return out
}

func (s *Server) acceptLoop() {
	defer s.shutdownWG.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
				s.logger.Warn("rqserver: accept error", "error", err)
				continue
			}
		}
		s.shutdownWG.Add(1)
		go s.handleConnection(nc)
	}
}

func (s *Server) handleConnection(nc net.Conn) {
	defer s.shutdownWG.Done()
	conn := rqtransport.NewConn(nc, s.cfg.RecvTimeout)

	cc, err := s.authenticate(conn)
	if err != nil {
		s.logger.Warn("rqserver: authentication failed", "remote", nc.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	s.clientsMu.Lock()
	s.clients[cc.id] = cc
	s.clientsMu.Unlock()

	s.logger.Info("rqserver: client authenticated", "client_id", cc.id, "remote", nc.RemoteAddr())

	s.listenClient(cc)

	s.clientsMu.Lock()
	delete(s.clients, cc.id)
	s.clientsMu.Unlock()
	conn.Close()
}

// authenticate runs the authenticator state machine: PubKey, then
// SessionKey, then Login, then an accepted or rejected State.
func (s *Server) authenticate(conn *rqtransport.Conn) (*clientConn, error) {
	p, err := conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("authenticate: read pubkey: %w", err)
	}
	if p.Type != rqtransport.TypePubKey {
		conn.WriteState(rqtransport.StateError, "expected PubKey frame")
		return nil, fmt.Errorf("authenticate: unexpected frame type %s: %w", p.Type, rqerrors.ErrAuthenticationError)
	}
	peerPub, err := rqcrypto.ParsePublicKey(p.Body)
	if err != nil {
		conn.WriteState(rqtransport.StateError, "malformed public key")
		return nil, fmt.Errorf("authenticate: parse pubkey: %w", err)
	}

	sessionKey, err := rqcrypto.GenerateSessionKey()
	if err != nil {
		return nil, fmt.Errorf("authenticate: generate session key: %w", err)
	}
	encryptedKey, err := rqcrypto.EncryptSessionKey(peerPub, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("authenticate: encrypt session key: %w", err)
	}
	if err := conn.WriteSessionKey(encryptedKey); err != nil {
		return nil, fmt.Errorf("authenticate: send session key: %w", err)
	}
	conn.SetSessionKey(sessionKey)

	loginFrame, err := conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("authenticate: read login: %w", err)
	}
	if loginFrame.Type != rqtransport.TypeLogin {
		conn.WriteState(rqtransport.StateError, "expected Login frame")
		return nil, fmt.Errorf("authenticate: unexpected frame type %s: %w", loginFrame.Type, rqerrors.ErrAuthenticationError)
	}

	expected := rqcrypto.HashPassword(s.cfg.Password)
	if len(loginFrame.Body) != len(expected) || !hashesEqual(loginFrame.Body, expected[:]) {
		conn.WriteState(rqtransport.StateLoginError, "invalid credentials")
		return nil, fmt.Errorf("authenticate: bad password: %w", rqerrors.ErrAuthenticationError)
	}

	if err := conn.WriteState(rqtransport.StateLoginAccepted, "welcome"); err != nil {
		return nil, fmt.Errorf("authenticate: send accepted: %w", err)
	}

	return &clientConn{id: uuid.NewString(), conn: conn, sessionKey: sessionKey}, nil
}

func hashesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// listenClient reads frames from cc until the connection closes or the
// server shuts down. State frames are logged only. A Pickle frame that does
// not decode ends the session. Pickle frames carrying
// a MethodCall are dispatched onto the engine; a client-originated
// SignalEmit or MethodReturn is rejected with State(Error) rather than
// acted on.
func (s *Server) listenClient(cc *clientConn) {
	for {
		select {
		case <-s.closing:
			return
		default:
		}

		p, err := cc.conn.ReadFrame()
		if err != nil {
			if rqtransport.IsTimeout(err) {
				continue
			}
			s.logger.Info("rqserver: client disconnected", "client_id", cc.id, "error", err)
			return
		}

		switch p.Type {
		case rqtransport.TypeState:
			kind, msg, _ := rqtransport.DecodeStateBody(p.Body)
			s.logger.Debug("rqserver: client state", "client_id", cc.id, "kind", kind, "message", msg)
		case rqtransport.TypePickle:
			env, err := rqwire.Decode(p.Body)
			if err != nil {
				cc.conn.WriteState(rqtransport.StateError, "malformed pickle")
				s.logger.Info("rqserver: closing client after malformed pickle", "client_id", cc.id, "error", err)
				return
			}
			if env.Kind != rqwire.KindMethodCall {
				cc.conn.WriteState(rqtransport.StateError, "clients may only send MethodCall")
				continue
			}
			s.dispatchAndReply(cc, env)
		default:
			cc.conn.WriteState(rqtransport.StateError, "unexpected frame type")
		}
	}
}

// relayEvents subscribes to the engine and wraps every event as a
// SignalEmit, sending it to every connected client encrypted under that
// client's own session key. A send failure evicts that client only; the
// loop continues for the rest.
func (s *Server) relayEvents(events <-chan engineapi.Event) {
	defer s.shutdownWG.Done()
	for {
		select {
		case <-s.closing:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			env := rqwire.Envelope{Kind: rqwire.KindSignalEmit, Event: ev}
			body, err := rqwire.Encode(env)
			if err != nil {
				s.logger.Error("rqserver: encode signal", "error", err)
				continue
			}
			s.broadcast(body)
		}
	}
}

func (s *Server) broadcast(body []byte) {
	s.clientsMu.Lock()
	targets := make([]*clientConn, 0, len(s.clients))
	for _, cc := range s.clients {
		targets = append(targets, cc)
	}
	s.clientsMu.Unlock()

	for _, cc := range targets {
		if err := cc.conn.WritePickle(body); err != nil {
			s.logger.Info("rqserver: evicting client after failed relay", "client_id", cc.id, "error", err)
			s.clientsMu.Lock()
			delete(s.clients, cc.id)
			s.clientsMu.Unlock()
			cc.conn.Close()
		}
	}
}

// Shutdown performs the ordered shutdown sequence: snapshot with
// save_running_as_stopped=true, stop autoprocessing, stop accepting
// connections, wait up to ClientDrain for client goroutines, and close the
// engine. The Server does not hold the workspace lock and does not release
// it; the caller that acquired it does. Callers are responsible for
// asking the operator whether to wait on a still-running worker, which is
// outside the façade's concerns.
func (s *Server) Shutdown(ctx context.Context, persistPath string) error {
	s.closeOnce.Do(func() { close(s.closing) })

	rec, err := s.engine.SnapshotForPersist(true)
	if err != nil {
		s.logger.Error("rqserver: snapshot during shutdown", "error", err)
	} else if persistPath != "" {
		if err := runqueue.SaveToFile(persistPath, rec); err != nil {
			s.logger.Error("rqserver: persist during shutdown", "error", err)
		}
	}

	if err := s.engine.StopAutoprocessing(ctx); err != nil {
		s.logger.Warn("rqserver: stop autoprocessing during shutdown", "error", err)
	}

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.ClientDrain)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.shutdownWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-drainCtx.Done():
		s.logger.Warn("rqserver: shutdown drain timed out")
	}

	s.engine.Close()
	return nil
}

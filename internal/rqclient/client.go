// Package rqclient implements the client-side proxy: a type satisfying
// engineapi.EngineAPI that forwards every call over the wire protocol to a
// remote rqserver.Server, making the remote call transparent to callers
// that only know about engineapi.EngineAPI.
package rqclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ocx/backend/internal/engineapi"
	"github.com/ocx/backend/internal/queueitem"
	"github.com/ocx/backend/internal/rqcrypto"
	"github.com/ocx/backend/internal/rqerrors"
	"github.com/ocx/backend/internal/rqtransport"
	"github.com/ocx/backend/internal/rqwire"
)

// Config configures a Client at construction.
type Config struct {
	Host              string
	Port              uint16
	Password          string
	CallTimeout       time.Duration // default 5s
	LogFetchTimeout   time.Duration // default 20s
	RecvTimeout       time.Duration // default 500ms, bounds each frame read
	Logger            *slog.Logger
}

type pendingCall struct {
	resultCh chan rqwire.MethodResult
}

// Client is the remote proxy. It satisfies engineapi.EngineAPI.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *rqtransport.Conn
	connected bool

	callMu  sync.Mutex
	nextCID uint64
	pending map[uint64]*pendingCall

	subMu   sync.Mutex
	subs    map[int]chan engineapi.Event
	nextSub int

	closeCh chan struct{}
	closeOnce sync.Once
}

var _ engineapi.EngineAPI = (*Client)(nil)

// New constructs a disconnected Client; call Connect before use.
func New(cfg Config) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.LogFetchTimeout <= 0 {
		cfg.LogFetchTimeout = 20 * time.Second
	}
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[uint64]*pendingCall),
		subs:    make(map[int]chan engineapi.Event),
		closeCh: make(chan struct{}),
	}
}

// Connect dials the server, runs the handshake (PubKey -> SessionKey ->
// Login -> accepted State), and starts the receiver loop. On success it
// publishes a synthetic ResetTriggered event so subscribers resync their
// local caches against the freshly (re)established connection.
func (c *Client) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	nc, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("rqclient: dial %s: %w", addr, err)
	}
	conn := rqtransport.NewConn(nc, c.cfg.RecvTimeout)

	priv, err := rqcrypto.GenerateRSAKey()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rqclient: generate key: %w", err)
	}
	pubPEM, err := rqcrypto.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		conn.Close()
		return fmt.Errorf("rqclient: marshal pubkey: %w", err)
	}
	if err := conn.WritePubKey(pubPEM); err != nil {
		conn.Close()
		return fmt.Errorf("rqclient: send pubkey: %w", err)
	}

	p, err := conn.ReadFrame()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rqclient: read session key: %w", err)
	}
	if p.Type != rqtransport.TypeSessionKey {
		conn.Close()
		return fmt.Errorf("rqclient: expected SessionKey frame, got %s", p.Type)
	}
	sessionKey, err := rqcrypto.DecryptSessionKey(priv, p.Body)
	if err != nil {
		conn.Close()
		return fmt.Errorf("rqclient: decrypt session key: %w", err)
	}
	conn.SetSessionKey(sessionKey)

	hash := rqcrypto.HashPassword(c.cfg.Password)
	if err := conn.WriteLogin(hash); err != nil {
		conn.Close()
		return fmt.Errorf("rqclient: send login: %w", err)
	}

	stateFrame, err := conn.ReadFrame()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rqclient: read login result: %w", err)
	}
	if stateFrame.Type != rqtransport.TypeState {
		conn.Close()
		return fmt.Errorf("rqclient: expected State frame, got %s", stateFrame.Type)
	}
	kind, msg, _ := rqtransport.DecodeStateBody(stateFrame.Body)
	if kind != rqtransport.StateLoginAccepted {
		conn.Close()
		return fmt.Errorf("rqclient: login rejected: %s: %w", msg, rqerrors.ErrAuthenticationError)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.receiveLoop(conn)

	c.publish(engineapi.Event{Kind: engineapi.EventResetTriggered})
	return nil
}

// Disconnect closes the connection; the receive loop then fails pending
// calls with a RemoteError whose TypeName is "TransportClosed" rather than
// leaving them to hang.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.connected = false
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) receiveLoop(conn *rqtransport.Conn) {
	for {
		p, err := conn.ReadFrame()
		if err != nil {
			if rqtransport.IsTimeout(err) {
				if !c.isConnected() {
					c.failAllPending(rqerrors.ErrTransportClosed)
					return
				}
				continue
			}
			c.logger.Info("rqclient: connection closed", "error", err)
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			c.failAllPending(err)
			return
		}

		switch p.Type {
		case rqtransport.TypePickle:
			env, err := rqwire.Decode(p.Body)
			if err != nil {
				c.logger.Warn("rqclient: malformed pickle, closing connection", "error", err)
				c.mu.Lock()
				c.connected = false
				c.mu.Unlock()
				conn.Close()
				c.failAllPending(err)
				return
			}
			switch env.Kind {
			case rqwire.KindMethodReturn:
				c.resolveCall(env.CallID, env.Result)
			case rqwire.KindSignalEmit:
				c.publish(env.Event)
			default:
				c.logger.Warn("rqclient: unexpected envelope kind from server", "kind", env.Kind)
			}
		case rqtransport.TypeState:
			kind, msg, _ := rqtransport.DecodeStateBody(p.Body)
			c.logger.Debug("rqclient: server state", "kind", kind, "message", msg)
		}
	}
}

func (c *Client) failAllPending(err error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	for id, pc := range c.pending {
		pc.resultCh <- rqwire.MethodResult{Err: &rqwire.RemoteErr{TypeName: "TransportClosed", Message: err.Error()}}
		delete(c.pending, id)
	}
}

func (c *Client) resolveCall(callID uint64, result rqwire.MethodResult) {
	c.callMu.Lock()
	pc, ok := c.pending[callID]
	if ok {
		delete(c.pending, callID)
	}
	c.callMu.Unlock()
	if ok {
		pc.resultCh <- result
	}
}

// call sends a MethodCall envelope and blocks for its MethodReturn, up to
// timeout. A disconnected client returns a neutral zero MethodResult with a
// nil error rather than failing the call, logging a warning instead: this
// lets a UI bind to the proxy before the connection exists without every
// method call erroring out.
func (c *Client) call(ctx context.Context, method engineapi.MethodName, args rqwire.MethodArgs, timeout time.Duration) (rqwire.MethodResult, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		c.logger.Warn("rqclient: call while disconnected", "method", method)
		return rqwire.MethodResult{}, nil
	}

	c.callMu.Lock()
	cid := c.nextCID
	c.nextCID++
	pc := &pendingCall{resultCh: make(chan rqwire.MethodResult, 1)}
	c.pending[cid] = pc
	c.callMu.Unlock()

	env := rqwire.Envelope{Kind: rqwire.KindMethodCall, CallID: cid, Method: method, Args: args}
	body, err := rqwire.Encode(env)
	if err != nil {
		c.callMu.Lock()
		delete(c.pending, cid)
		c.callMu.Unlock()
		return rqwire.MethodResult{}, fmt.Errorf("call %s: encode: %w", method, err)
	}
	if err := conn.WritePickle(body); err != nil {
		c.callMu.Lock()
		delete(c.pending, cid)
		c.callMu.Unlock()
		return rqwire.MethodResult{}, fmt.Errorf("call %s: write: %w", method, rqerrors.ErrTransportClosed)
	}

	select {
	case res := <-pc.resultCh:
		return res, nil
	case <-time.After(timeout):
		c.callMu.Lock()
		delete(c.pending, cid)
		c.callMu.Unlock()
		return rqwire.MethodResult{}, fmt.Errorf("call %s: %w", method, rqerrors.ErrTimeout)
	case <-ctx.Done():
		c.callMu.Lock()
		delete(c.pending, cid)
		c.callMu.Unlock()
		return rqwire.MethodResult{}, ctx.Err()
	}
}

func resultErr(res rqwire.MethodResult) error {
	if res.Err == nil {
		return nil
	}
	return &rqerrors.RemoteError{TypeName: res.Err.TypeName, Message: res.Err.Message}
}

// --- engineapi.EngineAPI ----------------------------------------------------

func (c *Client) Add(ctx context.Context, name string, config []byte) (uint64, error) {
	res, err := c.call(ctx, engineapi.MethodAdd, rqwire.MethodArgs{Name: name, Config: config}, c.cfg.CallTimeout)
	if err != nil {
		return 0, err
	}
	return res.ID, resultErr(res)
}

func (c *Client) Cancel(ctx context.Context, id uint64) error {
	res, err := c.call(ctx, engineapi.MethodCancel, rqwire.MethodArgs{ItemID: id}, c.cfg.CallTimeout)
	if err != nil {
		return err
	}
	return resultErr(res)
}

func (c *Client) Stop(ctx context.Context, id uint64) error {
	res, err := c.call(ctx, engineapi.MethodStop, rqwire.MethodArgs{ItemID: id}, c.cfg.CallTimeout)
	if err != nil {
		return err
	}
	return resultErr(res)
}

func (c *Client) Delete(ctx context.Context, id uint64) error {
	res, err := c.call(ctx, engineapi.MethodDelete, rqwire.MethodArgs{ItemID: id}, c.cfg.CallTimeout)
	if err != nil {
		return err
	}
	return resultErr(res)
}

func (c *Client) MoveRelative(ctx context.Context, id uint64, delta int) error {
	res, err := c.call(ctx, engineapi.MethodMoveRelative, rqwire.MethodArgs{ItemID: id, Delta: delta}, c.cfg.CallTimeout)
	if err != nil {
		return err
	}
	return resultErr(res)
}

func (c *Client) MoveTo(ctx context.Context, id uint64, pos int) error {
	res, err := c.call(ctx, engineapi.MethodMoveTo, rqwire.MethodArgs{ItemID: id, Pos: pos}, c.cfg.CallTimeout)
	if err != nil {
		return err
	}
	return resultErr(res)
}

func (c *Client) DoAction(ctx context.Context, id uint64, action queueitem.Action) error {
	res, err := c.call(ctx, engineapi.MethodDoAction, rqwire.MethodArgs{ItemID: id, Action: action}, c.cfg.CallTimeout)
	if err != nil {
		return err
	}
	return resultErr(res)
}

func (c *Client) StartAutoprocessing(ctx context.Context) error {
	res, err := c.call(ctx, engineapi.MethodStartAutoprocessing, rqwire.MethodArgs{}, c.cfg.CallTimeout)
	if err != nil {
		return err
	}
	return resultErr(res)
}

func (c *Client) StopAutoprocessing(ctx context.Context) error {
	res, err := c.call(ctx, engineapi.MethodStopAutoprocessing, rqwire.MethodArgs{}, c.cfg.CallTimeout)
	if err != nil {
		return err
	}
	return resultErr(res)
}

func (c *Client) ForceStopAllRunning(ctx context.Context, msg string) error {
	res, err := c.call(ctx, engineapi.MethodForceStopAllRunning, rqwire.MethodArgs{Msg: msg}, c.cfg.CallTimeout)
	if err != nil {
		return err
	}
	return resultErr(res)
}

func (c *Client) SetPoolSize(ctx context.Context, n int) error {
	res, err := c.call(ctx, engineapi.MethodSetPoolSize, rqwire.MethodArgs{N: n}, c.cfg.CallTimeout)
	if err != nil {
		return err
	}
	return resultErr(res)
}

func (c *Client) QueueSnapshot(ctx context.Context) ([]uint64, error) {
	res, err := c.call(ctx, engineapi.MethodQueueSnapshot, rqwire.MethodArgs{}, c.cfg.CallTimeout)
	if err != nil {
		return nil, err
	}
	return res.Queue, resultErr(res)
}

func (c *Client) ItemsSnapshot(ctx context.Context) (map[uint64]queueitem.Item, error) {
	res, err := c.call(ctx, engineapi.MethodItemsSnapshot, rqwire.MethodArgs{}, c.cfg.CallTimeout)
	if err != nil {
		return nil, err
	}
	return res.Items, resultErr(res)
}

func (c *Client) CommandLineInfo(ctx context.Context) (map[uint64]engineapi.LogInfo, error) {
	res, err := c.call(ctx, engineapi.MethodCommandLineInfo, rqwire.MethodArgs{}, c.cfg.CallTimeout)
	if err != nil {
		return nil, err
	}
	return res.Info, resultErr(res)
}

func (c *Client) CommandLineOutput(ctx context.Context, id uint64, seekEnd, maxBytes int64) (string, time.Time, error) {
	res, err := c.call(ctx, engineapi.MethodCommandLineOutput, rqwire.MethodArgs{ItemID: id, SeekEnd: seekEnd, MaxBytes: maxBytes}, c.cfg.LogFetchTimeout)
	if err != nil {
		return "", time.Time{}, err
	}
	return res.Text, res.ModTime, resultErr(res)
}

func (c *Client) GetItemConfig(ctx context.Context, id uint64) ([]byte, error) {
	res, err := c.call(ctx, engineapi.MethodGetItemConfig, rqwire.MethodArgs{ItemID: id}, c.cfg.CallTimeout)
	if err != nil {
		return nil, err
	}
	return res.Config, resultErr(res)
}

func (c *Client) SetItemConfig(ctx context.Context, id uint64, config []byte) error {
	res, err := c.call(ctx, engineapi.MethodSetItemConfig, rqwire.MethodArgs{ItemID: id, Config: config}, c.cfg.CallTimeout)
	if err != nil {
		return err
	}
	return resultErr(res)
}

func (c *Client) Subscribe() (<-chan engineapi.Event, engineapi.Unsubscribe) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan engineapi.Event, 64)
	c.subs[id] = ch
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if existing, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(existing)
		}
	}
}

func (c *Client) publish(ev engineapi.Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

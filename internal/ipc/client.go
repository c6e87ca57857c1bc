package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/Sheraff/sso/internal/codec"
)

var (
	// ErrTimeout は所定時間内に応答が届かなかった場合に返される。
	ErrTimeout = errors.New("ipc: request timed out")
	// ErrDisconnected は応答待ちの間に接続が切断された場合に返される。
	ErrDisconnected = errors.New("ipc: connection lost")
	// ErrClientDestroyed はDisconnect後に要求した場合に返される。
	ErrClientDestroyed = errors.New("ipc: client destroyed")
)

// State はクライアント接続の状態。
//
//	connecting → connected → (disconnected → connecting)* → destroyed
//
// destroyed は終端状態で、Disconnect によってのみ遷移する。
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Dialer はソケットへの接続を確立する。*net.Dialer が満たす。
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ClientConfig はClientの設定。ゼロ値の項目は既定値を使う。
type ClientConfig struct {
	SocketPath        string
	ReconnectInterval time.Duration // 既定: 1秒
	CheckAuthTimeout  time.Duration // 既定: 1秒
	InvitationTimeout time.Duration // 既定: 5秒
	DialTimeout       time.Duration // 既定: 1秒
	WriteTimeout      time.Duration // 既定: 1秒
	// Coalesce が true の場合、同一の(cookie, host, path)による並行したcheckAuthを1件にまとめる。
	Coalesce     bool
	MaxFrameSize int
	Clock        clockwork.Clock
	Logger       *slog.Logger
	Dialer       Dialer
}

func (c *ClientConfig) applyDefaults() {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = time.Second
	}
	if c.CheckAuthTimeout <= 0 {
		c.CheckAuthTimeout = time.Second
	}
	if c.InvitationTimeout <= 0 {
		c.InvitationTimeout = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = codec.DefaultMaxFrameSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
}

type pendingResult struct {
	resp Response
	err  error
}

// Client はデーモンへの永続接続を1本保持し、切断時は一定間隔で再接続する。
// 並行利用しても安全。
type Client struct {
	cfg ClientConfig

	mu      sync.Mutex
	state   State
	started bool
	conn    net.Conn
	ready   chan struct{} // 接続確立時にclose
	pending map[uint64]chan pendingResult

	writeMu sync.Mutex
	nextID  atomic.Uint64
	group   singleflight.Group

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewClient はClientを生成する。接続はConnectで開始する。
func NewClient(cfg ClientConfig) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		state:   StateDisconnected,
		ready:   make(chan struct{}),
		pending: make(map[uint64]chan pendingResult),
		stop:    make(chan struct{}),
	}
}

// Connect は接続処理をバックグラウンドで開始する。
// 接続の確立は待たず、確立前の要求は接続されるかタイムアウトするまで待機する。
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDestroyed {
		return ErrClientDestroyed
	}
	if c.started {
		return nil
	}
	c.started = true
	c.state = StateConnecting

	c.wg.Add(1)
	go c.run()
	return nil
}

// State は現在の接続状態を返す。
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Disconnect は接続を閉じてクライアントを破棄する。
// 応答待ちの要求はErrClientDestroyedで失敗し、以降の要求も同様に失敗する。
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}
	c.state = StateDestroyed
	close(c.stop)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.failPendingLocked(ErrClientDestroyed)
	c.mu.Unlock()

	c.wg.Wait()
}

// run は接続と再接続を繰り返す。Disconnectで終了する。
func (c *Client) run() {
	defer c.wg.Done()

	for {
		conn, err := c.dial()
		if err == nil {
			if !c.attach(conn) {
				conn.Close()
				return
			}
			c.readLoop(conn)
			if !c.detach(conn) {
				return
			}
		} else {
			c.cfg.Logger.Debug("デーモンへの接続に失敗しました",
				slog.String("socket", c.cfg.SocketPath),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-c.stop:
			return
		case <-c.cfg.Clock.After(c.cfg.ReconnectInterval):
		}

		c.mu.Lock()
		if c.state == StateDestroyed {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()
	}
}

func (c *Client) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	return c.cfg.Dialer.DialContext(ctx, "unix", c.cfg.SocketPath)
}

// attach は確立した接続を登録する。破棄済みの場合はfalseを返す。
func (c *Client) attach(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDestroyed {
		return false
	}
	c.conn = conn
	c.state = StateConnected
	close(c.ready)

	c.cfg.Logger.Debug("デーモンに接続しました", slog.String("socket", c.cfg.SocketPath))
	return true
}

// detach は切断された接続を解除し、応答待ちの要求を失敗させる。
// 破棄済みの場合はfalseを返す。
func (c *Client) detach(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn.Close()
	if c.state == StateDestroyed {
		return false
	}
	c.conn = nil
	c.state = StateDisconnected
	c.ready = make(chan struct{})
	c.failPendingLocked(ErrDisconnected)

	c.cfg.Logger.Warn("デーモンとの接続が切断されました", slog.String("socket", c.cfg.SocketPath))
	return true
}

func (c *Client) failPendingLocked(err error) {
	for id, ch := range c.pending {
		ch <- pendingResult{err: err}
		delete(c.pending, id)
	}
}

func (c *Client) readLoop(conn net.Conn) {
	for {
		payload, err := codec.ReadFrame(conn, c.cfg.MaxFrameSize)
		if err != nil {
			return
		}

		var resp Response
		if err := codec.Unmarshal(payload, &resp); err != nil {
			c.cfg.Logger.Warn("デーモンから不正な応答を受信しました", slog.String("error", err.Error()))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- pendingResult{resp: resp}
		}
	}
}

// roundTrip は要求を送信し、同じIDの応答をtimeoutまで待つ。
// タイムアウトやキャンセルは自身の待機のみを解除し、他の要求には影響しない。
func (c *Client) roundTrip(ctx context.Context, typ string, message any, timeout time.Duration) (Response, error) {
	timer := c.cfg.Clock.NewTimer(timeout)
	defer timer.Stop()

	var raw codec.RawMessage
	if message != nil {
		data, err := codec.Marshal(message)
		if err != nil {
			return Response{}, fmt.Errorf("failed to encode %s: %w", typ, err)
		}
		raw = data
	}

	// 接続の確立を待つ
	var (
		conn net.Conn
		id   uint64
		ch   = make(chan pendingResult, 1)
	)
	for {
		c.mu.Lock()
		if c.state == StateDestroyed {
			c.mu.Unlock()
			return Response{}, ErrClientDestroyed
		}
		if c.conn != nil {
			conn = c.conn
			id = c.nextID.Add(1)
			c.pending[id] = ch
			c.mu.Unlock()
			break
		}
		ready := c.ready
		c.mu.Unlock()

		select {
		case <-ready:
		case <-timer.Chan():
			return Response{}, ErrTimeout
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-c.stop:
			return Response{}, ErrClientDestroyed
		}
	}

	if err := c.write(conn, Request{ID: id, Type: typ, Message: raw}); err != nil {
		c.forget(id)
		// 書き込み失敗は切断として扱い、readLoop側の検知に任せる
		return Response{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return Response{}, r.err
		}
		return r.resp, nil
	case <-timer.Chan():
		c.forget(id)
		return Response{}, ErrTimeout
	case <-ctx.Done():
		c.forget(id)
		return Response{}, ctx.Err()
	}
}

func (c *Client) write(conn net.Conn, req Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return codec.WriteFrame(conn, req)
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// CheckAuth はセッションCookieを検証する。
// 認証済みの場合は更新後のCookieを、未認証の場合はリダイレクト先を返す。
func (c *Client) CheckAuth(ctx context.Context, sessionCookie, host, path string) (CheckAuthResult, error) {
	if !c.cfg.Coalesce || sessionCookie == "" {
		return c.checkAuth(ctx, sessionCookie, host, path)
	}

	// 共有される要求は個々の呼び出し元のキャンセルに影響されないよう独立したctxで実行する
	key := sessionCookie + "\x00" + host + "\x00" + path
	ch := c.group.DoChan(key, func() (any, error) {
		return c.checkAuth(context.Background(), sessionCookie, host, path)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return CheckAuthResult{}, r.Err
		}
		return r.Val.(CheckAuthResult), nil
	case <-ctx.Done():
		return CheckAuthResult{}, ctx.Err()
	}
}

func (c *Client) checkAuth(ctx context.Context, sessionCookie, host, path string) (CheckAuthResult, error) {
	resp, err := c.roundTrip(ctx, TypeCheckAuth, CheckAuthRequest{
		SessionCookie: sessionCookie,
		Host:          host,
		Path:          path,
	}, c.cfg.CheckAuthTimeout)
	if err != nil {
		return CheckAuthResult{}, err
	}
	if resp.Error != nil {
		return CheckAuthResult{}, resp.Error.APIError()
	}

	var result CheckAuthResult
	if err := codec.Unmarshal(resp.Message, &result); err != nil {
		return CheckAuthResult{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := result.Validate(); err != nil {
		return CheckAuthResult{}, err
	}
	return result, nil
}

// GetInvitationCode はデーモンに招待コードの発行を要求する。
func (c *Client) GetInvitationCode(ctx context.Context) (string, error) {
	resp, err := c.roundTrip(ctx, TypeGetInvitationCode, nil, c.cfg.InvitationTimeout)
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", resp.Error.APIError()
	}

	var result InvitationCodeResult
	if err := codec.Unmarshal(resp.Message, &result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := result.Validate(); err != nil {
		return "", err
	}
	return result.Code, nil
}

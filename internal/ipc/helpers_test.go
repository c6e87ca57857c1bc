package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sheraff/sso/internal/cookiecrypt"
	"github.com/Sheraff/sso/internal/model"
)

const testAuthURL = "https://auth.example.com/login"

// --- モック定義 ---

// fakeSessions はCookie暗号とインメモリのセッション表によるSessionService。
type fakeSessions struct {
	cipher *cookiecrypt.Cipher

	mu       sync.Mutex
	sessions map[string]*model.SessionWithUser
	now      time.Time
	ttl      time.Duration

	decryptCalls atomic.Int32
	findErr      error
	// gate が非nilの場合、GetSessionWithUser はcloseされるまで待機する
	gate chan struct{}
	// panicOn が一致するセッションIDでpanicする
	panicOn string
}

func newFakeSessions(t *testing.T) *fakeSessions {
	t.Helper()
	c, err := cookiecrypt.New([]byte("ipc-test-secret-0123456789abcdef0123"))
	if err != nil {
		t.Fatalf("cookiecrypt.New() error = %v", err)
	}
	return &fakeSessions{
		cipher:   c,
		sessions: make(map[string]*model.SessionWithUser),
		now:      time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		ttl:      50 * 24 * time.Hour,
	}
}

func (f *fakeSessions) add(id, userID string, expiresAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = &model.SessionWithUser{
		Session: model.Session{ID: id, UserID: userID, ExpiresAt: expiresAt},
		Email:   userID + "@example.com",
	}
}

func (f *fakeSessions) expiry(id string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id].ExpiresAt
}

func (f *fakeSessions) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeSessions) DecryptSessionCookie(cookie string) (string, error) {
	f.decryptCalls.Add(1)
	return f.cipher.Decrypt(cookie)
}

func (f *fakeSessions) EncryptSessionCookie(id string) (string, error) {
	return f.cipher.Encrypt(id)
}

func (f *fakeSessions) GetSessionWithUser(ctx context.Context, id string) (*model.SessionWithUser, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.panicOn != "" && id == f.panicOn {
		panic("simulated failure")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	s, ok := f.sessions[id]
	if !ok || !s.ExpiresAt.After(f.now) {
		return nil, nil
	}
	c := *s
	return &c, nil
}

func (f *fakeSessions) RefreshSession(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || !s.ExpiresAt.After(f.now) {
		return false, nil
	}
	s.ExpiresAt = f.now.Add(f.ttl)
	return true, nil
}

// fakeInvites は連番の招待コードを返すInvitationService。
type fakeInvites struct {
	mu     sync.Mutex
	issued []string
	err    error
	// block が非nilの場合、closeされるまで発行を待機する
	block chan struct{}
}

func (f *fakeInvites) GenerateInvitationCode(ctx context.Context) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	code := fmt.Sprintf("apple-banana-%d", len(f.issued)+1)
	f.issued = append(f.issued, code)
	return code, nil
}

// --- ヘルパー ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer はサーバーのゴルーチンから並行に書き込まれるログの受け皿。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// socketPath はUnixソケットのパス長制限に収まる一時パスを返す。
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ssoipc")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

type runningServer struct {
	path   string
	cancel context.CancelFunc
	done   chan struct{}
}

// shutdown はサーバーを停止し、Serveが戻るまで待つ。停止しない場合はfalseを返す。
func (r *runningServer) shutdown() bool {
	r.cancel()
	select {
	case <-r.done:
		return true
	case <-time.After(5 * time.Second):
		return false
	}
}

func startServer(t *testing.T, path string, sessions SessionService, invites InvitationService, cfg ServerConfig) *runningServer {
	t.Helper()
	if cfg.AuthURL == "" {
		cfg.AuthURL = testAuthURL
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}

	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(sessions, invites, cfg)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ctx, ln); err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	}()

	rs := &runningServer{path: path, cancel: cancel, done: done}
	t.Cleanup(func() { rs.shutdown() })
	return rs
}

func newConnectedClient(t *testing.T, path string, cfg ClientConfig) *Client {
	t.Helper()
	cfg.SocketPath = path
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 20 * time.Millisecond
	}
	c := NewClient(cfg)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(c.Disconnect)
	waitState(t, c, StateConnected)
	return c
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func pendingCount(c *Client) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func asAPIError(t *testing.T, err error) *model.APIError {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v (%T), want *model.APIError", err, err)
	}
	return apiErr
}

// rawServer は任意の応答を返すテスト用のソケットサーバー。
func rawServer(t *testing.T, path string, handle func(conn net.Conn)) {
	t.Helper()
	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	var wg sync.WaitGroup
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
}

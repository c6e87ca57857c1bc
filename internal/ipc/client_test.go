package ipc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Sheraff/sso/internal/codec"
)

func TestClient_StateMachine(t *testing.T) {
	path := socketPath(t)
	rs := startServer(t, path, newFakeSessions(t), &fakeInvites{}, ServerConfig{})

	c := NewClient(ClientConfig{SocketPath: path, ReconnectInterval: 20 * time.Millisecond, Logger: discardLogger()})
	if c.State() != StateDisconnected {
		t.Errorf("initial state = %s, want disconnected", c.State())
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, c, StateConnected)

	// サーバー停止で切断され、再接続を試み続ける
	if !rs.shutdown() {
		t.Fatal("server did not stop")
	}
	deadline := time.Now().Add(3 * time.Second)
	for c.State() == StateConnected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s := c.State(); s != StateDisconnected && s != StateConnecting {
		t.Fatalf("state after server stop = %s", s)
	}

	// サーバー再起動で再接続する
	startServer(t, path, newFakeSessions(t), &fakeInvites{}, ServerConfig{})
	waitState(t, c, StateConnected)
	if _, err := c.GetInvitationCode(context.Background()); err != nil {
		t.Errorf("request after reconnect failed: %v", err)
	}

	c.Disconnect()
	if c.State() != StateDestroyed {
		t.Errorf("state = %s, want destroyed", c.State())
	}
	c.Disconnect()

	if _, err := c.CheckAuth(context.Background(), "", "app.example.com", "/"); !errors.Is(err, ErrClientDestroyed) {
		t.Errorf("CheckAuth() after Disconnect = %v, want ErrClientDestroyed", err)
	}
	if err := c.Connect(); !errors.Is(err, ErrClientDestroyed) {
		t.Errorf("Connect() after Disconnect = %v, want ErrClientDestroyed", err)
	}
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	path := socketPath(t)
	startServer(t, path, newFakeSessions(t), &fakeInvites{}, ServerConfig{})
	c := newConnectedClient(t, path, ClientConfig{})

	if err := c.Connect(); err != nil {
		t.Errorf("second Connect() error = %v", err)
	}
	if c.State() != StateConnected {
		t.Errorf("state = %s", c.State())
	}
}

func TestClient_RequestBeforeConnectionTimesOut(t *testing.T) {
	c := NewClient(ClientConfig{
		SocketPath:       socketPath(t),
		CheckAuthTimeout: 50 * time.Millisecond,
		Logger:           discardLogger(),
	})
	defer c.Disconnect()

	start := time.Now()
	_, err := c.CheckAuth(context.Background(), "", "app.example.com", "/")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("request should not hang past its timeout")
	}
}

func TestClient_RequestWaitsForConnection(t *testing.T) {
	path := socketPath(t)
	c := NewClient(ClientConfig{
		SocketPath:        path,
		ReconnectInterval: 10 * time.Millisecond,
		CheckAuthTimeout:  3 * time.Second,
		Logger:            discardLogger(),
	})
	defer c.Disconnect()
	c.Connect()

	result := make(chan error, 1)
	go func() {
		_, err := c.CheckAuth(context.Background(), "", "app.example.com", "/")
		result <- err
	}()

	time.Sleep(30 * time.Millisecond)
	startServer(t, path, newFakeSessions(t), &fakeInvites{}, ServerConfig{})

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("CheckAuth() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request did not complete after the daemon came up")
	}
}

func TestClient_TimeoutDeregistersOnlyItsOwnRequest(t *testing.T) {
	path := socketPath(t)
	invites := &fakeInvites{block: make(chan struct{})}
	defer close(invites.block)
	startServer(t, path, newFakeSessions(t), invites, ServerConfig{})
	c := newConnectedClient(t, path, ClientConfig{InvitationTimeout: 100 * time.Millisecond})

	var wg sync.WaitGroup
	var inviteErr, authErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, inviteErr = c.GetInvitationCode(context.Background())
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		_, authErr = c.CheckAuth(context.Background(), "", "app.example.com", "/")
	}()
	wg.Wait()

	if !errors.Is(inviteErr, ErrTimeout) {
		t.Errorf("GetInvitationCode() = %v, want ErrTimeout", inviteErr)
	}
	if authErr != nil {
		t.Errorf("CheckAuth() should be unaffected, got %v", authErr)
	}
	if n := pendingCount(c); n != 0 {
		t.Errorf("pending = %d, want 0 after timeout", n)
	}
}

func TestClient_ContextCancelDeregisters(t *testing.T) {
	path := socketPath(t)
	invites := &fakeInvites{block: make(chan struct{})}
	defer close(invites.block)
	startServer(t, path, newFakeSessions(t), invites, ServerConfig{})
	c := newConnectedClient(t, path, ClientConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := c.GetInvitationCode(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
	if n := pendingCount(c); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestClient_DisconnectFailsPendingFast(t *testing.T) {
	path := socketPath(t)
	invites := &fakeInvites{block: make(chan struct{})}
	defer close(invites.block)
	startServer(t, path, newFakeSessions(t), invites, ServerConfig{})
	c := newConnectedClient(t, path, ClientConfig{InvitationTimeout: 10 * time.Second})

	result := make(chan error, 1)
	go func() {
		_, err := c.GetInvitationCode(context.Background())
		result <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for pendingCount(c) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	c.Disconnect()
	select {
	case err := <-result:
		if !errors.Is(err, ErrClientDestroyed) {
			t.Errorf("err = %v, want ErrClientDestroyed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request should fail fast on Disconnect")
	}
}

func TestClient_ConnectionLossFailsPending(t *testing.T) {
	path := socketPath(t)
	// 1フレーム読んだら応答せずに切断するサーバー
	rawServer(t, path, func(conn net.Conn) {
		codec.ReadFrame(conn, codec.DefaultMaxFrameSize)
	})
	c := newConnectedClient(t, path, ClientConfig{InvitationTimeout: 5 * time.Second})

	start := time.Now()
	_, err := c.GetInvitationCode(context.Background())
	if !errors.Is(err, ErrDisconnected) {
		t.Errorf("err = %v, want ErrDisconnected", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("pending request should fail fast on connection loss")
	}
}

func TestClient_RejectsResponsesOutsideSchema(t *testing.T) {
	path := socketPath(t)
	rawServer(t, path, func(conn net.Conn) {
		for {
			payload, err := codec.ReadFrame(conn, codec.DefaultMaxFrameSize)
			if err != nil {
				return
			}
			var req Request
			codec.Unmarshal(payload, &req)
			// 認証済みなのにCookieを含まない応答
			msg, _ := codec.Marshal(CheckAuthResult{Authenticated: true, UserID: "user-1"})
			codec.WriteFrame(conn, Response{ID: req.ID, Type: req.Type, Message: msg})
		}
	})
	c := newConnectedClient(t, path, ClientConfig{})

	if _, err := c.CheckAuth(context.Background(), "", "app.example.com", "/"); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("CheckAuth() = %v, want ErrInvalidResponse", err)
	}
	if _, err := c.GetInvitationCode(context.Background()); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("GetInvitationCode() = %v, want ErrInvalidResponse", err)
	}
}

func TestClient_CorrelationIDsIncrease(t *testing.T) {
	path := socketPath(t)
	var mu sync.Mutex
	var ids []uint64
	rawServer(t, path, func(conn net.Conn) {
		for {
			payload, err := codec.ReadFrame(conn, codec.DefaultMaxFrameSize)
			if err != nil {
				return
			}
			var req Request
			codec.Unmarshal(payload, &req)
			mu.Lock()
			ids = append(ids, req.ID)
			mu.Unlock()
			msg, _ := codec.Marshal(InvitationCodeResult{Code: "a-b-c"})
			codec.WriteFrame(conn, Response{ID: req.ID, Type: req.Type, Message: msg})
		}
	})
	c := newConnectedClient(t, path, ClientConfig{})

	for i := 0; i < 5; i++ {
		if _, err := c.GetInvitationCode(context.Background()); err != nil {
			t.Fatalf("GetInvitationCode() error = %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("ids not increasing: %v", ids)
		}
	}
}

func TestClient_IgnoresReplyForUnknownID(t *testing.T) {
	path := socketPath(t)
	rawServer(t, path, func(conn net.Conn) {
		for {
			payload, err := codec.ReadFrame(conn, codec.DefaultMaxFrameSize)
			if err != nil {
				return
			}
			var req Request
			codec.Unmarshal(payload, &req)
			msg, _ := codec.Marshal(InvitationCodeResult{Code: "stray"})
			codec.WriteFrame(conn, Response{ID: req.ID + 1000, Type: req.Type, Message: msg})
			msg, _ = codec.Marshal(InvitationCodeResult{Code: "mine"})
			codec.WriteFrame(conn, Response{ID: req.ID, Type: req.Type, Message: msg})
		}
	})
	c := newConnectedClient(t, path, ClientConfig{})

	code, err := c.GetInvitationCode(context.Background())
	if err != nil || code != "mine" {
		t.Errorf("GetInvitationCode() = %q, %v; want mine", code, err)
	}
}

func TestClient_CoalescesIdenticalCheckAuth(t *testing.T) {
	path := socketPath(t)
	sessions := newFakeSessions(t)
	sessions.add("sess-1", "user-1", sessions.now.Add(time.Hour))
	sessions.gate = make(chan struct{})
	startServer(t, path, sessions, &fakeInvites{}, ServerConfig{})
	c := newConnectedClient(t, path, ClientConfig{Coalesce: true, CheckAuthTimeout: 5 * time.Second})

	cookie, _ := sessions.cipher.Encrypt("sess-1")

	const callers = 10
	var wg sync.WaitGroup
	results := make(chan CheckAuthResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.CheckAuth(context.Background(), cookie, "app.example.com", "/")
			if err != nil {
				t.Errorf("CheckAuth() error = %v", err)
				return
			}
			results <- res
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(sessions.gate)
	wg.Wait()
	close(results)

	if n := sessions.decryptCalls.Load(); n != 1 {
		t.Errorf("daemon saw %d checkAuth requests, want 1", n)
	}
	var first string
	for res := range results {
		if !res.Authenticated {
			t.Errorf("unexpected result: %+v", res)
		}
		if first == "" {
			first = res.Cookie
		} else if res.Cookie != first {
			t.Error("coalesced callers should share one result")
		}
	}
}

func TestClient_CoalesceKeepsDistinctTargetsSeparate(t *testing.T) {
	path := socketPath(t)
	sessions := newFakeSessions(t)
	startServer(t, path, sessions, &fakeInvites{}, ServerConfig{})
	c := newConnectedClient(t, path, ClientConfig{Coalesce: true})

	cookie, _ := sessions.cipher.Encrypt("unknown")
	a, err := c.CheckAuth(context.Background(), cookie, "app.example.com", "/a")
	if err != nil {
		t.Fatalf("CheckAuth() error = %v", err)
	}
	b, err := c.CheckAuth(context.Background(), cookie, "app.example.com", "/b")
	if err != nil {
		t.Fatalf("CheckAuth() error = %v", err)
	}
	if a.Redirect == b.Redirect {
		t.Error("different paths must yield their own redirects")
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateDestroyed:    "destroyed",
		State(99):         "State(99)",
	} {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

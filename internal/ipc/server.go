package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Sheraff/sso/internal/codec"
	"github.com/Sheraff/sso/internal/metrics"
	"github.com/Sheraff/sso/internal/model"
)

// SessionService はcheckAuthが利用するセッション操作。
type SessionService interface {
	DecryptSessionCookie(cookie string) (string, error)
	GetSessionWithUser(ctx context.Context, sessionID string) (*model.SessionWithUser, error)
	RefreshSession(ctx context.Context, sessionID string) (bool, error)
	EncryptSessionCookie(sessionID string) (string, error)
}

// InvitationService はgetInvitationCodeが利用する招待コード操作。
type InvitationService interface {
	GenerateInvitationCode(ctx context.Context) (string, error)
}

// ServerConfig はServerの設定。ゼロ値の項目は既定値を使う。
type ServerConfig struct {
	// AuthURL は未認証時のリダイレクト先となるサインインページのURL。
	AuthURL string
	// RateLimit と RateBurst は接続ごとのメッセージ受付レート。
	RateLimit      rate.Limit
	RateBurst      int
	MaxFrameSize   int
	WriteTimeout   time.Duration
	HandlerTimeout time.Duration
	Logger         *slog.Logger
	Metrics        metrics.MetricsCollector
}

const (
	defaultRateLimit      = rate.Limit(200)
	defaultRateBurst      = 400
	defaultWriteTimeout   = 5 * time.Second
	defaultHandlerTimeout = 10 * time.Second
)

// Server はUnixソケット上でローカルプロトコルを提供する。
// 各メッセージは個別のゴルーチンで処理され、メッセージ間の順序は保証しない。
type Server struct {
	sessions SessionService
	invites  InvitationService
	cfg      ServerConfig
	logger   *slog.Logger
	metrics  metrics.MetricsCollector

	mu    sync.Mutex
	conns map[*serverConn]struct{}

	activeConnections sync.WaitGroup
}

// NewServer はServerを生成する。
func NewServer(sessions SessionService, invites InvitationService, cfg ServerConfig) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = codec.DefaultMaxFrameSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return &Server{
		sessions: sessions,
		invites:  invites,
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		conns:    make(map[*serverConn]struct{}),
	}
}

// Listen はソケットファイルを作成して待ち受けを開始する。
// 前回の異常終了で残ったソケットファイルは削除する。
func Listen(socketPath string) (net.Listener, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", socketPath, err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	return ln, nil
}

// Serve はlnで接続を受け付ける。ctxがキャンセルされると新規接続の受付と
// 既存接続からの読み込みを停止し、処理中のメッセージへの応答を待ってから戻る。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer func() {
		ln.Close()
		if addr, ok := ln.Addr().(*net.UnixAddr); ok {
			os.Remove(addr.Name)
		}
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeReads()
	}()

	s.logger.Info("ローカルプロトコルの待ち受けを開始しました",
		slog.String("addr", ln.Addr().String()),
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("接続の受け付けに失敗しました", slog.String("error", err.Error()))
			continue
		}

		sc := s.track(conn)
		if sc == nil {
			conn.Close()
			continue
		}
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			defer s.untrack(sc)
			sc.serve(ctx)
		}()
	}

	s.activeConnections.Wait()
	s.logger.Info("ローカルプロトコルの待ち受けを停止しました")
	return nil
}

func (s *Server) track(conn net.Conn) *serverConn {
	sc := &serverConn{
		srv:     s,
		conn:    conn,
		limiter: rate.NewLimiter(s.cfg.RateLimit, s.cfg.RateBurst),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return nil
	}
	s.conns[sc] = struct{}{}
	return sc
}

func (s *Server) untrack(sc *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, sc)
}

// closeReads は全接続の読み込み側を閉じ、以降の接続を拒否する。
func (s *Server) closeReads() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sc := range s.conns {
		sc.closeRead()
	}
	s.conns = nil
}

// serverConn は1本のクライアント接続。書き込みは接続単位で直列化する。
type serverConn struct {
	srv     *Server
	conn    net.Conn
	limiter *rate.Limiter

	writeMu  sync.Mutex
	handlers sync.WaitGroup
}

func (c *serverConn) serve(ctx context.Context) {
	defer c.conn.Close()

	for {
		payload, err := codec.ReadFrame(c.conn, c.srv.cfg.MaxFrameSize)
		if err != nil {
			if errors.Is(err, codec.ErrFrameTooLarge) {
				c.srv.logger.Warn("上限を超えるフレームを受信したため接続を閉じます")
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.srv.logger.Debug("接続の読み込みを終了します", slog.String("error", err.Error()))
			}
			break
		}

		var req Request
		if err := codec.Unmarshal(payload, &req); err != nil {
			c.writeError(0, "", model.NewInvalidRequestError("malformed frame"))
			continue
		}

		if !c.limiter.Allow() {
			c.writeError(req.ID, req.Type, model.NewRateLimitedError())
			continue
		}

		c.handlers.Add(1)
		go func() {
			defer c.handlers.Done()
			c.handle(ctx, req)
		}()
	}

	// 処理中のメッセージに応答してから接続を閉じる
	c.handlers.Wait()
}

func (c *serverConn) closeRead() {
	if uc, ok := c.conn.(interface{ CloseRead() error }); ok {
		uc.CloseRead()
		return
	}
	c.conn.Close()
}

func (c *serverConn) handle(parent context.Context, req Request) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.srv.logger.Error("メッセージ処理中にpanicが発生しました",
				slog.String("type", req.Type),
				slog.Any("panic", r),
			)
			c.writeError(req.ID, req.Type, model.NewInternalError())
		}
		c.srv.metrics.RecordRequestDuration(req.Type, time.Since(start))
	}()

	// 停止処理中も応答を返せるよう、キャンセルは引き継がずタイムアウトのみ設ける
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.srv.cfg.HandlerTimeout)
	defer cancel()

	switch req.Type {
	case TypeCheckAuth:
		var msg CheckAuthRequest
		if len(req.Message) > 0 {
			if err := codec.Unmarshal(req.Message, &msg); err != nil {
				msg = CheckAuthRequest{}
			}
		}
		result, apiErr := c.srv.checkAuth(ctx, msg)
		if apiErr != nil {
			c.writeError(req.ID, req.Type, apiErr)
			return
		}
		c.writeResult(req.ID, req.Type, result)

	case TypeGetInvitationCode:
		code, apiErr := c.srv.getInvitationCode(ctx)
		if apiErr != nil {
			c.writeError(req.ID, req.Type, apiErr)
			return
		}
		c.writeResult(req.ID, req.Type, InvitationCodeResult{Code: code})

	default:
		c.writeError(req.ID, req.Type, model.NewUnknownMessageError(req.Type))
	}
}

func (c *serverConn) writeResult(id uint64, typ string, result any) {
	data, err := codec.Marshal(result)
	if err != nil {
		c.srv.logger.Error("応答の符号化に失敗しました", slog.String("error", err.Error()))
		c.writeError(id, typ, model.NewInternalError())
		return
	}
	c.write(Response{ID: id, Type: typ, Message: data})
}

func (c *serverConn) writeError(id uint64, typ string, apiErr *model.APIError) {
	c.write(Response{ID: id, Type: typ, Error: errorBody(apiErr)})
}

func (c *serverConn) write(resp Response) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	if err := codec.WriteFrame(c.conn, resp); err != nil {
		c.srv.logger.Debug("応答の書き込みに失敗しました", slog.String("error", err.Error()))
	}
}

// checkAuth はCookieを検証し、認証結果またはリダイレクト先を返す。
// Cookieの不正と期限切れは呼び出し側から区別できない。
func (s *Server) checkAuth(ctx context.Context, req CheckAuthRequest) (CheckAuthResult, *model.APIError) {
	if err := req.Validate(); err != nil {
		s.logger.Warn("不正なcheckAuth要求を受信しました", slog.String("reason", err.Error()))
		s.metrics.RecordAuthCheck(metrics.ResultUnauthenticated)
		return CheckAuthResult{Redirect: BuildRedirect(s.cfg.AuthURL, "", "")}, nil
	}

	unauthenticated := CheckAuthResult{Redirect: BuildRedirect(s.cfg.AuthURL, req.Host, req.Path)}

	if req.SessionCookie == "" {
		s.metrics.RecordAuthCheck(metrics.ResultUnauthenticated)
		return unauthenticated, nil
	}

	sessionID, err := s.sessions.DecryptSessionCookie(req.SessionCookie)
	if err != nil {
		s.logger.Warn("改ざんの可能性があるCookieを受信しました",
			slog.String("host", req.Host),
			slog.String("path", req.Path),
			slog.String("reason", err.Error()),
		)
		s.metrics.RecordCookieVerificationFailure()
		s.metrics.RecordAuthCheck(metrics.ResultUnauthenticated)
		return unauthenticated, nil
	}

	sess, err := s.sessions.GetSessionWithUser(ctx, sessionID)
	if err != nil {
		s.logger.Error("セッションの取得に失敗しました", slog.String("error", err.Error()))
		s.metrics.RecordAuthCheck(metrics.ResultError)
		return CheckAuthResult{}, model.NewStoreUnavailableError()
	}
	if sess == nil {
		s.metrics.RecordAuthCheck(metrics.ResultUnauthenticated)
		return unauthenticated, nil
	}

	refreshed, err := s.sessions.RefreshSession(ctx, sessionID)
	if err != nil {
		s.logger.Error("セッションの延長に失敗しました", slog.String("error", err.Error()))
		s.metrics.RecordAuthCheck(metrics.ResultError)
		return CheckAuthResult{}, model.NewStoreUnavailableError()
	}
	if !refreshed {
		// 取得から延長までの間に失効した
		s.metrics.RecordAuthCheck(metrics.ResultUnauthenticated)
		return unauthenticated, nil
	}

	cookie, err := s.sessions.EncryptSessionCookie(sessionID)
	if err != nil {
		s.logger.Error("Cookieの暗号化に失敗しました", slog.String("error", err.Error()))
		s.metrics.RecordAuthCheck(metrics.ResultError)
		return CheckAuthResult{}, model.NewInternalError()
	}

	s.metrics.RecordAuthCheck(metrics.ResultAuthenticated)
	return CheckAuthResult{
		Authenticated: true,
		UserID:        sess.UserID,
		Cookie:        cookie,
	}, nil
}

func (s *Server) getInvitationCode(ctx context.Context) (string, *model.APIError) {
	code, err := s.invites.GenerateInvitationCode(ctx)
	if err != nil {
		s.logger.Error("招待コードの発行に失敗しました", slog.String("error", err.Error()))
		return "", model.NewInvitationFailedError()
	}
	return code, nil
}

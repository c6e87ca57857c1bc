// Package app はコマンドライン引数の解析と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/Sheraff/sso/internal/config"
	"github.com/Sheraff/sso/internal/cookiecrypt"
	"github.com/Sheraff/sso/internal/database"
	"github.com/Sheraff/sso/internal/handler"
	"github.com/Sheraff/sso/internal/handshake"
	"github.com/Sheraff/sso/internal/invite"
	"github.com/Sheraff/sso/internal/ipc"
	"github.com/Sheraff/sso/internal/logger"
	"github.com/Sheraff/sso/internal/metrics"
	"github.com/Sheraff/sso/internal/repository"
	"github.com/Sheraff/sso/internal/session"
	"github.com/Sheraff/sso/internal/worker/cleanup"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数のConfigを読み込み、
// LOG_LEVELをロガーに反映する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	level := new(slog.LevelVar)
	l := logger.SetupDefault(w, level)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	lvl, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	level.Set(lvl)

	return cfg, l, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。serve/migrateのログはstdoutに、
// それ以外のサブコマンドのログはstderrに出力し、stdoutには結果のみを書く。
func Run(stdout, stderr io.Writer, args []string) error {
	cmd := ParseCommand(args)
	flags := subcommandArgs(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// healthcheck と check は軽量サブコマンドのため、フル初期化をスキップする
	switch cmd {
	case CommandHealthcheck:
		opts, err := ParseHealthcheckFlags(flags, stderr)
		if err != nil {
			return err
		}
		return runHealthcheck(ctx, opts.Addr)
	case CommandCheck:
		opts, err := ParseCheckFlags(flags, stderr)
		if err != nil {
			return err
		}
		return runCheck(ctx, opts, logger.Setup(stderr, slog.LevelWarn), stdout)
	}

	var inviteOpts InviteOptions
	logOut := stdout
	if cmd == CommandInvite {
		opts, err := ParseInviteFlags(flags, stderr)
		if err != nil {
			return err
		}
		inviteOpts = opts
		logOut = stderr
	}

	cfg, l, err := Init(logOut)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	l.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("socket_path", cfg.SocketPath),
		slog.String("admin_addr", cfg.AdminAddr),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, l)
	case CommandInvite:
		return runInvite(ctx, cfg, l, inviteOpts, stdout)
	default:
		return runServe(ctx, cfg, l)
	}
}

// Services はデーモンのドメインサービス一式。
// HandshakesはOAuthフローを担当するフロントエンドを同一プロセスに組み込む場合に使う。
type Services struct {
	Cipher     *cookiecrypt.Cipher
	Sessions   *session.Manager
	Sweeper    *session.Sweeper
	Invites    *invite.Issuer
	Handshakes *handshake.Store
}

// NewServices はリポジトリとドメインサービスを構築する。DBへの接続は行わない。
func NewServices(db *sql.DB, cfg *config.Config, l *slog.Logger, collector metrics.MetricsCollector, clock clockwork.Clock) (*Services, error) {
	// 1. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	accountRepo := repository.NewPostgresAccountRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	inviteRepo := repository.NewPostgresInviteRepo(db)

	// 2. Cookie暗号化
	cipher, err := cookiecrypt.New([]byte(cfg.SessionSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie cipher: %w", err)
	}

	// 3. 期限切れ削除（セッション操作のたびに予約される）
	sweeper := session.NewSweeper(
		cleanup.NewJob(db, logger.Component(l, "cleanup"), clock),
		session.SweeperConfig{
			Interval: cfg.SessionSweepInterval,
			Clock:    clock,
			Logger:   logger.Component(l, "sweeper"),
			Metrics:  collector,
		},
	)

	// 4. ドメインサービス
	manager := session.NewManager(userRepo, accountRepo, sessionRepo, cipher, session.Config{
		TTL:     cfg.SessionTTL,
		Clock:   clock,
		Logger:  logger.Component(l, "session"),
		Sweeper: sweeper,
	})

	issuer := invite.NewIssuer(inviteRepo, invite.Config{
		TTL:              cfg.InviteTTL,
		SuccessDelay:     cfg.InviteSuccessDelay,
		FailureBaseDelay: cfg.InviteFailureBaseDelay,
		FailureMaxDelay:  cfg.InviteFailureMaxDelay,
		FailureWindow:    cfg.InviteFailureWindow,
		Clock:            clock,
		Logger:           logger.Component(l, "invite"),
		Metrics:          collector,
	})

	handshakes, err := handshake.NewStore(cfg.HandshakeCacheSize, cfg.HandshakeTTL, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake store: %w", err)
	}

	return &Services{
		Cipher:     cipher,
		Sessions:   manager,
		Sweeper:    sweeper,
		Invites:    issuer,
		Handshakes: handshakes,
	}, nil
}

// openDB はDB接続を開き、プール設定を適用して疎通を確認する。
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	database.ApplyPool(db, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はデーモンモードで起動する。
// ローカルソケットで認証判定を、管理用HTTPで/healthと/metricsを提供する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, l *slog.Logger) error {
	// 1. DB接続
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	l.Info("database connection established")

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. ドメインサービス
	services, err := NewServices(db, cfg, l, collector, clockwork.NewRealClock())
	if err != nil {
		return err
	}
	defer services.Sweeper.Stop()

	// 4. ローカルプロトコルサーバー
	ipcServer := ipc.NewServer(services.Sessions, services.Invites, ipc.ServerConfig{
		AuthURL:   cfg.AuthURL,
		RateLimit: rate.Limit(cfg.IPCRateLimit),
		RateBurst: cfg.IPCRateBurst,
		Logger:    logger.Component(l, "ipc"),
		Metrics:   collector,
	})
	ln, err := ipc.Listen(cfg.SocketPath)
	if err != nil {
		return err
	}

	// 5. 管理用HTTPサーバー
	adminServer := &http.Server{
		Addr: cfg.AdminAddr,
		Handler: handler.NewAdminRouter(&handler.AdminDeps{
			Health:  db,
			Metrics: metrics.Handler(reg),
			Logger:  logger.Component(l, "admin"),
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ipcDone := make(chan error, 1)
	go func() {
		ipcDone <- ipcServer.Serve(serveCtx, ln)
	}()

	adminDone := make(chan error, 1)
	go func() {
		l.Info("admin server starting", slog.String("addr", adminServer.Addr))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			adminDone <- err
		}
	}()

	var runErr error
	ipcReturned := false
	select {
	case <-serveCtx.Done():
	case err := <-ipcDone:
		ipcReturned = true
		runErr = err
	case err := <-adminDone:
		runErr = fmt.Errorf("admin server failed: %w", err)
	}

	l.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := adminServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("admin server shutdown failed: %w", err)
	}
	if !ipcReturned {
		// 処理中のメッセージへの応答を待つ
		if err := <-ipcDone; err != nil && runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		return runErr
	}
	l.Info("daemon stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, l *slog.Logger) error {
	l.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.MigrateUp(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	l.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runInvite は招待コードをopts.Count個発行し、1行に1つずつoutへ書き出す。
func runInvite(ctx context.Context, cfg *config.Config, l *slog.Logger, opts InviteOptions, out io.Writer) error {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	services, err := NewServices(db, cfg, l, metrics.Nop{}, clockwork.NewRealClock())
	if err != nil {
		return err
	}
	defer services.Sweeper.Stop()

	return issueCodes(ctx, services.Invites, opts.Count, out)
}

// codeIssuer はinviteサブコマンドが利用する招待コード発行処理。
type codeIssuer interface {
	GenerateInvitationCode(ctx context.Context) (string, error)
}

func issueCodes(ctx context.Context, issuer codeIssuer, count int, out io.Writer) error {
	for i := 0; i < count; i++ {
		code, err := issuer.GenerateInvitationCode(ctx)
		if err != nil {
			return fmt.Errorf("failed to issue invitation code: %w", err)
		}
		if _, err := fmt.Fprintln(out, code); err != nil {
			return err
		}
	}
	return nil
}

// checkOutput はcheckサブコマンドの出力形式。
type checkOutput struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"user_id,omitempty"`
	Cookie        string `json:"cookie,omitempty"`
	Redirect      string `json:"redirect,omitempty"`
}

// runCheck はデーモンに接続してcheckAuthを1回実行し、結果をJSONでoutへ書き出す。
func runCheck(ctx context.Context, opts CheckOptions, l *slog.Logger, out io.Writer) error {
	client := ipc.NewClient(ipc.ClientConfig{
		SocketPath:       opts.Socket,
		CheckAuthTimeout: opts.Timeout,
		Logger:           l,
	})
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Disconnect()

	result, err := client.CheckAuth(ctx, opts.Cookie, opts.Host, opts.Path)
	if err != nil {
		return fmt.Errorf("checkAuth failed: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(checkOutput{
		Authenticated: result.Authenticated,
		UserID:        result.UserID,
		Cookie:        result.Cookie,
		Redirect:      result.Redirect,
	})
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// 管理用HTTPの/healthエンドポイントにリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}

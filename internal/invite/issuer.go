// Package invite は招待コードの発行・検証・消費を提供する。
// 検証には総当たり対策として意図的な遅延を入れる。
// 成功時は一定の遅延、失敗時は連続失敗回数に応じて増加する遅延となる。
package invite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Sheraff/sso/internal/metrics"
	"github.com/Sheraff/sso/internal/model"
	"github.com/Sheraff/sso/internal/repository"
)

// 既定値。
const (
	DefaultTTL              = 30 * 24 * time.Hour
	DefaultSuccessDelay     = time.Second
	DefaultFailureBaseDelay = 500 * time.Millisecond
	DefaultFailureMaxDelay  = 60 * time.Second
	DefaultFailureWindow    = 60 * time.Second
	DefaultMaxAttempts      = 10
)

// ErrCodeSpaceExhausted は衝突しないコードを規定回数内に生成できなかった場合に返される。
var ErrCodeSpaceExhausted = errors.New("could not generate a unique invitation code")

// Config は招待コード発行の設定。ゼロ値の項目は既定値を使う。
type Config struct {
	TTL              time.Duration
	SuccessDelay     time.Duration
	FailureBaseDelay time.Duration
	FailureMaxDelay  time.Duration
	FailureWindow    time.Duration
	MaxAttempts      int
	Words            WordSource
	Clock            clockwork.Clock
	Logger           *slog.Logger
	Metrics          metrics.MetricsCollector
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.SuccessDelay < 0 {
		c.SuccessDelay = 0
	}
	if c.FailureBaseDelay <= 0 {
		c.FailureBaseDelay = DefaultFailureBaseDelay
	}
	if c.FailureMaxDelay <= 0 {
		c.FailureMaxDelay = DefaultFailureMaxDelay
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = DefaultFailureWindow
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Words == nil {
		c.Words = DicewareWords
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Nop{}
	}
}

// Issuer は招待コードの発行・検証・消費を行う。
type Issuer struct {
	repo     repository.InviteRepository
	throttle *Throttle
	cfg      Config

	// failGate は失敗時の遅延を1件ずつ直列化する。
	// 並行に試行しても単位時間あたりの試行数は遅延で制限される。
	failGate chan struct{}
}

// NewIssuer はIssuerを生成する。
// SuccessDelayのみ0を有効な値として扱う（既定値の1秒は設定層で与える）。
func NewIssuer(repo repository.InviteRepository, cfg Config) *Issuer {
	cfg.applyDefaults()
	return &Issuer{
		repo:     repo,
		throttle: NewThrottle(cfg.FailureBaseDelay, cfg.FailureMaxDelay, cfg.FailureWindow, cfg.Clock),
		cfg:      cfg,
		failGate: make(chan struct{}, 1),
	}
}

// GenerateInvitationCode は現在有効なコードと衝突しない招待コードを発行する。
// 衝突判定と保存は単一のSQL文で行うため、並行に呼ばれても同じコードは発行されない。
func (i *Issuer) GenerateInvitationCode(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= i.cfg.MaxAttempts; attempt++ {
		words, err := i.cfg.Words(CodeWords)
		if err != nil {
			return "", err
		}
		code := NormalizeCode(strings.Join(words, "-"))

		now := i.cfg.Clock.Now()
		created, err := i.repo.CreateIfAbsent(ctx, &model.Invite{
			Code:      code,
			CreatedAt: now,
			ExpiresAt: now.Add(i.cfg.TTL),
		})
		if err != nil {
			return "", fmt.Errorf("failed to save invitation code: %w", err)
		}
		if created {
			i.cfg.Metrics.RecordInvitationIssued()
			i.cfg.Logger.Info("招待コードを発行しました",
				slog.Int("attempts", attempt),
			)
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

// CheckInvitationCode は招待コードが有効かを返す。
// 有効な場合はSuccessDelay経過後に、無効な場合は失敗回数に応じた遅延の後に返る。
// 失敗時の遅延は先行する失敗の遅延が終わってから始まる。
// ctxがキャンセルされた場合は遅延を打ち切ってctx.Err()を返す。
func (i *Issuer) CheckInvitationCode(ctx context.Context, code string) (bool, error) {
	start := i.cfg.Clock.Now()
	code = NormalizeCode(code)

	valid := false
	if code != "" {
		ok, err := i.repo.ExistsValid(ctx, code, start)
		if err != nil {
			return false, fmt.Errorf("failed to check invitation code: %w", err)
		}
		valid = ok
	}
	i.cfg.Metrics.RecordInvitationCheck(valid)

	if valid {
		remaining := i.cfg.SuccessDelay - i.cfg.Clock.Since(start)
		if err := i.sleep(ctx, remaining); err != nil {
			return false, err
		}
		return true, nil
	}

	select {
	case i.failGate <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-i.failGate }()

	delay := i.throttle.Failure()
	i.cfg.Logger.Warn("招待コードの検証に失敗しました",
		slog.Int("failures", i.throttle.Failures()),
		slog.Duration("delay", delay),
	)
	if err := i.sleep(ctx, delay); err != nil {
		return false, err
	}
	return false, nil
}

// ConsumeInvitationCode は招待コードを削除する。
// サインアップが永続化された後にのみ呼び出すこと。削除済みのコードでもエラーにしない。
func (i *Issuer) ConsumeInvitationCode(ctx context.Context, code string) error {
	code = NormalizeCode(code)
	if code == "" {
		return nil
	}
	if err := i.repo.Delete(ctx, code); err != nil {
		return fmt.Errorf("failed to consume invitation code: %w", err)
	}
	return nil
}

func (i *Issuer) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := i.cfg.Clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Sheraff/sso/internal/metrics"
	"github.com/Sheraff/sso/internal/worker/cleanup"
)

// DefaultSweepInterval は期限切れ削除の最短実行間隔。
const DefaultSweepInterval = time.Minute

// SweepJob は期限切れデータを削除するジョブ。
type SweepJob interface {
	Run(ctx context.Context) (cleanup.Result, error)
}

// SweeperConfig はSweeperの設定。
type SweeperConfig struct {
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Metrics  metrics.MetricsCollector
}

// Sweeper は期限切れセッションの削除を間引いて実行する。
// 予約済みのタイマーがある間のSchedule呼び出しは無視されるため、
// 呼び出し回数にかかわらずInterval内に実行されるのは高々1回となる。
// ジョブはリクエスト処理とは別のゴルーチンで実行され、その失敗はログに記録するのみ。
type Sweeper struct {
	job      SweepJob
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  metrics.MetricsCollector

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timer   clockwork.Timer
	stopped bool
	wg      sync.WaitGroup
}

var _ SweepScheduler = (*Sweeper)(nil)

// NewSweeper はSweeperを生成する。
func NewSweeper(job SweepJob, cfg SweeperConfig) *Sweeper {
	s := &Sweeper{
		job:      job,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Schedule はInterval後の削除を予約する。
// すでに予約済み、または停止済みの場合は何もしない。
func (s *Sweeper) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.timer != nil {
		return
	}
	s.timer = s.clock.AfterFunc(s.interval, s.fire)
}

// Pending は削除が予約済みかを返す。
func (s *Sweeper) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Sweeper) fire() {
	s.mu.Lock()
	s.timer = nil
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.sweep()
}

func (s *Sweeper) sweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("期限切れセッションの削除中にpanicが発生しました",
				slog.Any("panic", r),
			)
		}
	}()

	res, err := s.job.Run(s.ctx)
	s.metrics.RecordSessionsSwept(res.Sessions)
	if err != nil {
		s.logger.Error("期限切れセッションの削除に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// Stop は予約済みの削除を取り消し、実行中のジョブの終了を待つ。
// 停止後のScheduleは無視される。
func (s *Sweeper) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Package cleanup は期限切れデータの削除ジョブを提供する。
// expires_at を過ぎたセッションと招待コードを削除する。
// 削除はどちらも単一のDELETE文で行われ、何度実行しても結果は変わらない。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Result は1回の実行で削除された件数。
type Result struct {
	Sessions int64
	Invites  int64
}

// Job は期限切れのセッションと招待コードを削除するジョブ。
type Job struct {
	db     Executor
	logger *slog.Logger
	clock  clockwork.Clock
}

// NewJob は新しいJobを生成する。clockがnilの場合は実時間を使う。
func NewJob(db Executor, logger *slog.Logger, clock clockwork.Clock) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Job{
		db:     db,
		logger: logger,
		clock:  clock,
	}
}

// Run は期限切れのセッションと招待コードを削除する。
// セッションの削除に失敗した場合も招待コードの削除は試みる。
func (j *Job) Run(ctx context.Context) (Result, error) {
	start := j.clock.Now()
	var res Result

	sessions, sessErr := j.deleteExpired(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, start)
	if sessErr != nil {
		j.logger.Error("期限切れセッションの削除に失敗しました",
			slog.String("error", sessErr.Error()),
		)
	}
	res.Sessions = sessions

	invites, invErr := j.deleteExpired(ctx, `DELETE FROM invites WHERE expires_at <= $1`, start)
	if invErr != nil {
		j.logger.Error("期限切れ招待コードの削除に失敗しました",
			slog.String("error", invErr.Error()),
		)
	}
	res.Invites = invites

	if sessErr != nil {
		return res, fmt.Errorf("failed to delete expired sessions: %w", sessErr)
	}
	if invErr != nil {
		return res, fmt.Errorf("failed to delete expired invites: %w", invErr)
	}

	j.logger.Info("期限切れデータのクリーンアップが完了しました",
		slog.Int64("deleted_sessions", res.Sessions),
		slog.Int64("deleted_invites", res.Invites),
		slog.Float64("duration_ms", float64(j.clock.Since(start).Milliseconds())),
	)
	return res, nil
}

func (j *Job) deleteExpired(ctx context.Context, query string, now time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

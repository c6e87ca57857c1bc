package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Sheraff/sso/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// FindValidByID は指定IDの有効なセッションをユーザー情報付きで取得する。
// 期限切れの場合はnilを返す。
func (r *PostgresSessionRepo) FindValidByID(ctx context.Context, id string, now time.Time) (*model.SessionWithUser, error) {
	s := &model.SessionWithUser{}
	err := r.db.QueryRowContext(ctx,
		`SELECT s.id, s.user_id, s.account_id, s.expires_at, s.created_at, u.email
		 FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.id = $1 AND s.expires_at > $2`,
		id, now,
	).Scan(&s.ID, &s.UserID, &s.AccountID, &s.ExpiresAt, &s.CreatedAt, &s.Email)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	return s, nil
}

// CreateExclusive はユーザーの既存セッションを削除してから新しいセッションを作成する。
// セッション固定化攻撃の対策として、1ユーザーにつき有効なセッションは常に1つとなる。
// READ COMMITTEDではDELETEが並行トランザクションの挿入行を見ないため、
// usersの行ロックで同一ユーザーの作成を直列化する。
func (r *PostgresSessionRepo) CreateExclusive(ctx context.Context, session *model.Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var lockedID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM users WHERE id = $1 FOR UPDATE`,
		session.UserID,
	).Scan(&lockedID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("failed to lock user %s: %w", session.UserID, ErrUserNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = $1`,
		session.UserID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete previous sessions: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, account_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.UserID, session.AccountID, session.ExpiresAt, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ExtendExpiry は有効なセッションのexpires_atを単一のUPDATE文でexpiresAtに設定する。
// 加算ではなく設定のため、何度呼ばれても結果は同じになる。
// 有効期間が短縮された場合も、次の更新で新しい期間に揃う。
func (r *PostgresSessionRepo) ExtendExpiry(ctx context.Context, id string, now, expiresAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = $3
		 WHERE id = $1 AND expires_at > $2`,
		id, now, expiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to extend session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *PostgresSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Sheraff/sso/internal/model"
)

// PostgresInviteRepo はPostgreSQLを使用した招待コードリポジトリ。
type PostgresInviteRepo struct {
	db *sql.DB
}

// NewPostgresInviteRepo はPostgresInviteRepoを生成する。
func NewPostgresInviteRepo(db *sql.DB) *PostgresInviteRepo {
	return &PostgresInviteRepo{db: db}
}

// CreateIfAbsent は招待コードを保存する。
// 有効な同一コードが存在する場合はON CONFLICTの条件に一致せず、0行更新となる。
// 並行実行されてもPKにより同じコードが二重に発行されることはない。
func (r *PostgresInviteRepo) CreateIfAbsent(ctx context.Context, invite *model.Invite) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO invites (code, created_at, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (code) DO UPDATE
		 SET created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		 WHERE invites.expires_at <= EXCLUDED.created_at`,
		invite.Code, invite.CreatedAt, invite.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create invite: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ExistsValid は指定コードの有効な招待が存在するかを返す。
func (r *PostgresInviteRepo) ExistsValid(ctx context.Context, code string, now time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM invites WHERE code = $1 AND expires_at > $2)`,
		code, now,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check invite: %w", err)
	}
	return exists, nil
}

// Delete は招待コードを削除する。既に削除済みでもエラーにしない。
func (r *PostgresInviteRepo) Delete(ctx context.Context, code string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM invites WHERE code = $1`,
		code,
	)
	if err != nil {
		return fmt.Errorf("failed to delete invite: %w", err)
	}
	return nil
}

// compile-time interface check
var _ InviteRepository = (*PostgresInviteRepo)(nil)

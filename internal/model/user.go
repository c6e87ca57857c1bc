// Package model はドメインモデルを定義する。
package model

import "time"

// User はサインアップ済みのユーザーを表す。
// 最初のサインアップ時に1回だけ作成され、このサービスからは削除しない。
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// Account は外部OAuthプロバイダーとの紐付け情報を表す。
// (provider, provider_user_id) はシステム全体で一意。
type Account struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はブラウザのログインセッションを表す。
// ExpiresAt > 現在時刻 の間のみ有効。
type Session struct {
	ID        string
	UserID    string
	AccountID string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsValid は指定時刻においてセッションが有効かを返す。
func (s *Session) IsValid(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

// SessionWithUser はセッションと所有ユーザーのメールアドレスを結合した構造体。
type SessionWithUser struct {
	Session
	Email string
}

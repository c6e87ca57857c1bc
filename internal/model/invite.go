package model

import "time"

// Invite はサインアップを許可する招待コードを表す。
// サインアップ完了時に1回だけ消費（削除）される。
type Invite struct {
	Code      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsValid は指定時刻において招待コードが有効期限内かを返す。
func (i *Invite) IsValid(now time.Time) bool {
	return i.ExpiresAt.After(now)
}

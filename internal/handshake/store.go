// Package handshake はOAuthハンドシェイク中の一時状態（stateトークン）を管理する。
// 状態はプロセスメモリ上の固定容量キャッシュにのみ保持され、
// 再起動で失われても再度サインインを開始すれば再構築できる。
package handshake

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Sheraff/sso/internal/sessioncache"
)

const stateTokenBytes = 32

// State はサインイン開始時に保存し、プロバイダーからのコールバック時に取り出す情報。
type State struct {
	// ReturnTo はサインイン完了後に戻るURL。
	ReturnTo string
	// PreviousCookie はサインイン開始時点のセッションCookie（アカウント連携に使用）。
	PreviousCookie string
	// InvitationCode は招待制サインアップで提示された招待コード。
	InvitationCode string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Store はstateトークンをキーにハンドシェイク状態を保持する。
type Store struct {
	cache *sessioncache.Cache[State]
	ttl   time.Duration
	clock clockwork.Clock
}

// NewStore はStoreを生成する。sizeは保持する最大件数、ttlは状態の有効期間。
func NewStore(size int, ttl time.Duration, clock clockwork.Clock) (*Store, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("handshake ttl must be positive, got %s", ttl)
	}
	cache, err := sessioncache.New[State](size)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{cache: cache, ttl: ttl, clock: clock}, nil
}

// Begin は新しいハンドシェイクを開始し、stateトークンを返す。
func (s *Store) Begin(returnTo, previousCookie, invitationCode string) (string, error) {
	token, err := generateStateToken()
	if err != nil {
		return "", err
	}

	now := s.clock.Now()
	s.cache.Set(token, State{
		ReturnTo:       returnTo,
		PreviousCookie: previousCookie,
		InvitationCode: invitationCode,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	})
	return token, nil
}

// Take はstateトークンに対応する状態を取り出して削除する。
// 未知・使用済み・期限切れのトークンは false を返す。
func (s *Store) Take(token string) (State, bool) {
	st, ok := s.cache.Get(token)
	if !ok {
		return State{}, false
	}
	s.cache.Destroy(token)

	if !s.clock.Now().Before(st.ExpiresAt) {
		return State{}, false
	}
	return st, true
}

// Len は保持中の状態数を返す。
func (s *Store) Len() int {
	return s.cache.Len()
}

func generateStateToken() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

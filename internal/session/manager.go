// Package session はセッションのライフサイクルを管理する。
// 作成時の固定化攻撃対策（同一ユーザーの他セッション削除）、
// 参照時のスライディング有効期限、Cookie値の暗号化を担う。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Sheraff/sso/internal/model"
	"github.com/Sheraff/sso/internal/repository"
)

// DefaultTTL はセッションのスライディング有効期間（50日）。
const DefaultTTL = 50 * 24 * time.Hour

// ErrAccountConflict はプロバイダーIDが別ユーザーに紐付け済みの場合に返される。
var ErrAccountConflict = errors.New("provider identity is linked to another user")

// CookieCipher はセッションIDの暗号化・復号のインターフェース。
type CookieCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// SweepScheduler は期限切れセッション削除の予約インターフェース。
type SweepScheduler interface {
	Schedule()
}

// Config はセッション管理の設定。
type Config struct {
	TTL    time.Duration // スライディング有効期間（0の場合はDefaultTTL）
	Clock  clockwork.Clock
	Logger *slog.Logger
	// Sweeper はセッションに触れるたびに削除を予約する。nilの場合は予約しない。
	Sweeper SweepScheduler
}

// Manager はセッションに関するビジネスロジックを提供する。
type Manager struct {
	userRepo    repository.UserRepository
	accountRepo repository.AccountRepository
	sessionRepo repository.SessionRepository
	cipher      CookieCipher
	ttl         time.Duration
	clock       clockwork.Clock
	logger      *slog.Logger
	sweeper     SweepScheduler
}

// NewManager はManagerを生成する。
func NewManager(
	userRepo repository.UserRepository,
	accountRepo repository.AccountRepository,
	sessionRepo repository.SessionRepository,
	cipher CookieCipher,
	cfg Config,
) *Manager {
	m := &Manager{
		userRepo:    userRepo,
		accountRepo: accountRepo,
		sessionRepo: sessionRepo,
		cipher:      cipher,
		ttl:         cfg.TTL,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		sweeper:     cfg.Sweeper,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// GetSessionWithUser は有効なセッションをユーザー情報付きで返す。
// 存在しない・期限切れの場合はnilを返す。有効期限は変更しない。
func (m *Manager) GetSessionWithUser(ctx context.Context, sessionID string) (*model.SessionWithUser, error) {
	if sessionID == "" {
		return nil, nil
	}

	s, err := m.sessionRepo.FindValidByID(ctx, sessionID, m.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, nil
}

// RefreshSession はセッションの有効期限を 現在時刻+TTL に設定する。
// 加算ではなく設定のため、何度呼んでも結果は1回と同じになる。
// 期限切れのセッションは延長せずfalseを返す。
func (m *Manager) RefreshSession(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}

	now := m.clock.Now()
	ok, err := m.sessionRepo.ExtendExpiry(ctx, sessionID, now, now.Add(m.ttl))
	if err != nil {
		return false, fmt.Errorf("failed to refresh session: %w", err)
	}
	m.scheduleSweep()
	return ok, nil
}

// CreateSessionForProvider は既存accountのユーザーに新しいセッションを発行する。
// accountが存在しない場合は空文字を返す（招待制サインアップへ進む）。
func (m *Manager) CreateSessionForProvider(ctx context.Context, provider, providerUserID string) (string, error) {
	account, err := m.accountRepo.FindByProviderAndProviderUserID(ctx, provider, providerUserID)
	if err != nil {
		return "", fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return "", nil
	}

	session, err := m.createSession(ctx, account.UserID, account.ID)
	if err != nil {
		return "", err
	}

	m.logger.Info("existing user logged in",
		slog.String("user_id", account.UserID),
		slog.String("provider", provider),
	)
	return session.ID, nil
}

// CreateUserWithProvider はユーザーとaccountを作成してセッションを発行する。
// previousSessionIDが有効なセッションを指す場合は、新しいユーザーを作らず
// そのユーザーにaccountを紐付ける。
// 同じプロバイダーIDが並行して登録された場合は、既存のaccountに対してセッションを発行する。
func (m *Manager) CreateUserWithProvider(ctx context.Context, provider, providerUserID, email, previousSessionID string) (string, error) {
	if provider == "" || providerUserID == "" {
		return "", fmt.Errorf("provider and provider user ID are required")
	}

	previous, err := m.GetSessionWithUser(ctx, previousSessionID)
	if err != nil {
		return "", err
	}

	now := m.clock.Now()
	account := &model.Account{
		ID:             uuid.New().String(),
		Provider:       provider,
		ProviderUserID: providerUserID,
		CreatedAt:      now,
	}

	if previous != nil {
		// 既存ユーザーへのアカウント連携
		account.UserID = previous.UserID
		err = m.accountRepo.Create(ctx, account)
		if err == nil {
			m.logger.Info("account linked to existing user",
				slog.String("user_id", account.UserID),
				slog.String("provider", provider),
			)
		}
	} else {
		user := &model.User{
			ID:        uuid.New().String(),
			Email:     email,
			CreatedAt: now,
		}
		account.UserID = user.ID
		err = m.userRepo.CreateWithAccount(ctx, user, account)
		if err == nil {
			m.logger.Info("new user created",
				slog.String("user_id", user.ID),
				slog.String("provider", provider),
			)
		}
	}

	if errors.Is(err, repository.ErrDuplicateAccount) {
		account, err = m.resolveExistingAccount(ctx, provider, providerUserID, previous)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create account: %w", err)
	}

	session, err := m.createSession(ctx, account.UserID, account.ID)
	if err != nil {
		return "", err
	}
	return session.ID, nil
}

// resolveExistingAccount は一意制約違反となったaccountを取得する。
// 連携元ユーザーと異なるユーザーに紐付いている場合はErrAccountConflictを返す。
func (m *Manager) resolveExistingAccount(ctx context.Context, provider, providerUserID string, previous *model.SessionWithUser) (*model.Account, error) {
	existing, err := m.accountRepo.FindByProviderAndProviderUserID(ctx, provider, providerUserID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// 一意制約違反の直後に削除された場合
		return nil, repository.ErrDuplicateAccount
	}
	if previous != nil && existing.UserID != previous.UserID {
		return nil, ErrAccountConflict
	}
	return existing, nil
}

// EncryptSessionCookie はセッションIDをCookie値に暗号化する。
func (m *Manager) EncryptSessionCookie(sessionID string) (string, error) {
	cookie, err := m.cipher.Encrypt(sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt session cookie: %w", err)
	}
	return cookie, nil
}

// DecryptSessionCookie はCookie値からセッションIDを復号する。
// 構造不正・改ざんはいずれもエラーとして返し、panicしない。
func (m *Manager) DecryptSessionCookie(cookie string) (string, error) {
	return m.cipher.Decrypt(cookie)
}

// InvalidateSession はセッションを破棄する（ログアウト）。
func (m *Manager) InvalidateSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if err := m.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// InvalidateUserSessions は指定ユーザーの全セッションを破棄する。
func (m *Manager) InvalidateUserSessions(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if err := m.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

// createSession はセッションを作成し、同一ユーザーの他のセッションを同時に削除する。
func (m *Manager) createSession(ctx context.Context, userID, accountID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := m.clock.Now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		AccountID: accountID,
		ExpiresAt: now.Add(m.ttl),
		CreatedAt: now,
	}

	if err := m.sessionRepo.CreateExclusive(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	m.scheduleSweep()
	return session, nil
}

func (m *Manager) scheduleSweep() {
	if m.sweeper != nil {
		m.sweeper.Schedule()
	}
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Package repository はデータ永続化のインターフェースを定義する。
// エンティティの変更はすべて単一のSQL文またはトランザクションとして表現し、
// アプリケーション側でのcheck-then-actに依存しない。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Sheraff/sso/internal/model"
)

// ErrDuplicateAccount は (provider, provider_user_id) が既に登録済みの場合に返される。
var ErrDuplicateAccount = errors.New("account already exists for this provider identity")

// ErrUserNotFound はセッション作成対象のユーザーが存在しない場合に返される。
var ErrUserNotFound = errors.New("user not found")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// CreateWithAccount はユーザーとaccountを同一トランザクションで作成する。
	// accountが重複する場合はErrDuplicateAccountを返し、ユーザーも作成しない。
	CreateWithAccount(ctx context.Context, user *model.User, account *model.Account) error
}

// AccountRepository は外部プロバイダー紐付け情報の永続化インターフェース。
type AccountRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでaccountを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Account, error)

	// Create は既存ユーザーにaccountを紐付ける。
	// 重複する場合はErrDuplicateAccountを返す。
	Create(ctx context.Context, account *model.Account) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// FindValidByID は指定IDの有効なセッションをユーザー情報付きで取得する。
	// 期限切れまたは存在しない場合はnilを返す。有効期限は変更しない。
	FindValidByID(ctx context.Context, id string, now time.Time) (*model.SessionWithUser, error)

	// CreateExclusive は同一ユーザーの他のセッションをすべて削除したうえで
	// セッションを作成する。両操作は同一トランザクションで実行される。
	CreateExclusive(ctx context.Context, session *model.Session) error

	// ExtendExpiry は有効なセッションの有効期限を単一のUPDATE文で設定する。
	// 更新されたかどうかを返す。
	ExtendExpiry(ctx context.Context, id string, now, expiresAt time.Time) (bool, error)

	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error

	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// InviteRepository は招待コードの永続化インターフェース。
type InviteRepository interface {
	// CreateIfAbsent は招待コードを保存する。
	// 同じコードの有効な招待が存在する場合は保存せずfalseを返す。
	// 期限切れの同一コードは置き換える。
	CreateIfAbsent(ctx context.Context, invite *model.Invite) (bool, error)

	// ExistsValid は指定コードの有効な招待が存在するかを返す。
	ExistsValid(ctx context.Context, code string, now time.Time) (bool, error)

	// Delete は招待コードを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, code string) error
}

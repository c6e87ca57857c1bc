package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// ローカルプロトコルの応答にはCodeとMessageのみを載せる。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: protocol, invitation, system
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeUnknownMessage   = "UNKNOWN_MESSAGE"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrCodeInvitationFailed = "INVITATION_FAILED"
	ErrCodeInternal         = "INTERNAL"
)

// NewInvalidRequestError は不正なリクエスト形式のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("invalid request: %s", reason),
		Category: "protocol",
	}
}

// NewUnknownMessageError は未知のメッセージ種別のエラーを生成する。
func NewUnknownMessageError(messageType string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownMessage,
		Message:  fmt.Sprintf("unknown message type: %q", messageType),
		Category: "protocol",
	}
}

// NewRateLimitedError は接続単位のレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "too many requests on this connection",
		Category: "protocol",
	}
}

// NewStoreUnavailableError は永続ストアへのアクセス失敗エラーを生成する。
// 内部エラーの詳細は呼び出し元に公開しない。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "session store is unavailable, retry later",
		Category: "system",
	}
}

// NewInvitationFailedError は招待コード発行失敗エラーを生成する。
func NewInvitationFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeInvitationFailed,
		Message:  "could not issue an invitation code",
		Category: "invitation",
	}
}

// NewInternalError は想定外の内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "internal error",
		Category: "system",
	}
}

// Package ipc はデーモンとクライアントプロセスを結ぶローカルプロトコルを提供する。
//
// 1本の永続的なUnixソケット接続上で、整数IDで対応付けられた要求と応答をやり取りする。
// メッセージ種別は checkAuth と getInvitationCode の2つのみで、
// 境界ではスキーマを検証してから処理する。
package ipc

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/Sheraff/sso/internal/codec"
	"github.com/Sheraff/sso/internal/model"
)

// メッセージ種別。
const (
	TypeCheckAuth         = "checkAuth"
	TypeGetInvitationCode = "getInvitationCode"
)

const (
	maxCookieLength = 4096
	maxHostLength   = 253
	maxPathLength   = 2048
)

// ErrInvalidResponse はデーモンの応答がスキーマに一致しない場合に返される。
var ErrInvalidResponse = errors.New("ipc: invalid response")

// Request はクライアントからデーモンへの要求。
type Request struct {
	ID      uint64           `cbor:"id"`
	Type    string           `cbor:"type"`
	Message codec.RawMessage `cbor:"message,omitempty"`
}

// Response はデーモンからの応答。MessageとErrorのどちらか一方のみを持つ。
type Response struct {
	ID      uint64           `cbor:"id"`
	Type    string           `cbor:"type"`
	Message codec.RawMessage `cbor:"message,omitempty"`
	Error   *ErrorBody       `cbor:"error,omitempty"`
}

// ErrorBody はプロトコル上のタグ付きエラー。
type ErrorBody struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}

// APIError はErrorBodyをアプリケーションエラーに変換する。
func (e *ErrorBody) APIError() *model.APIError {
	return &model.APIError{Code: e.Code, Message: e.Message}
}

func errorBody(err *model.APIError) *ErrorBody {
	return &ErrorBody{Code: err.Code, Message: err.Message}
}

// CheckAuthRequest は checkAuth のメッセージ本体。
type CheckAuthRequest struct {
	SessionCookie string `cbor:"sessionCookie,omitempty"`
	Host          string `cbor:"host"`
	Path          string `cbor:"path,omitempty"`
}

// Validate は要求の形式を検証する。
func (r *CheckAuthRequest) Validate() error {
	if len(r.SessionCookie) > maxCookieLength {
		return fmt.Errorf("sessionCookie exceeds %d bytes", maxCookieLength)
	}
	if r.Host == "" {
		return errors.New("host is required")
	}
	if len(r.Host) > maxHostLength || strings.ContainsAny(r.Host, "/?#@\\") || hasSpaceOrControl(r.Host) {
		return errors.New("host is invalid")
	}
	if r.Path != "" {
		if len(r.Path) > maxPathLength || !strings.HasPrefix(r.Path, "/") || hasSpaceOrControl(r.Path) {
			return errors.New("path is invalid")
		}
		// "//evil.example" のようなプロトコル相対パスはリダイレクト先を乗っ取れる
		if strings.HasPrefix(r.Path, "//") {
			return errors.New("path is invalid")
		}
	}
	return nil
}

// CheckAuthResult は checkAuth の結果。
// 認証済みの場合は UserID と Cookie、未認証の場合は Redirect のみを持つ。
type CheckAuthResult struct {
	Authenticated bool   `cbor:"authenticated"`
	UserID        string `cbor:"userId,omitempty"`
	Cookie        string `cbor:"cookie,omitempty"`
	Redirect      string `cbor:"redirect,omitempty"`
}

// Validate は結果が閉じたスキーマのいずれかに一致するかを検証する。
func (r *CheckAuthResult) Validate() error {
	if r.Authenticated {
		if r.UserID == "" || r.Cookie == "" || r.Redirect != "" {
			return fmt.Errorf("%w: authenticated result requires userId and cookie only", ErrInvalidResponse)
		}
		return nil
	}
	if r.Redirect == "" || r.UserID != "" || r.Cookie != "" {
		return fmt.Errorf("%w: unauthenticated result requires redirect only", ErrInvalidResponse)
	}
	return nil
}

// InvitationCodeResult は getInvitationCode の結果。
type InvitationCodeResult struct {
	Code string `cbor:"code"`
}

// Validate は結果を検証する。
func (r *InvitationCodeResult) Validate() error {
	if r.Code == "" {
		return fmt.Errorf("%w: code is required", ErrInvalidResponse)
	}
	return nil
}

// BuildRedirect はサインインページへのリダイレクトURLを組み立てる。
// hostが空の場合はサインインページのURLをそのまま返す。pathの既定値は "/"。
func BuildRedirect(authURL, host, path string) string {
	if host == "" {
		return authURL
	}
	if path == "" {
		path = "/"
	}

	u, err := url.Parse(authURL)
	if err != nil {
		return authURL
	}
	q := u.Query()
	q.Set("redirect", "https://"+host+path)
	u.RawQuery = q.Encode()
	return u.String()
}

func hasSpaceOrControl(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) >= 0
}

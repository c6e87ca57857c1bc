// Package cookiecrypt はセッションIDなどの小さなペイロードを
// 自己記述的な不透明文字列へ認証付き暗号化する。
//
// 暗号文の形式（すべて16進数、固定長フィールドの連結）:
//
//	iterations(8) | salt(128) | iv(24) | authTag(32) | ciphertext(可変)
//
// 鍵は暗号化ごとにランダムなソルトと反復回数でPBKDF2-SHA512により導出する。
package cookiecrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize  = 32 // AES-256
	saltSize = 64
	ivSize   = 12
	tagSize  = 16

	// MinIterations と MaxIterations はPBKDF2反復回数の範囲。
	MinIterations = 10000
	MaxIterations = 99999

	iterationsHexLen = 8
	saltHexLen       = saltSize * 2
	ivHexLen         = ivSize * 2
	tagHexLen        = tagSize * 2
	headerHexLen     = iterationsHexLen + saltHexLen + ivHexLen + tagHexLen

	// MinSecretLength はシークレットの最小バイト長。
	MinSecretLength = 32
)

var (
	// ErrMalformed は暗号文の構造が不正な場合に返される。
	ErrMalformed = errors.New("cookiecrypt: malformed ciphertext")
	// ErrAuthentication は認証タグの検証に失敗した場合に返される。
	ErrAuthentication = errors.New("cookiecrypt: authentication failed")
)

// Cipher は長期シークレットから都度鍵を導出して暗号化・復号を行う。
// 並行利用しても安全。
type Cipher struct {
	secret []byte
}

// New はCipherを生成する。シークレットがMinSecretLength未満の場合はエラーを返す。
func New(secret []byte) (*Cipher, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("cookie secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Cipher{secret: s}, nil
}

// Encrypt は平文を暗号化する。同じ平文でも呼び出しごとに異なる暗号文になる。
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iterations, err := randomIterations()
	if err != nil {
		return "", err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to read salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to read iv: %w", err)
	}

	aead, err := c.aead(salt, iterations)
	if err != nil {
		return "", err
	}

	// Sealは ciphertext || tag を返す
	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	var iter [4]byte
	binary.BigEndian.PutUint32(iter[:], uint32(iterations))

	out := make([]byte, 0, headerHexLen+len(body)*2)
	out = hex.AppendEncode(out, iter[:])
	out = hex.AppendEncode(out, salt)
	out = hex.AppendEncode(out, iv)
	out = hex.AppendEncode(out, tag)
	out = hex.AppendEncode(out, body)
	return string(out), nil
}

// Decrypt は暗号文を検証して平文を返す。
// 構造不正はErrMalformed、認証失敗はErrAuthenticationを返し、panicしない。
// ログは記録しない。改ざんの記録は呼び出し側の責務。
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if len(ciphertext) < headerHexLen || len(ciphertext)%2 != 0 {
		return "", ErrMalformed
	}

	raw, err := hex.DecodeString(ciphertext)
	if err != nil {
		return "", ErrMalformed
	}

	iterations := int(binary.BigEndian.Uint32(raw[0:4]))
	if iterations < MinIterations || iterations > MaxIterations {
		return "", ErrMalformed
	}
	offset := 4
	salt := raw[offset : offset+saltSize]
	offset += saltSize
	iv := raw[offset : offset+ivSize]
	offset += ivSize
	tag := raw[offset : offset+tagSize]
	offset += tagSize
	body := raw[offset:]

	aead, err := c.aead(salt, iterations)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(body)+tagSize)
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrAuthentication
	}
	return string(plaintext), nil
}

// aead はソルトと反復回数から鍵を導出してAES-GCMを構築する。
func (c *Cipher) aead(salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.secret, salt, iterations, keySize, sha512.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return aead, nil
}

// randomIterations は[MinIterations, MaxIterations]の範囲で反復回数を選ぶ。
func randomIterations() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(MaxIterations-MinIterations+1))
	if err != nil {
		return 0, fmt.Errorf("failed to draw iteration count: %w", err)
	}
	return MinIterations + int(n.Int64()), nil
}

// Package codec はローカルプロトコルのメッセージ符号化を提供する。
//
// 各メッセージは4バイトのビッグエンディアン長さに続くCBORマップ1個で構成される。
// 長さ接頭辞により、デコード前にフレームサイズの上限を強制できる。
// 未知のフィールドを含むマップはデコードエラーとなる。
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// DefaultMaxFrameSize は1フレームの既定の最大バイト数。
const DefaultMaxFrameSize = 64 * 1024

// ErrFrameTooLarge はフレーム長が上限を超えた場合に返される。
var ErrFrameTooLarge = errors.New("codec: frame exceeds maximum size")

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// any型の値は map[string]any としてデコードする
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   16,
		MaxArrayElements:  1024,
		MaxMapPairs:       64,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage は遅延デコード用の生CBOR値。
type RawMessage = cbor.RawMessage

// Marshal はvをCBORに符号化する。
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal はCBORをvへデコードする。
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// WriteFrame はvを符号化し、長さ接頭辞付きで1フレームとして書き込む。
func WriteFrame(w io.Writer, v any) error {
	payload, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame は1フレームを読み込み、ペイロードを返す。
// 長さがmaxSizeを超える場合はErrFrameTooLargeを返す。
// この場合ストリームの同期は失われるため、呼び出し側は接続を閉じること。
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && int64(n) > int64(maxSize) {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

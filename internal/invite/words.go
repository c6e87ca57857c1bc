package invite

import (
	"fmt"
	"strings"

	"github.com/sethvargo/go-diceware/diceware"
)

// CodeWords は招待コードを構成する単語数。
const CodeWords = 3

// WordSource は招待コード用のランダムな単語列を返す。
type WordSource func(n int) ([]string, error)

// DicewareWords はEFFの大規模単語リストから暗号的に安全な乱数で単語を選ぶ。
func DicewareWords(n int) ([]string, error) {
	words, err := diceware.Generate(n)
	if err != nil {
		return nil, fmt.Errorf("failed to generate words: %w", err)
	}
	return words, nil
}

// NormalizeCode は入力された招待コードを保存時の形式にそろえる。
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

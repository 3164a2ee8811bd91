// Package code 處理好友代碼（friend code）的正規化與產生
//
// 代碼格式：
//   - 不分大小寫，一律轉成大寫
//   - 正規化時只保留 A-Z 與 0-9，其餘字元（空白、標點）全部移除
//   - 最長 8 個字元，超出部分截斷
//   - 產生的代碼排除易混淆字元（0/O、1/I）
//
// 範例：
//
//	Normalize("ab 12!") == "AB12"
package code

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	apperrors "github.com/koopa0/system-design/14-duo-match/pkg/errors"
)

const (
	// MinLength 可用於加入房間的最短代碼
	MinLength = 4

	// MaxLength 正規化後的最大長度
	MaxLength = 8

	// Alphabet 產生代碼使用的字元集（不含 0、O、1、I）
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// DefaultLength 預設產生的代碼長度
	DefaultLength = 4
)

// Normalize 將使用者輸入轉成標準代碼
//
// 可能回傳空字串，呼叫端需自行判斷。
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(MaxLength)
	for _, r := range strings.ToUpper(raw) {
		if b.Len() == MaxLength {
			break
		}
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Validate 正規化後檢查長度（4-8）
func Validate(raw string) (string, error) {
	c := Normalize(raw)
	if len(c) < MinLength {
		return "", apperrors.ErrInvalidCode.WithDetails(
			fmt.Sprintf("code must be at least %d characters (A-Z / 2-9)", MinLength))
	}
	return c, nil
}

// Generate 產生指定長度的隨機代碼
func Generate(length int) (string, error) {
	if length < MinLength || length > MaxLength {
		return "", fmt.Errorf("code length must be between %d and %d", MinLength, MaxLength)
	}

	max := big.NewInt(int64(len(Alphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		b[i] = Alphabet[n.Int64()]
	}
	return string(b), nil
}

// MustGenerate 產生預設長度的代碼，隨機來源失敗時 panic
func MustGenerate() string {
	c, err := Generate(DefaultLength)
	if err != nil {
		panic(err)
	}
	return c
}

// Input 請求中的原始代碼，JSON 可以是字串或數字（{"code": 1234} 視為 "1234"）
type Input string

// UnmarshalJSON 接受字串、數字與 null
func (in *Input) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*in = ""
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*in = Input(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return apperrors.ErrInvalidCode.WithDetails("code must be a string or number")
	}
	*in = Input(n.String())
	return nil
}

// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は銀行データ提供元から受け取った自由記述テキスト（摘要・店舗名）から
// マークアップを除去し、プレーンテキストとして保存できる形に正規化する。
// 取り込んだ文字列は後段のUIや経費レコードにそのまま表示されるため、保存前に必ず通す。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxTextLength は正規化後テキストの既定の最大文字数。
const DefaultMaxTextLength = 500

// TextSanitizer はプレーンテキストのサニタイズ機能のインターフェースを定義する。
type TextSanitizer interface {
	// Sanitize はすべてのHTMLタグを除去し、エンティティをデコードし、
	// 連続する空白を1つにまとめ、最大文字数で切り詰めた文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

type textSanitizer struct {
	policy    *bluemonday.Policy
	maxLength int
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
// maxLengthが0以下の場合はDefaultMaxTextLengthを使用する。
func NewTextSanitizer(maxLength int) TextSanitizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxTextLength
	}
	return &textSanitizer{
		policy:    bluemonday.StrictPolicy(),
		maxLength: maxLength,
	}
}

// Sanitize はマークアップを除去したプレーンテキストを返す。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyは&などをエスケープして返すため、保存用にデコードする
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) > s.maxLength {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:s.maxLength]))
	}
	return text
}

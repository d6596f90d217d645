package security

import (
	"strings"
	"testing"
	"unicode/utf8"
)

// TestSanitize_StripsMarkup はタグが除去されテキストのみが残ることを検証する。
func TestSanitize_StripsMarkup(t *testing.T) {
	sanitizer := NewTextSanitizer(0)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"プレーンテキストはそのまま", "STARBUCKS #1234", "STARBUCKS #1234"},
		{"太字タグを除去", "<b>AMAZON</b> MKTP", "AMAZON MKTP"},
		{"scriptタグは中身ごと除去", `COFFEE<script>alert("x")</script>`, "COFFEE"},
		{"イベント属性付きタグを除去", `<img src=x onerror="alert(1)">SHOP`, "SHOP"},
		{"エンティティをデコード", "AT&amp;T WIRELESS", "AT&T WIRELESS"},
		{"生のアンパサンドを保持", "AT&T", "AT&T"},
		{"連続空白をまとめる", "  UBER   TRIP \n HELP.UBER.COM ", "UBER TRIP HELP.UBER.COM"},
		{"空文字列", "", ""},
		{"日本語テキスト", "<p>セブン-イレブン 渋谷店</p>", "セブン-イレブン 渋谷店"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizer.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestSanitize_TruncatesLongText は最大文字数で切り詰めることを検証する。
func TestSanitize_TruncatesLongText(t *testing.T) {
	sanitizer := NewTextSanitizer(10)

	got := sanitizer.Sanitize(strings.Repeat("あ", 25))
	if n := utf8.RuneCountInString(got); n != 10 {
		t.Errorf("rune count = %d, want 10", n)
	}
}

// TestSanitize_Idempotent は同一入力に対して同一出力を返し、再適用しても変化しないことを検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewTextSanitizer(0)
	input := `<div>PAYPAL *STEAM&amp;GAMES</div>`

	first := sanitizer.Sanitize(input)
	second := sanitizer.Sanitize(input)
	if first != second {
		t.Errorf("not deterministic: %q != %q", first, second)
	}
	if again := sanitizer.Sanitize(first); again != first {
		t.Errorf("not idempotent: %q -> %q", first, again)
	}
}

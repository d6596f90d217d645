// Package resilience は外部呼び出し向けの耐障害性パターン（バックオフ付きリトライ、サーキットブレーカー）を提供する。
package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/sony/gobreaker"
)

// RetryConfig はリトライのパラメータ。
type RetryConfig struct {
	// MaxRetries は初回呼び出し後に追加で試行する最大回数。
	MaxRetries int
	// InitialBackoff は1回目のリトライ前の待機時間。以降は2倍ずつ増加する。
	InitialBackoff time.Duration
	// MaxBackoff は待機時間の上限。0の場合は上限なし。
	MaxBackoff time.Duration
}

// permanentError はリトライしても結果が変わらないエラーを表す。
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent はerrをリトライ対象外としてマークする。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent はerrがPermanentでマークされているかを判定する。
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryWithBackoff はfnを指数バックオフ＋ジッターでリトライ実行する。
// Permanentでマークされたエラー、またはコンテキストのキャンセルで即座に終了する。
// 最後に発生したエラーを返す（Permanentのマークは外さない）。
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}

		if attempt < cfg.MaxRetries {
			wait := Backoff(cfg, attempt)
			if wait <= 0 {
				continue
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
		}
	}
	return lastErr
}

// Backoff はattempt回目（0始まり）の失敗後の待機時間を計算する。
// InitialBackoff * 2^attempt に最大50%のジッターを加え、MaxBackoffで頭打ちにする。
func Backoff(cfg RetryConfig, attempt int) time.Duration {
	if cfg.InitialBackoff <= 0 {
		return 0
	}
	backoff := cfg.InitialBackoff << uint(attempt)
	if backoff <= 0 || (cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff) {
		backoff = cfg.MaxBackoff
	}
	if half := int64(backoff / 2); half > 0 {
		backoff += time.Duration(rand.Int64N(half))
	}
	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	return backoff
}

// BreakerConfig はサーキットブレーカーのパラメータ。
type BreakerConfig struct {
	// ConsecutiveFailures はOPENに遷移する連続失敗回数。
	ConsecutiveFailures uint32
	// OpenTimeout はOPENからHALF-OPENに遷移するまでの時間。
	OpenTimeout time.Duration
	// OnStateChange は状態遷移時に呼ばれる。nil可。
	OnStateChange func(name string, from, to gobreaker.State)
}

// NewCircuitBreaker はサーキットブレーカーを生成する。
// Permanentでマークされたエラーは提供元の障害ではないため失敗として数えない。
func NewCircuitBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: cfg.OnStateChange,
	})
}

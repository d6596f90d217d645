package banking

import (
	"time"

	"github.com/hitoshi/bankfeed/internal/config"
)

// SyncConfig は同期処理の調整値。
type SyncConfig struct {
	// MinSyncInterval は同じ銀行連携に対する同期の最小間隔。
	MinSyncInterval time.Duration
	// DefaultLookback は開始日未指定時に遡る期間。
	DefaultLookback time.Duration
	// MaxLookback は開始日として指定できる最も古い時点（現在からの期間）。
	MaxLookback time.Duration
	// DuplicateWindow は重複候補検索で許容する取引日時の差。
	DuplicateWindow time.Duration
	// BatchSize は一括保存1回あたりの件数。
	BatchSize int
	// MaxTransactionsPerSync は1回の同期で処理する取引数の上限。超過分は次回に持ち越す。
	MaxTransactionsPerSync int
	// MaxSyncRetries は取得失敗時の追加リトライ回数。
	MaxSyncRetries int
	// SyncRetryDelay は1回目のリトライ前の待機時間。
	SyncRetryDelay time.Duration
	// FetchTimeout は提供元への取得1回あたりのタイムアウト。
	FetchTimeout time.Duration
}

// DefaultSyncConfig は既定の調整値を返す。
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		MinSyncInterval:        15 * time.Minute,
		DefaultLookback:        30 * 24 * time.Hour,
		MaxLookback:            730 * 24 * time.Hour,
		DuplicateWindow:        5 * time.Minute,
		BatchSize:              100,
		MaxTransactionsPerSync: 5000,
		MaxSyncRetries:         3,
		SyncRetryDelay:         time.Second,
		FetchTimeout:           30 * time.Second,
	}
}

// SyncConfigFromConfig はアプリケーション設定からSyncConfigを組み立てる。
func SyncConfigFromConfig(cfg *config.Config) SyncConfig {
	return SyncConfig{
		MinSyncInterval:        cfg.MinSyncInterval,
		DefaultLookback:        cfg.DefaultLookback,
		MaxLookback:            cfg.MaxLookback,
		DuplicateWindow:        cfg.DuplicateWindow,
		BatchSize:              cfg.BatchSize,
		MaxTransactionsPerSync: cfg.MaxTransactionsPerSync,
		MaxSyncRetries:         cfg.MaxSyncRetries,
		SyncRetryDelay:         cfg.SyncRetryDelay,
		FetchTimeout:           cfg.FetchTimeout,
	}
}

// defaultNow はサービスが使う現在時刻。PostgreSQLの精度に合わせてマイクロ秒で切り捨てる。
func defaultNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

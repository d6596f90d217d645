// Package bankdata は外部の銀行データ提供元から取引を取得するポートとそのHTTP実装を提供する。
package bankdata

import (
	"context"
	"time"

	"github.com/hitoshi/bankfeed/internal/model"
)

// Fetcher は銀行データ提供元のポート。
// 指定期間の取引を提供元の並び順で返す。失敗時は部分的な結果を返さない。
type Fetcher interface {
	FetchTransactions(ctx context.Context, accessToken string, from, to time.Time) ([]model.RawTransaction, error)
}

// FetcherFunc は関数をFetcherとして扱うためのアダプタ。
type FetcherFunc func(ctx context.Context, accessToken string, from, to time.Time) ([]model.RawTransaction, error)

// FetchTransactions はf(ctx, accessToken, from, to)を呼び出す。
func (f FetcherFunc) FetchTransactions(ctx context.Context, accessToken string, from, to time.Time) ([]model.RawTransaction, error) {
	return f(ctx, accessToken, from, to)
}

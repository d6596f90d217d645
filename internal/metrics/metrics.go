// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncMetrics は同期処理のメトリクス収集インターフェース。
// 同期サービスやワーカーから利用する。
type SyncMetrics interface {
	RecordSyncStarted()
	RecordSyncFinished(status string, duration time.Duration)
	RecordSyncRejected(code string)
	RecordTransactionsImported(count int)
	RecordDuplicatesSkipped(count int)
	RecordSessionsReaped(count int)
	RecordBreakerStateChange(to string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncStarted    prometheus.Counter
	syncFinished   *prometheus.CounterVec
	syncRejected   *prometheus.CounterVec
	syncDuration   prometheus.Histogram
	imported       prometheus.Counter
	duplicates     prometheus.Counter
	sessionsReaped prometheus.Counter
	breakerChanges *prometheus.CounterVec
}

var _ SyncMetrics = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bankfeed_sync_started_total",
			Help: "開始された同期セッションの合計数",
		}),
		syncFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bankfeed_sync_finished_total",
			Help: "終了状態別の同期セッション数",
		}, []string{"status"}),
		syncRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bankfeed_sync_rejected_total",
			Help: "受付時に拒否された同期要求の数（エラーコード別）",
		}, []string{"code"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bankfeed_sync_duration_seconds",
			Help:    "同期セッションの所要時間（秒）",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		imported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bankfeed_transactions_imported_total",
			Help: "新規に取り込んだ銀行取引の合計数",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bankfeed_transactions_duplicate_total",
			Help: "重複としてスキップした銀行取引の合計数",
		}),
		sessionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bankfeed_sessions_reaped_total",
			Help: "滞留によりFAILEDにした同期セッションの合計数",
		}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bankfeed_provider_breaker_transitions_total",
			Help: "銀行データ提供元のサーキットブレーカー状態遷移数（遷移先別）",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.syncStarted,
		c.syncFinished,
		c.syncRejected,
		c.syncDuration,
		c.imported,
		c.duplicates,
		c.sessionsReaped,
		c.breakerChanges,
	)

	return c
}

// RecordSyncStarted は同期セッションの開始を記録する。
func (c *Collector) RecordSyncStarted() {
	c.syncStarted.Inc()
}

// RecordSyncFinished は同期セッションの終了状態と所要時間を記録する。
func (c *Collector) RecordSyncFinished(status string, duration time.Duration) {
	c.syncFinished.WithLabelValues(status).Inc()
	c.syncDuration.Observe(duration.Seconds())
}

// RecordSyncRejected は受付時の拒否を記録する。
func (c *Collector) RecordSyncRejected(code string) {
	c.syncRejected.WithLabelValues(code).Inc()
}

// RecordTransactionsImported は取り込んだ取引数を記録する。
func (c *Collector) RecordTransactionsImported(count int) {
	c.imported.Add(float64(count))
}

// RecordDuplicatesSkipped は重複としてスキップした取引数を記録する。
func (c *Collector) RecordDuplicatesSkipped(count int) {
	c.duplicates.Add(float64(count))
}

// RecordSessionsReaped は滞留セッションの回収数を記録する。
func (c *Collector) RecordSessionsReaped(count int) {
	c.sessionsReaped.Add(float64(count))
}

// RecordBreakerStateChange はサーキットブレーカーの状態遷移を記録する。
func (c *Collector) RecordBreakerStateChange(to string) {
	c.breakerChanges.WithLabelValues(to).Inc()
}

// Nop は何も記録しないSyncMetrics。
type Nop struct{}

func (Nop) RecordSyncStarted() {}
func (Nop) RecordSyncFinished(string, time.Duration) {}
func (Nop) RecordSyncRejected(string) {}
func (Nop) RecordTransactionsImported(int) {}
func (Nop) RecordDuplicatesSkipped(int) {}
func (Nop) RecordSessionsReaped(int) {}
func (Nop) RecordBreakerStateChange(string) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

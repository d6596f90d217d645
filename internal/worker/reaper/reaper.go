// Package reaper は終了しないまま残った同期セッションを失敗として回収するジョブを提供する。
// プロセスの異常終了などでPENDING/IN_PROGRESSのまま残ったセッションは、
// 銀行連携ごとの実行中セッションの一意制約により以後の同期をすべて拒否させるため、
// 一定時間を超えたものをFAILEDにする。
package reaper

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/bankfeed/internal/metrics"
)

// StaleMessage は回収したセッションに記録するエラーメッセージ。
const StaleMessage = "同期が完了しないまま規定時間を超えたため中断しました"

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Job は滞留した同期セッションの回収ジョブ。
// 回収済みのセッションは終端状態のため、繰り返し実行しても同じ行を二度更新しない。
type Job struct {
	db         Executor
	metrics    metrics.SyncMetrics
	logger     *slog.Logger
	StaleAfter time.Duration // 開始（未開始なら作成）からこの時間を超えたセッションを回収する（デフォルト: 2時間）
}

// NewJob は新しいJobを生成する。
func NewJob(db Executor, m metrics.SyncMetrics, logger *slog.Logger) *Job {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Job{
		db:         db,
		metrics:    m,
		logger:     logger,
		StaleAfter: 2 * time.Hour,
	}
}

const reapQuery = `UPDATE sync_sessions
	SET status = 'FAILED', error_message = $2, completed_at = now(), updated_at = now()
	WHERE status IN ('PENDING', 'IN_PROGRESS')
	  AND COALESCE(started_at, created_at) < now() - $1::interval`

// Run は滞留したセッションを1回回収し、回収した件数を返す。
func (j *Job) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	interval := fmt.Sprintf("%d seconds", int64(j.StaleAfter.Seconds()))
	result, err := j.db.ExecContext(ctx, reapQuery, interval, StaleMessage)
	if err != nil {
		j.logger.Error("同期セッション回収ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("stale_after", j.StaleAfter),
		)
		return 0, fmt.Errorf("同期セッションの回収に失敗: %w", err)
	}

	reaped, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("回収件数の取得に失敗: %w", err)
	}
	j.metrics.RecordSessionsReaped(int(reaped))

	level := slog.LevelInfo
	if reaped > 0 {
		level = slog.LevelWarn
	}
	j.logger.Log(ctx, level, "同期セッション回収ジョブが完了しました",
		slog.Int64("reaped_count", reaped),
		slog.Duration("stale_after", j.StaleAfter),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return reaped, nil
}

// Start はintervalごとにRunを実行する。コンテキストがキャンセルされるまで継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("同期セッション回収ジョブを開始しました", slog.Duration("interval", interval))

	// 起動直後に1回実行
	_, _ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("同期セッション回収ジョブを停止しました")
			return
		case <-ticker.C:
			_, _ = j.Run(ctx)
		}
	}
}

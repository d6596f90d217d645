// Package syncsched は銀行連携の定期同期をスケジューリングする。
package syncsched

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/bankfeed/internal/model"
)

// ConnectionLister は定期同期の対象となる銀行連携を取得する。
type ConnectionLister interface {
	ListDueForSync(ctx context.Context, syncedBefore time.Time, limit int) ([]*model.BankConnection, error)
}

// Syncer は銀行連携を1回同期する。
type Syncer interface {
	SyncTransactions(ctx context.Context, workspaceID model.WorkspaceID, connectionID model.ConnectionID, fromDate, toDate *time.Time) (*model.SyncSession, error)
}

// Expirer はアクセストークンの期限切れを銀行連携に記録する。
type Expirer interface {
	ExpireConnection(ctx context.Context, workspaceID model.WorkspaceID, id model.ConnectionID) (*model.BankConnection, error)
}

// Config はスケジューラの調整値。
type Config struct {
	// MaxConcurrency は同時に実行する同期の最大数（デフォルト: 4）。
	MaxConcurrency int
	// BatchLimit は1サイクルで取得する銀行連携の最大数（デフォルト: 100）。
	BatchLimit int
	// MinSyncInterval はこの時間より前に同期した銀行連携だけを対象にする。
	MinSyncInterval time.Duration
}

// Summary は1サイクルの実行結果。
type Summary struct {
	Due      int
	Synced   int
	Skipped  int
	Expired  int
	Failed   int
	Duration time.Duration
}

// Scheduler は定期同期のスケジューリングと並列制御を行う。
// ティッカーごとに同期期限を過ぎた銀行連携を取得し、errgroupで並列数を制限して同期する。
type Scheduler struct {
	connections ConnectionLister
	syncer      Syncer
	expirer     Expirer
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(connections ConnectionLister, syncer Syncer, expirer Expirer, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	return &Scheduler{
		connections: connections,
		syncer:      syncer,
		expirer:     expirer,
		cfg:         cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start はintervalごとにRunOnceを実行する。コンテキストがキャンセルされるまで継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.cfg.MaxConcurrency),
	)

	// 起動直後に1回実行
	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("同期サイクルの実行に失敗しました", slog.String("error", err.Error()))
	}
}

// RunOnce は同期対象の銀行連携を1回取得し、並列で同期する。
// トークンが期限切れの銀行連携はEXPIREDにして同期しない。
// 受付制御による拒否（実行中・間隔不足など）は失敗として扱わない。
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	start := time.Now()
	now := s.now()

	conns, err := s.connections.ListDueForSync(ctx, now.Add(-s.cfg.MinSyncInterval), s.cfg.BatchLimit)
	if err != nil {
		return Summary{}, err
	}
	if len(conns) == 0 {
		s.logger.Info("同期対象の銀行連携はありません")
		return Summary{}, nil
	}

	s.logger.Info("同期サイクルを開始します", slog.Int("connection_count", len(conns)))

	var synced, skipped, expired, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)

	for _, conn := range conns {
		if conn.TokenExpired(now) {
			if conn.Status != model.ConnectionStatusExpired {
				if _, err := s.expirer.ExpireConnection(ctx, conn.WorkspaceID, conn.ID); err != nil {
					s.logger.Error("トークン期限切れの記録に失敗しました",
						slog.String("connection_id", conn.ID.String()),
						slog.String("error", err.Error()),
					)
				}
			}
			expired.Add(1)
			continue
		}

		g.Go(func() error {
			logger := s.logger.With(
				slog.String("workspace_id", conn.WorkspaceID.String()),
				slog.String("connection_id", conn.ID.String()),
			)
			_, err := s.syncer.SyncTransactions(ctx, conn.WorkspaceID, conn.ID, nil, nil)
			switch {
			case err == nil:
				synced.Add(1)
			case isRejection(err):
				skipped.Add(1)
				logger.Info("同期をスキップしました", slog.String("reason", err.Error()))
			default:
				failed.Add(1)
				logger.Error("定期同期に失敗しました", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{
		Due:      len(conns),
		Synced:   int(synced.Load()),
		Skipped:  int(skipped.Load()),
		Expired:  int(expired.Load()),
		Failed:   int(failed.Load()),
		Duration: time.Since(start),
	}
	s.logger.Info("同期サイクルが完了しました",
		slog.Int("connection_count", summary.Due),
		slog.Int("synced_count", summary.Synced),
		slog.Int("skipped_count", summary.Skipped),
		slog.Int("expired_count", summary.Expired),
		slog.Int("failed_count", summary.Failed),
		slog.Float64("duration_ms", float64(summary.Duration.Milliseconds())),
	)
	return summary, nil
}

// isRejection は受付制御による拒否かを判定する。
func isRejection(err error) bool {
	apiErr, ok := model.AsAPIError(err)
	if !ok {
		return false
	}
	switch apiErr.Code {
	case model.ErrCodeSyncAlreadyInProgress, model.ErrCodeSyncTooFrequent,
		model.ErrCodeConnectionDisconnected, model.ErrCodeConnectionNotFound:
		return true
	}
	return false
}

// Package banking は銀行フィード同期のドメインロジックを提供する。
//
// SyncServiceは1回の同期実行を受付制御から取得・重複排除・保存・状態反映まで通して行い、
// ConnectionServiceとTransactionServiceは同期以外の銀行連携と取引の操作を扱う。
package banking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hitoshi/bankfeed/internal/bankdata"
	"github.com/hitoshi/bankfeed/internal/metrics"
	"github.com/hitoshi/bankfeed/internal/model"
	"github.com/hitoshi/bankfeed/internal/repository"
	"github.com/hitoshi/bankfeed/internal/resilience"
)

var tracer = otel.Tracer("banking")

// SyncService は銀行取引の同期を実行するサービス層。
//
// 同一銀行連携の同期は同時に1件まで。プロセス内ではキー付きロック、
// プロセス間では実行中セッションの一意制約で保証する。
// 3つの集約（銀行連携・セッション・取引）は単一トランザクションでは更新せず、
// 失敗時はセッションをFAILED、銀行連携をERRORにする補償で整合を取る。
type SyncService struct {
	connections  repository.ConnectionRepository
	sessions     repository.SessionRepository
	transactions repository.TransactionRepository
	fetcher      bankdata.Fetcher
	cfg          SyncConfig
	locks        *keyedLocker
	metrics      metrics.SyncMetrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewSyncService はSyncServiceの新しいインスタンスを生成する。
func NewSyncService(
	connections repository.ConnectionRepository,
	sessions repository.SessionRepository,
	transactions repository.TransactionRepository,
	fetcher bankdata.Fetcher,
	cfg SyncConfig,
	m metrics.SyncMetrics,
	logger *slog.Logger,
) *SyncService {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		connections:  connections,
		sessions:     sessions,
		transactions: transactions,
		fetcher:      fetcher,
		cfg:          cfg,
		locks:        newKeyedLocker(),
		metrics:      m,
		logger:       logger,
		now:          defaultNow,
	}
}

// SyncTransactions は銀行連携の取引を1回同期し、終了したセッションを返す。
//
// 受付制御は次の順で評価し、最初に該当したエラーを返す（副作用なし）。
//  1. 銀行連携が存在しない: CONNECTION_NOT_FOUND
//  2. 実行中のセッションがある: SYNC_ALREADY_IN_PROGRESS
//  3. 直近セッションの開始から最小間隔が経過していない: SYNC_TOO_FREQUENT
//  4. 銀行連携が解除済み: CONNECTION_DISCONNECTED
//  5. 期間指定が不正: INVALID_DATE_RANGE
//
// セッション作成後の失敗はセッションと銀行連携に記録したうえで、元のエラーを返す。
func (s *SyncService) SyncTransactions(ctx context.Context, workspaceID model.WorkspaceID, connectionID model.ConnectionID, fromDate, toDate *time.Time) (*model.SyncSession, error) {
	ctx, span := tracer.Start(ctx, "banking.SyncTransactions")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace.id", workspaceID.String()),
		attribute.String("connection.id", connectionID.String()),
	)

	session, err := s.syncTransactions(ctx, workspaceID, connectionID, fromDate, toDate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return session, err
	}
	span.SetAttributes(
		attribute.String("session.id", session.ID.String()),
		attribute.String("session.status", string(session.Status)),
		attribute.Int("session.imported", session.ImportedCount),
	)
	return session, nil
}

func (s *SyncService) syncTransactions(ctx context.Context, workspaceID model.WorkspaceID, connectionID model.ConnectionID, fromDate, toDate *time.Time) (*model.SyncSession, error) {
	conn, err := s.connections.FindByID(ctx, workspaceID, connectionID)
	if err != nil {
		return nil, fmt.Errorf("銀行連携の取得に失敗しました: %w", err)
	}
	if conn == nil {
		return nil, s.reject(model.NewConnectionNotFoundError(connectionID))
	}

	unlock, ok := s.locks.TryLock(string(connectionID))
	if !ok {
		return nil, s.reject(model.NewSyncAlreadyInProgressError(connectionID))
	}
	defer unlock()

	now := s.now()
	if err := s.admit(ctx, conn, now); err != nil {
		return nil, err
	}
	from, to, rangeErr := s.resolveRange(fromDate, toDate, now)
	if rangeErr != nil {
		return nil, s.reject(rangeErr)
	}

	session := model.NewSyncSession(workspaceID, connectionID, &from, &to, now)
	if err := s.sessions.Save(ctx, session); err != nil {
		if errors.Is(err, repository.ErrActiveSessionExists) {
			return nil, s.reject(model.NewSyncAlreadyInProgressError(connectionID))
		}
		return nil, fmt.Errorf("同期セッションの作成に失敗しました: %w", err)
	}
	s.metrics.RecordSyncStarted()

	if err := s.run(ctx, conn, session, from, to); err != nil {
		s.recordFailure(ctx, conn, session, err)
		s.metrics.RecordSyncFinished(string(model.SyncStatusFailed), s.now().Sub(session.CreatedAt))
		return session, err
	}

	s.metrics.RecordSyncFinished(string(session.Status), s.now().Sub(session.CreatedAt))
	s.metrics.RecordTransactionsImported(session.ImportedCount)
	s.metrics.RecordDuplicatesSkipped(session.DuplicateCount)
	s.logger.Info("同期が完了しました",
		slog.String("workspace_id", workspaceID.String()),
		slog.String("connection_id", connectionID.String()),
		slog.String("session_id", session.ID.String()),
		slog.String("status", string(session.Status)),
		slog.Int("fetched_count", session.FetchedCount),
		slog.Int("imported_count", session.ImportedCount),
		slog.Int("duplicate_count", session.DuplicateCount),
	)

	if err := s.markConnectionSynced(ctx, conn); err != nil {
		return session, err
	}
	return session, nil
}

// admit は受付制御の2〜4を評価する。
func (s *SyncService) admit(ctx context.Context, conn *model.BankConnection, now time.Time) error {
	active, err := s.sessions.FindActiveByConnection(ctx, conn.WorkspaceID, conn.ID)
	if err != nil {
		return fmt.Errorf("実行中の同期セッションの確認に失敗しました: %w", err)
	}
	if len(active) > 0 {
		return s.reject(model.NewSyncAlreadyInProgressError(conn.ID))
	}

	latest, err := s.sessions.FindLatestByConnection(ctx, conn.WorkspaceID, conn.ID)
	if err != nil {
		return fmt.Errorf("直近の同期セッションの取得に失敗しました: %w", err)
	}
	if latest != nil {
		if remaining, ok := remainingMinutes(s.cfg.MinSyncInterval, now.Sub(latest.ReferenceTime())); !ok {
			return s.reject(model.NewSyncTooFrequentError(conn.ID, remaining))
		}
	}

	if conn.Status == model.ConnectionStatusDisconnected {
		return s.reject(model.NewConnectionDisconnectedError(conn.ID))
	}
	return nil
}

// remainingMinutes は最小間隔までの残り分数（切り上げ）を返す。経過済みならokがtrue。
func remainingMinutes(minInterval, elapsed time.Duration) (int, bool) {
	if elapsed >= minInterval {
		return 0, true
	}
	remaining := int(math.Ceil(minInterval.Minutes() - elapsed.Minutes()))
	if remaining < 1 {
		remaining = 1
	}
	return remaining, false
}

// resolveRange は同期対象期間を決定する。未指定の終了日は現在時刻、開始日は既定の遡り期間。
func (s *SyncService) resolveRange(fromDate, toDate *time.Time, now time.Time) (time.Time, time.Time, *model.APIError) {
	to := now
	if toDate != nil {
		to = *toDate
	}
	from := now.Add(-s.cfg.DefaultLookback)
	if fromDate != nil {
		from = *fromDate
	}

	if from.After(to) {
		return time.Time{}, time.Time{}, model.NewInvalidDateRangeError("開始日が終了日より後です")
	}
	if s.cfg.MaxLookback > 0 && from.Before(now.Add(-s.cfg.MaxLookback)) {
		return time.Time{}, time.Time{}, model.NewInvalidDateRangeError(
			fmt.Sprintf("開始日は%d日前以降を指定してください", int(s.cfg.MaxLookback.Hours()/24)))
	}
	return from, to, nil
}

// run はセッション作成後の処理（開始・取得・重複排除・保存・完了）を行う。
// ここで返したエラーはすべてrecordFailureで記録される。
func (s *SyncService) run(ctx context.Context, conn *model.BankConnection, session *model.SyncSession, from, to time.Time) error {
	if err := session.Start(s.now()); err != nil {
		return err
	}
	if err := s.sessions.Save(ctx, session); err != nil {
		return fmt.Errorf("同期セッションの開始に失敗しました: %w", err)
	}

	raws, err := s.fetch(ctx, conn.AccessToken, from, to)
	if err != nil {
		return err
	}

	truncated := false
	if limit := s.cfg.MaxTransactionsPerSync; limit > 0 && len(raws) > limit {
		session.SetMetadata("available_count", len(raws))
		raws = raws[:limit]
		truncated = true
	}

	batch, duplicates, err := s.dedupe(ctx, conn, session, raws)
	if err != nil {
		return err
	}

	imported, err := s.saveBatches(ctx, batch)
	if err != nil {
		return err
	}
	// 既存確認と挿入の間に他経路で入った行はストレージ側でスキップされる
	duplicates += len(batch) - imported

	completed := *session
	now := s.now()
	if truncated {
		err = completed.CompletePartial(len(raws), imported, duplicates, now)
	} else {
		err = completed.Complete(len(raws), imported, duplicates, now)
	}
	if err != nil {
		return err
	}
	if err := s.sessions.Save(ctx, &completed); err != nil {
		return fmt.Errorf("同期セッションの完了の保存に失敗しました: %w", err)
	}
	*session = completed
	return nil
}

// fetch はタイムアウトとバックオフ付きリトライの下で提供元から取引を取得する。
func (s *SyncService) fetch(ctx context.Context, accessToken string, from, to time.Time) ([]model.RawTransaction, error) {
	var raws []model.RawTransaction
	retry := resilience.RetryConfig{
		MaxRetries:     s.cfg.MaxSyncRetries,
		InitialBackoff: s.cfg.SyncRetryDelay,
	}

	err := resilience.RetryWithBackoff(ctx, retry, func(ctx context.Context) error {
		fetchCtx := ctx
		if s.cfg.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
			defer cancel()
		}

		result, err := s.fetcher.FetchTransactions(fetchCtx, accessToken, from, to)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("取引の取得がタイムアウトしました（%s）: %w", s.cfg.FetchTimeout, err)
			}
			return err
		}
		raws = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("銀行データ提供元からの取引の取得に失敗しました: %w", err)
	}
	return raws, nil
}

// dedupe は取得順に取引を走査し、新規分を保存用の取引に変換する。
// 外部IDが既に保存済み、または同じ取得結果内で重複するものは重複として数える。
func (s *SyncService) dedupe(ctx context.Context, conn *model.BankConnection, session *model.SyncSession, raws []model.RawTransaction) ([]*model.BankTransaction, int, error) {
	seen := make(map[string]struct{}, len(raws))
	batch := make([]*model.BankTransaction, 0, len(raws))
	duplicates := 0
	now := s.now()

	for _, raw := range raws {
		if _, ok := seen[raw.ExternalID]; ok {
			duplicates++
			continue
		}
		seen[raw.ExternalID] = struct{}{}

		existing, err := s.transactions.FindByExternalID(ctx, conn.WorkspaceID, raw.ExternalID)
		if err != nil {
			return nil, 0, fmt.Errorf("既存取引の確認に失敗しました: %w", err)
		}
		if existing != nil {
			duplicates++
			continue
		}
		batch = append(batch, model.NewBankTransactionFromRaw(conn.WorkspaceID, conn.ID, session.ID, raw, now))
	}
	return batch, duplicates, nil
}

// saveBatches はBatchSizeごとに分割して一括保存し、挿入された件数の合計を返す。
func (s *SyncService) saveBatches(ctx context.Context, batch []*model.BankTransaction) (int, error) {
	size := s.cfg.BatchSize
	if size <= 0 {
		size = len(batch)
	}

	inserted := 0
	for start := 0; start < len(batch); start += size {
		end := min(start+size, len(batch))
		n, err := s.transactions.SaveBatch(ctx, batch[start:end])
		if err != nil {
			return inserted, fmt.Errorf("銀行取引の一括保存に失敗しました: %w", err)
		}
		inserted += n
	}
	return inserted, nil
}

// markConnectionSynced は最新の銀行連携を読み直して同期成功を記録する。
// セッションは既に完了として保存済みのため、ここで失敗してもセッションはCOMPLETEDのまま残る。
func (s *SyncService) markConnectionSynced(ctx context.Context, conn *model.BankConnection) error {
	current := s.reloadConnection(ctx, conn)
	if err := current.MarkSynced(s.now()); err != nil {
		s.logger.Warn("同期完了を銀行連携に反映できませんでした",
			slog.String("connection_id", conn.ID.String()),
			slog.String("error", err.Error()),
		)
		return model.NewInvalidConnectionStateError(conn.ID, current.Status)
	}
	if err := s.connections.Save(ctx, current); err != nil {
		return fmt.Errorf("銀行連携の同期日時の保存に失敗しました: %w", err)
	}
	*conn = *current
	return nil
}

// recordFailure は失敗をセッションと銀行連携に記録する。
// 呼び出し元のキャンセルに影響されないよう、切り離したコンテキストで保存する。
// 2つの保存は独立しており、片方が失敗してももう片方は試みる。
func (s *SyncService) recordFailure(ctx context.Context, conn *model.BankConnection, session *model.SyncSession, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	message := cause.Error()

	logger := s.logger.With(
		slog.String("workspace_id", conn.WorkspaceID.String()),
		slog.String("connection_id", conn.ID.String()),
		slog.String("session_id", session.ID.String()),
	)
	logger.Error("同期に失敗しました", slog.String("error", message))

	if err := session.Fail(message, now); err != nil {
		logger.Error("同期セッションを失敗状態にできませんでした", slog.String("error", err.Error()))
	} else if err := s.sessions.Save(ctx, session); err != nil {
		logger.Error("同期セッションの失敗の保存に失敗しました", slog.String("error", err.Error()))
	}

	current := s.reloadConnection(ctx, conn)
	if err := current.MarkError(message, now); err != nil {
		logger.Warn("銀行連携をエラー状態にできませんでした", slog.String("error", err.Error()))
		return
	}
	if err := s.connections.Save(ctx, current); err != nil {
		logger.Error("銀行連携のエラーの保存に失敗しました", slog.String("error", err.Error()))
		return
	}
	*conn = *current
}

// reloadConnection は同期中に他の操作で更新された可能性がある銀行連携を読み直す。
// 読み直せない場合は手元のコピーを使う。
func (s *SyncService) reloadConnection(ctx context.Context, conn *model.BankConnection) *model.BankConnection {
	current, err := s.connections.FindByID(ctx, conn.WorkspaceID, conn.ID)
	if err != nil || current == nil {
		copied := *conn
		return &copied
	}
	return current
}

func (s *SyncService) reject(err *model.APIError) error {
	s.metrics.RecordSyncRejected(err.Code)
	return err
}

// GetSyncHistory は銀行連携の同期履歴を新しい順に返す。
func (s *SyncService) GetSyncHistory(ctx context.Context, workspaceID model.WorkspaceID, connectionID model.ConnectionID, page model.Pagination) ([]*model.SyncSession, error) {
	sessions, err := s.sessions.FindByConnection(ctx, workspaceID, connectionID, page.Normalize())
	if err != nil {
		return nil, fmt.Errorf("同期履歴の取得に失敗しました: %w", err)
	}
	return sessions, nil
}

// GetSyncSession は同期セッションを取得する。見つからない場合はSYNC_SESSION_NOT_FOUNDを返す。
func (s *SyncService) GetSyncSession(ctx context.Context, workspaceID model.WorkspaceID, sessionID model.SessionID) (*model.SyncSession, error) {
	session, err := s.sessions.FindByID(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("同期セッションの取得に失敗しました: %w", err)
	}
	if session == nil {
		return nil, model.NewSyncSessionNotFoundError(sessionID)
	}
	return session, nil
}

// GetActiveSyncs はワークスペースでIN_PROGRESSのセッションをすべて返す。
func (s *SyncService) GetActiveSyncs(ctx context.Context, workspaceID model.WorkspaceID) ([]*model.SyncSession, error) {
	var all []*model.SyncSession
	page := model.Pagination{Limit: model.MaxPageLimit}
	for {
		sessions, err := s.sessions.FindByStatus(ctx, workspaceID, model.SyncStatusInProgress, page)
		if err != nil {
			return nil, fmt.Errorf("実行中の同期セッションの取得に失敗しました: %w", err)
		}
		all = append(all, sessions...)
		if len(sessions) < page.Limit {
			return all, nil
		}
		page.Offset += page.Limit
	}
}

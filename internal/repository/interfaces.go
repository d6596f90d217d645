// Package repository はデータ永続化のインターフェースを定義する。
// すべての検索はワークスペース単位でスコープされ、見つからない場合はnilを返す。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/bankfeed/internal/model"
)

// ErrActiveSessionExists は同じ銀行連携に実行中の同期セッションが既に存在するため
// セッションを保存できなかった場合のエラー。
// ストレージ側の一意制約（実行中セッションは銀行連携ごとに1件）違反を表す。
var ErrActiveSessionExists = errors.New("active sync session already exists for connection")

// ErrConnectionExists は同じ口座に対する連携解除されていない銀行連携が既に存在するため
// 銀行連携を保存できなかった場合のエラー。
var ErrConnectionExists = errors.New("active bank connection already exists for account")

// ConnectionRepository は銀行連携の永続化インターフェース。
type ConnectionRepository interface {
	// Save は銀行連携を作成または更新する。
	// 口座ごとの一意制約に違反した場合はErrConnectionExistsを返す。
	Save(ctx context.Context, conn *model.BankConnection) error

	// FindByID は指定IDの銀行連携を取得する。
	FindByID(ctx context.Context, workspaceID model.WorkspaceID, id model.ConnectionID) (*model.BankConnection, error)

	// FindByInstitutionAccount は金融機関IDと外部口座IDで、連携解除されていない銀行連携を検索する。
	FindByInstitutionAccount(ctx context.Context, workspaceID model.WorkspaceID, institutionID, externalAccountID string) (*model.BankConnection, error)

	// FindByWorkspace はワークスペースの銀行連携一覧を作成日時の降順で返す。
	FindByWorkspace(ctx context.Context, workspaceID model.WorkspaceID, page model.Pagination) ([]*model.BankConnection, error)

	// FindByUser はユーザーが作成した銀行連携一覧を作成日時の降順で返す。
	FindByUser(ctx context.Context, workspaceID model.WorkspaceID, userID model.UserID, page model.Pagination) ([]*model.BankConnection, error)

	// Delete は銀行連携を物理削除する。
	Delete(ctx context.Context, workspaceID model.WorkspaceID, id model.ConnectionID) error

	// ListDueForSync は定期同期の対象となる銀行連携を全ワークスペースから取得する。
	// CONNECTED/ERROR/EXPIREDのうち、未同期またはlast_sync_atがsyncedBeforeより古いものを返す。
	ListDueForSync(ctx context.Context, syncedBefore time.Time, limit int) ([]*model.BankConnection, error)
}

// SessionRepository は同期セッションの永続化インターフェース。
type SessionRepository interface {
	// Save は同期セッションを作成または更新する。
	// 実行中セッションの一意制約に違反した場合はErrActiveSessionExistsを返す。
	Save(ctx context.Context, session *model.SyncSession) error

	// FindByID は指定IDの同期セッションを取得する。
	FindByID(ctx context.Context, workspaceID model.WorkspaceID, id model.SessionID) (*model.SyncSession, error)

	// FindByConnection は銀行連携の同期履歴を開始日時の降順で返す。
	FindByConnection(ctx context.Context, workspaceID model.WorkspaceID, connectionID model.ConnectionID, page model.Pagination) ([]*model.SyncSession, error)

	// FindActiveByConnection はPENDINGまたはIN_PROGRESSのセッションを返す。
	FindActiveByConnection(ctx context.Context, workspaceID model.WorkspaceID, connectionID model.ConnectionID) ([]*model.SyncSession, error)

	// FindLatestByConnection は状態に関わらず最も新しく開始されたセッションを返す。
	FindLatestByConnection(ctx context.Context, workspaceID model.WorkspaceID, connectionID model.ConnectionID) (*model.SyncSession, error)

	// FindByStatus は指定状態のセッション一覧を開始日時の降順で返す。
	FindByStatus(ctx context.Context, workspaceID model.WorkspaceID, status model.SyncStatus, page model.Pagination) ([]*model.SyncSession, error)
}

// TransactionRepository は銀行取引の永続化インターフェース。
type TransactionRepository interface {
	// Save は銀行取引を作成または更新する。
	Save(ctx context.Context, tx *model.BankTransaction) error

	// SaveBatch は銀行取引をまとめて挿入する。
	// (workspace_id, external_id) が既存の行はスキップし、実際に挿入した件数を返す。
	SaveBatch(ctx context.Context, txs []*model.BankTransaction) (int, error)

	// FindByID は指定IDの銀行取引を取得する。
	FindByID(ctx context.Context, workspaceID model.WorkspaceID, id model.TransactionID) (*model.BankTransaction, error)

	// FindByExternalID は提供元の外部IDで銀行取引を検索する。
	FindByExternalID(ctx context.Context, workspaceID model.WorkspaceID, externalID string) (*model.BankTransaction, error)

	// FindByConnection は銀行連携の取引一覧を取引日の降順で返す。
	FindByConnection(ctx context.Context, workspaceID model.WorkspaceID, connectionID model.ConnectionID, page model.Pagination) ([]*model.BankTransaction, error)

	// FindBySession は同期セッションで取り込んだ取引一覧を取引日の降順で返す。
	FindBySession(ctx context.Context, workspaceID model.WorkspaceID, sessionID model.SessionID, page model.Pagination) ([]*model.BankTransaction, error)

	// FindByStatus は指定状態の取引一覧を取引日の降順で返す。
	// connectionIDがnilでない場合はその銀行連携に絞り込む。
	FindByStatus(ctx context.Context, workspaceID model.WorkspaceID, status model.TransactionStatus, connectionID *model.ConnectionID, page model.Pagination) ([]*model.BankTransaction, error)

	// FindPotentialDuplicates は金額と摘要が一致し、取引日時がdate±windowに収まる取引を返す。
	// 手動レビュー用の検索で、同期時の自動重複判定には使用しない。
	FindPotentialDuplicates(ctx context.Context, workspaceID model.WorkspaceID, amount decimal.Decimal, date time.Time, description string, window time.Duration) ([]*model.BankTransaction, error)
}


package banking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/bankfeed/internal/model"
	"github.com/hitoshi/bankfeed/internal/repository"
)

// Action は取り込み済み取引に対する処理の種類。
type Action string

const (
	// ActionImport は取引から新規経費を作成したことを記録する。
	ActionImport Action = "import"
	// ActionMatch は取引を既存経費に突合したことを記録する。
	ActionMatch Action = "match"
	// ActionIgnore は取引を経費化しないことを記録する。
	ActionIgnore Action = "ignore"
)

// TransactionService は取り込み済み銀行取引の処理と参照を扱うサービス層。
type TransactionService struct {
	transactions    repository.TransactionRepository
	duplicateWindow time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// NewTransactionService はTransactionServiceの新しいインスタンスを生成する。
func NewTransactionService(transactions repository.TransactionRepository, cfg SyncConfig, logger *slog.Logger) *TransactionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransactionService{
		transactions:    transactions,
		duplicateWindow: cfg.DuplicateWindow,
		logger:          logger,
		now:             defaultNow,
	}
}

// ProcessTransaction はPENDINGの取引に処理を適用して保存する。
// import/matchは経費IDが必須で、未指定の場合は取引を変更せずVALIDATION_ERRORを返す。
func (s *TransactionService) ProcessTransaction(ctx context.Context, workspaceID model.WorkspaceID, id model.TransactionID, action Action, expenseID *model.ExpenseID) (*model.BankTransaction, error) {
	tx, err := s.GetTransaction(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	switch action {
	case ActionImport, ActionMatch:
		if expenseID == nil || *expenseID == "" {
			return nil, model.NewValidationError("expenseId", fmt.Sprintf("%sには経費IDが必要です", action))
		}
		if tx.Status != model.TransactionStatusPending {
			return nil, model.NewInvalidTransactionStateError(tx.ID, tx.Status)
		}
		if action == ActionImport {
			err = tx.Import(*expenseID, now)
		} else {
			err = tx.Match(*expenseID, now)
		}
	case ActionIgnore:
		if tx.Status != model.TransactionStatusPending {
			return nil, model.NewInvalidTransactionStateError(tx.ID, tx.Status)
		}
		err = tx.Ignore(now)
	default:
		return nil, model.NewInvalidActionError(string(action))
	}
	if err != nil {
		return nil, model.NewInvalidTransactionStateError(tx.ID, tx.Status)
	}

	if err := s.transactions.Save(ctx, tx); err != nil {
		return nil, fmt.Errorf("銀行取引の保存に失敗しました: %w", err)
	}

	s.logger.Info("銀行取引を処理しました",
		slog.String("workspace_id", workspaceID.String()),
		slog.String("transaction_id", id.String()),
		slog.String("action", string(action)),
		slog.String("status", string(tx.Status)),
	)
	return tx, nil
}

// GetTransaction は銀行取引を取得する。見つからない場合はBANK_TRANSACTION_NOT_FOUNDを返す。
func (s *TransactionService) GetTransaction(ctx context.Context, workspaceID model.WorkspaceID, id model.TransactionID) (*model.BankTransaction, error) {
	tx, err := s.transactions.FindByID(ctx, workspaceID, id)
	if err != nil {
		return nil, fmt.Errorf("銀行取引の取得に失敗しました: %w", err)
	}
	if tx == nil {
		return nil, model.NewTransactionNotFoundError(id)
	}
	return tx, nil
}

// GetPendingTransactions は未処理の取引一覧を返す。connectionIDを指定するとその銀行連携に絞り込む。
func (s *TransactionService) GetPendingTransactions(ctx context.Context, workspaceID model.WorkspaceID, connectionID *model.ConnectionID, page model.Pagination) ([]*model.BankTransaction, error) {
	txs, err := s.transactions.FindByStatus(ctx, workspaceID, model.TransactionStatusPending, connectionID, page.Normalize())
	if err != nil {
		return nil, fmt.Errorf("未処理の銀行取引の取得に失敗しました: %w", err)
	}
	return txs, nil
}

// GetConnectionTransactions は銀行連携の取引一覧を返す。
func (s *TransactionService) GetConnectionTransactions(ctx context.Context, workspaceID model.WorkspaceID, connectionID model.ConnectionID, page model.Pagination) ([]*model.BankTransaction, error) {
	txs, err := s.transactions.FindByConnection(ctx, workspaceID, connectionID, page.Normalize())
	if err != nil {
		return nil, fmt.Errorf("銀行連携の取引一覧の取得に失敗しました: %w", err)
	}
	return txs, nil
}

// GetSessionTransactions は同期セッションで取り込んだ取引一覧を返す。
func (s *TransactionService) GetSessionTransactions(ctx context.Context, workspaceID model.WorkspaceID, sessionID model.SessionID, page model.Pagination) ([]*model.BankTransaction, error) {
	txs, err := s.transactions.FindBySession(ctx, workspaceID, sessionID, page.Normalize())
	if err != nil {
		return nil, fmt.Errorf("同期セッションの取引一覧の取得に失敗しました: %w", err)
	}
	return txs, nil
}

// GetPotentialDuplicates は手動レビュー用に、指定取引と金額・摘要が一致し
// 取引日時が重複判定ウィンドウ内にある他の取引を返す。
func (s *TransactionService) GetPotentialDuplicates(ctx context.Context, workspaceID model.WorkspaceID, id model.TransactionID) ([]*model.BankTransaction, error) {
	tx, err := s.GetTransaction(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}

	candidates, err := s.transactions.FindPotentialDuplicates(ctx, workspaceID, tx.Amount, tx.TransactionDate, tx.Description, s.duplicateWindow)
	if err != nil {
		return nil, fmt.Errorf("重複候補の検索に失敗しました: %w", err)
	}

	result := make([]*model.BankTransaction, 0, len(candidates))
	for _, c := range candidates {
		if c.ID != tx.ID {
			result = append(result, c)
		}
	}
	return result, nil
}

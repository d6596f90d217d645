package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/bankfeed/internal/model"
)

// PostgresTransactionRepo はPostgreSQLを使用した銀行取引リポジトリ。
type PostgresTransactionRepo struct {
	db *sql.DB
}

// NewPostgresTransactionRepo はPostgresTransactionRepoを生成する。
func NewPostgresTransactionRepo(db *sql.DB) *PostgresTransactionRepo {
	return &PostgresTransactionRepo{db: db}
}

var _ TransactionRepository = (*PostgresTransactionRepo)(nil)

const transactionColumns = `id, workspace_id, connection_id, session_id, external_id,
	amount, currency, description, merchant_name, category_name,
	transaction_date, posted_date, status, expense_id, metadata,
	created_at, updated_at`

const insertTransaction = `INSERT INTO bank_transactions (` + transactionColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

func transactionArgs(t *model.BankTransaction) ([]any, error) {
	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return nil, err
	}
	var expenseID sql.NullString
	if t.ExpenseID != nil {
		expenseID = nullString(string(*t.ExpenseID))
	}
	return []any{
		t.ID, t.WorkspaceID, t.ConnectionID, t.SessionID, t.ExternalID,
		t.Amount, t.Currency, t.Description, nullString(t.MerchantName), nullString(t.CategoryName),
		t.TransactionDate, t.PostedDate, t.Status, expenseID, metadata,
		t.CreatedAt, t.UpdatedAt,
	}, nil
}

// Save は銀行取引を作成または更新する。
func (r *PostgresTransactionRepo) Save(ctx context.Context, t *model.BankTransaction) error {
	args, err := transactionArgs(t)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		insertTransaction+`
		 ON CONFLICT (id) DO UPDATE SET
		     status = EXCLUDED.status,
		     expense_id = EXCLUDED.expense_id,
		     metadata = EXCLUDED.metadata,
		     updated_at = EXCLUDED.updated_at`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("銀行取引の保存に失敗しました: %w", err)
	}
	return nil
}

// SaveBatch は銀行取引を1トランザクションでまとめて挿入する。
// (workspace_id, external_id) が既に存在する行はスキップし、挿入できた件数を返す。
func (r *PostgresTransactionRepo) SaveBatch(ctx context.Context, txs []*model.BankTransaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer dbTx.Rollback()

	stmt, err := dbTx.PrepareContext(ctx,
		insertTransaction+` ON CONFLICT (workspace_id, external_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("銀行取引の挿入準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, t := range txs {
		args, err := transactionArgs(t)
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, fmt.Errorf("銀行取引の一括保存に失敗しました (external_id=%s): %w", t.ExternalID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("挿入件数の取得に失敗しました: %w", err)
		}
		inserted += int(n)
	}

	if err := dbTx.Commit(); err != nil {
		return 0, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return inserted, nil
}

// FindByID は指定IDの銀行取引を取得する。見つからない場合はnilを返す。
func (r *PostgresTransactionRepo) FindByID(ctx context.Context, workspaceID model.WorkspaceID, id model.TransactionID) (*model.BankTransaction, error) {
	if !isUUID(id) {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+`
		 FROM bank_transactions WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id,
	)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("銀行取引の取得に失敗しました: %w", err)
	}
	return t, nil
}

// FindByExternalID は外部IDで銀行取引を検索する。見つからない場合はnilを返す。
func (r *PostgresTransactionRepo) FindByExternalID(ctx context.Context, workspaceID model.WorkspaceID, externalID string) (*model.BankTransaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+`
		 FROM bank_transactions WHERE workspace_id = $1 AND external_id = $2`,
		workspaceID, externalID,
	)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("外部IDによる銀行取引の検索に失敗しました: %w", err)
	}
	return t, nil
}

// FindByConnection は銀行連携の取引一覧を取得する。
func (r *PostgresTransactionRepo) FindByConnection(ctx context.Context, workspaceID model.WorkspaceID, connectionID model.ConnectionID, page model.Pagination) ([]*model.BankTransaction, error) {
	if !isUUID(connectionID) {
		return nil, nil
	}
	page = page.Normalize()
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+`
		 FROM bank_transactions
		 WHERE workspace_id = $1 AND connection_id = $2
		 ORDER BY transaction_date DESC, id
		 LIMIT $3 OFFSET $4`,
		workspaceID, connectionID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("銀行連携の取引一覧の取得に失敗しました: %w", err)
	}
	return collectTransactions(rows)
}

// FindBySession は同期セッションの取引一覧を取得する。
func (r *PostgresTransactionRepo) FindBySession(ctx context.Context, workspaceID model.WorkspaceID, sessionID model.SessionID, page model.Pagination) ([]*model.BankTransaction, error) {
	if !isUUID(sessionID) {
		return nil, nil
	}
	page = page.Normalize()
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+`
		 FROM bank_transactions
		 WHERE workspace_id = $1 AND session_id = $2
		 ORDER BY transaction_date DESC, id
		 LIMIT $3 OFFSET $4`,
		workspaceID, sessionID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("同期セッションの取引一覧の取得に失敗しました: %w", err)
	}
	return collectTransactions(rows)
}

// FindByStatus は指定状態の取引一覧を取得する。
func (r *PostgresTransactionRepo) FindByStatus(ctx context.Context, workspaceID model.WorkspaceID, status model.TransactionStatus, connectionID *model.ConnectionID, page model.Pagination) ([]*model.BankTransaction, error) {
	if connectionID != nil && !isUUID(*connectionID) {
		return nil, nil
	}
	page = page.Normalize()
	var connFilter sql.NullString
	if connectionID != nil {
		connFilter = nullString(string(*connectionID))
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+`
		 FROM bank_transactions
		 WHERE workspace_id = $1 AND status = $2
		   AND ($3::uuid IS NULL OR connection_id = $3::uuid)
		 ORDER BY transaction_date DESC, id
		 LIMIT $4 OFFSET $5`,
		workspaceID, status, connFilter, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("状態による銀行取引の取得に失敗しました: %w", err)
	}
	return collectTransactions(rows)
}

// FindPotentialDuplicates は金額と摘要が一致し、取引日時がdate±windowに収まる取引を取得する。
func (r *PostgresTransactionRepo) FindPotentialDuplicates(ctx context.Context, workspaceID model.WorkspaceID, amount decimal.Decimal, date time.Time, description string, window time.Duration) ([]*model.BankTransaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+`
		 FROM bank_transactions
		 WHERE workspace_id = $1 AND amount = $2 AND description = $3
		   AND transaction_date BETWEEN $4 AND $5
		 ORDER BY transaction_date DESC, id`,
		workspaceID, amount, description, date.Add(-window), date.Add(window),
	)
	if err != nil {
		return nil, fmt.Errorf("重複候補の取引の検索に失敗しました: %w", err)
	}
	return collectTransactions(rows)
}

func scanTransaction(s rowScanner) (*model.BankTransaction, error) {
	t := &model.BankTransaction{}
	var merchantName, categoryName, expenseID sql.NullString
	var postedDate sql.NullTime
	var metadata []byte

	err := s.Scan(
		&t.ID, &t.WorkspaceID, &t.ConnectionID, &t.SessionID, &t.ExternalID,
		&t.Amount, &t.Currency, &t.Description, &merchantName, &categoryName,
		&t.TransactionDate, &postedDate, &t.Status, &expenseID, &metadata,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.MerchantName = nullStringValue(merchantName)
	t.CategoryName = nullStringValue(categoryName)
	t.PostedDate = nullTimePtr(postedDate)
	if expenseID.Valid {
		id := model.ExpenseID(expenseID.String)
		t.ExpenseID = &id
	}
	if t.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return t, nil
}

func collectTransactions(rows *sql.Rows) ([]*model.BankTransaction, error) {
	defer rows.Close()

	var txs []*model.BankTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("銀行取引のスキャンに失敗しました: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("銀行取引の読み取りに失敗しました: %w", err)
	}
	return txs, nil
}

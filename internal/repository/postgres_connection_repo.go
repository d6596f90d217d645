package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/bankfeed/internal/model"
)

// PostgresConnectionRepo はPostgreSQLを使用した銀行連携リポジトリ。
type PostgresConnectionRepo struct {
	db *sql.DB
}

// NewPostgresConnectionRepo はPostgresConnectionRepoを生成する。
func NewPostgresConnectionRepo(db *sql.DB) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: db}
}

var _ ConnectionRepository = (*PostgresConnectionRepo)(nil)

const connectionColumns = `id, workspace_id, user_id, institution_id, institution_name,
	external_account_id, external_account_name, external_account_type, external_account_mask,
	currency, access_token, token_expires_at, status, last_sync_at, last_error,
	created_at, updated_at`

// Save は銀行連携を作成または更新する。
func (r *PostgresConnectionRepo) Save(ctx context.Context, c *model.BankConnection) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bank_connections (`+connectionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (id) DO UPDATE SET
		     institution_name = EXCLUDED.institution_name,
		     external_account_name = EXCLUDED.external_account_name,
		     external_account_type = EXCLUDED.external_account_type,
		     external_account_mask = EXCLUDED.external_account_mask,
		     currency = EXCLUDED.currency,
		     access_token = EXCLUDED.access_token,
		     token_expires_at = EXCLUDED.token_expires_at,
		     status = EXCLUDED.status,
		     last_sync_at = EXCLUDED.last_sync_at,
		     last_error = EXCLUDED.last_error,
		     updated_at = EXCLUDED.updated_at`,
		c.ID, c.WorkspaceID, c.UserID, c.InstitutionID, c.InstitutionName,
		c.ExternalAccountID, nullString(c.ExternalAccountName), nullString(c.ExternalAccountType), nullString(c.ExternalAccountMask),
		c.Currency, c.AccessToken, c.TokenExpiresAt, c.Status, c.LastSyncAt, nullString(c.LastError),
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConnectionExists
		}
		return fmt.Errorf("銀行連携の保存に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの銀行連携を取得する。見つからない場合はnilを返す。
func (r *PostgresConnectionRepo) FindByID(ctx context.Context, workspaceID model.WorkspaceID, id model.ConnectionID) (*model.BankConnection, error) {
	if !isUUID(id) {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+`
		 FROM bank_connections WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id,
	)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("銀行連携の取得に失敗しました: %w", err)
	}
	return c, nil
}

// FindByInstitutionAccount は金融機関IDと外部口座IDで連携解除されていない銀行連携を検索する。
func (r *PostgresConnectionRepo) FindByInstitutionAccount(ctx context.Context, workspaceID model.WorkspaceID, institutionID, externalAccountID string) (*model.BankConnection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+`
		 FROM bank_connections
		 WHERE workspace_id = $1 AND institution_id = $2 AND external_account_id = $3
		   AND status <> 'DISCONNECTED'
		 ORDER BY created_at DESC
		 LIMIT 1`,
		workspaceID, institutionID, externalAccountID,
	)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("口座による銀行連携の検索に失敗しました: %w", err)
	}
	return c, nil
}

// FindByWorkspace はワークスペースの銀行連携一覧を取得する。
func (r *PostgresConnectionRepo) FindByWorkspace(ctx context.Context, workspaceID model.WorkspaceID, page model.Pagination) ([]*model.BankConnection, error) {
	page = page.Normalize()
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionColumns+`
		 FROM bank_connections
		 WHERE workspace_id = $1
		 ORDER BY created_at DESC, id
		 LIMIT $2 OFFSET $3`,
		workspaceID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("銀行連携一覧の取得に失敗しました: %w", err)
	}
	return collectConnections(rows)
}

// FindByUser はユーザーが作成した銀行連携一覧を取得する。
func (r *PostgresConnectionRepo) FindByUser(ctx context.Context, workspaceID model.WorkspaceID, userID model.UserID, page model.Pagination) ([]*model.BankConnection, error) {
	page = page.Normalize()
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionColumns+`
		 FROM bank_connections
		 WHERE workspace_id = $1 AND user_id = $2
		 ORDER BY created_at DESC, id
		 LIMIT $3 OFFSET $4`,
		workspaceID, userID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの銀行連携一覧の取得に失敗しました: %w", err)
	}
	return collectConnections(rows)
}

// Delete は銀行連携を削除する。関連するセッションと取引はCASCADEで削除される。
func (r *PostgresConnectionRepo) Delete(ctx context.Context, workspaceID model.WorkspaceID, id model.ConnectionID) error {
	if !isUUID(id) {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM bank_connections WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id,
	)
	if err != nil {
		return fmt.Errorf("銀行連携の削除に失敗しました: %w", err)
	}
	return nil
}

// ListDueForSync は定期同期の対象となる銀行連携を取得する。
// 複数ワーカーが同時に実行しても同じ行を取らないよう SKIP LOCKED を使用する。
func (r *PostgresConnectionRepo) ListDueForSync(ctx context.Context, syncedBefore time.Time, limit int) ([]*model.BankConnection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionColumns+`
		 FROM bank_connections
		 WHERE status IN ('CONNECTED', 'ERROR', 'EXPIRED')
		   AND (last_sync_at IS NULL OR last_sync_at < $1)
		 ORDER BY last_sync_at ASC NULLS FIRST
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		syncedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("同期対象の銀行連携の取得に失敗しました: %w", err)
	}
	return collectConnections(rows)
}

func scanConnection(s rowScanner) (*model.BankConnection, error) {
	c := &model.BankConnection{}
	var accountName, accountType, accountMask, lastError sql.NullString
	var tokenExpiresAt, lastSyncAt sql.NullTime

	err := s.Scan(
		&c.ID, &c.WorkspaceID, &c.UserID, &c.InstitutionID, &c.InstitutionName,
		&c.ExternalAccountID, &accountName, &accountType, &accountMask,
		&c.Currency, &c.AccessToken, &tokenExpiresAt, &c.Status, &lastSyncAt, &lastError,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.ExternalAccountName = nullStringValue(accountName)
	c.ExternalAccountType = nullStringValue(accountType)
	c.ExternalAccountMask = nullStringValue(accountMask)
	c.LastError = nullStringValue(lastError)
	c.TokenExpiresAt = nullTimePtr(tokenExpiresAt)
	c.LastSyncAt = nullTimePtr(lastSyncAt)
	return c, nil
}

func collectConnections(rows *sql.Rows) ([]*model.BankConnection, error) {
	defer rows.Close()

	var conns []*model.BankConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("銀行連携のスキャンに失敗しました: %w", err)
		}
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("銀行連携の読み取りに失敗しました: %w", err)
	}
	return conns, nil
}

package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/bankfeed/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用した同期セッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

var _ SessionRepository = (*PostgresSessionRepo)(nil)

const sessionColumns = `id, workspace_id, connection_id, from_date, to_date, status,
	started_at, completed_at, fetched_count, imported_count, duplicate_count,
	error_message, metadata, created_at, updated_at`

// Save は同期セッションを作成または更新する。
// 銀行連携ごとの実行中セッションの部分一意インデックスに違反した場合はErrActiveSessionExistsを返す。
func (r *PostgresSessionRepo) Save(ctx context.Context, s *model.SyncSession) error {
	metadata, err := marshalMetadata(s.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sync_sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		     status = EXCLUDED.status,
		     started_at = EXCLUDED.started_at,
		     completed_at = EXCLUDED.completed_at,
		     fetched_count = EXCLUDED.fetched_count,
		     imported_count = EXCLUDED.imported_count,
		     duplicate_count = EXCLUDED.duplicate_count,
		     error_message = EXCLUDED.error_message,
		     metadata = EXCLUDED.metadata,
		     updated_at = EXCLUDED.updated_at`,
		s.ID, s.WorkspaceID, s.ConnectionID, s.FromDate, s.ToDate, s.Status,
		s.StartedAt, s.CompletedAt, s.FetchedCount, s.ImportedCount, s.DuplicateCount,
		nullString(s.ErrorMessage), metadata, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("同期セッションの保存に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの同期セッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, workspaceID model.WorkspaceID, id model.SessionID) (*model.SyncSession, error) {
	if !isUUID(id) {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+`
		 FROM sync_sessions WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id,
	)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("同期セッションの取得に失敗しました: %w", err)
	}
	return s, nil
}

// FindByConnection は銀行連携の同期履歴を取得する。
func (r *PostgresSessionRepo) FindByConnection(ctx context.Context, workspaceID model.WorkspaceID, connectionID model.ConnectionID, page model.Pagination) ([]*model.SyncSession, error) {
	if !isUUID(connectionID) {
		return nil, nil
	}
	page = page.Normalize()
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+`
		 FROM sync_sessions
		 WHERE workspace_id = $1 AND connection_id = $2
		 ORDER BY COALESCE(started_at, created_at) DESC, id
		 LIMIT $3 OFFSET $4`,
		workspaceID, connectionID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("同期履歴の取得に失敗しました: %w", err)
	}
	return collectSessions(rows)
}

// FindActiveByConnection はPENDINGまたはIN_PROGRESSのセッションを取得する。
func (r *PostgresSessionRepo) FindActiveByConnection(ctx context.Context, workspaceID model.WorkspaceID, connectionID model.ConnectionID) ([]*model.SyncSession, error) {
	if !isUUID(connectionID) {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+`
		 FROM sync_sessions
		 WHERE workspace_id = $1 AND connection_id = $2
		   AND status IN ('PENDING', 'IN_PROGRESS')
		 ORDER BY created_at DESC`,
		workspaceID, connectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("実行中の同期セッションの取得に失敗しました: %w", err)
	}
	return collectSessions(rows)
}

// FindLatestByConnection は最も新しいセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindLatestByConnection(ctx context.Context, workspaceID model.WorkspaceID, connectionID model.ConnectionID) (*model.SyncSession, error) {
	if !isUUID(connectionID) {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+`
		 FROM sync_sessions
		 WHERE workspace_id = $1 AND connection_id = $2
		 ORDER BY COALESCE(started_at, created_at) DESC
		 LIMIT 1`,
		workspaceID, connectionID,
	)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("最新の同期セッションの取得に失敗しました: %w", err)
	}
	return s, nil
}

// FindByStatus は指定状態のセッション一覧を取得する。
func (r *PostgresSessionRepo) FindByStatus(ctx context.Context, workspaceID model.WorkspaceID, status model.SyncStatus, page model.Pagination) ([]*model.SyncSession, error) {
	page = page.Normalize()
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+`
		 FROM sync_sessions
		 WHERE workspace_id = $1 AND status = $2
		 ORDER BY COALESCE(started_at, created_at) DESC, id
		 LIMIT $3 OFFSET $4`,
		workspaceID, status, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("状態による同期セッションの取得に失敗しました: %w", err)
	}
	return collectSessions(rows)
}

func scanSession(s rowScanner) (*model.SyncSession, error) {
	sess := &model.SyncSession{}
	var fromDate, toDate, startedAt, completedAt sql.NullTime
	var errorMessage sql.NullString
	var metadata []byte

	err := s.Scan(
		&sess.ID, &sess.WorkspaceID, &sess.ConnectionID, &fromDate, &toDate, &sess.Status,
		&startedAt, &completedAt, &sess.FetchedCount, &sess.ImportedCount, &sess.DuplicateCount,
		&errorMessage, &metadata, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.FromDate = nullTimePtr(fromDate)
	sess.ToDate = nullTimePtr(toDate)
	sess.StartedAt = nullTimePtr(startedAt)
	sess.CompletedAt = nullTimePtr(completedAt)
	sess.ErrorMessage = nullStringValue(errorMessage)
	if sess.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return sess, nil
}

func collectSessions(rows *sql.Rows) ([]*model.SyncSession, error) {
	defer rows.Close()

	var sessions []*model.SyncSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("同期セッションのスキャンに失敗しました: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("同期セッションの読み取りに失敗しました: %w", err)
	}
	return sessions, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/bankfeed/internal/database"
	"github.com/hitoshi/bankfeed/internal/model"
)

// testSchema はリポジトリテスト専用のスキーマ。
// databaseパッケージのテストとテーブルを共有しないよう分離する。
const testSchema = "repository_test"

var repoTestTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// setupRepoDB はマイグレーション済みのテスト用データベースを返す。
// TEST_DATABASE_URL が未設定、または接続できない場合はスキップする。
func setupRepoDB(t *testing.T) *sql.DB {
	t.Helper()

	baseURL := os.Getenv("TEST_DATABASE_URL")
	if baseURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	admin, err := sql.Open("postgres", baseURL)
	require.NoError(t, err)
	defer admin.Close()
	if err := admin.Ping(); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	_, err = admin.Exec(`DROP SCHEMA IF EXISTS ` + testSchema + ` CASCADE; CREATE SCHEMA ` + testSchema)
	require.NoError(t, err, "テスト用スキーマの作成に失敗")

	u, err := url.Parse(baseURL)
	require.NoError(t, err, "TEST_DATABASE_URL はURL形式で指定してください")
	q := u.Query()
	q.Set("search_path", testSchema)
	u.RawQuery = q.Encode()
	dbURL := u.String()

	require.NoError(t, database.RunMigrations(dbURL), "マイグレーション実行に失敗")

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestConnection(t *testing.T, db *sql.DB, workspaceID model.WorkspaceID, accountID string) *model.BankConnection {
	t.Helper()
	expires := repoTestTime.Add(90 * 24 * time.Hour)
	conn := model.NewBankConnection(model.NewBankConnectionParams{
		WorkspaceID:         workspaceID,
		UserID:              "user_1",
		InstitutionID:       "ins_1",
		InstitutionName:     "Test Bank",
		ExternalAccountID:   accountID,
		ExternalAccountName: "Checking",
		ExternalAccountType: "depository",
		ExternalAccountMask: "1234",
		Currency:            "USD",
		AccessToken:         "token_" + accountID,
		TokenExpiresAt:      &expires,
	}, repoTestTime)
	require.NoError(t, conn.Activate(repoTestTime))
	require.NoError(t, NewPostgresConnectionRepo(db).Save(context.Background(), conn))
	return conn
}

func newTestSession(t *testing.T, db *sql.DB, conn *model.BankConnection) *model.SyncSession {
	t.Helper()
	from := repoTestTime.Add(-30 * 24 * time.Hour)
	to := repoTestTime
	session := model.NewSyncSession(conn.WorkspaceID, conn.ID, &from, &to, repoTestTime)
	require.NoError(t, NewPostgresSessionRepo(db).Save(context.Background(), session))
	return session
}

func newTestTransaction(conn *model.BankConnection, session *model.SyncSession, externalID, amount string) *model.BankTransaction {
	return model.NewBankTransactionFromRaw(conn.WorkspaceID, conn.ID, session.ID, model.RawTransaction{
		ExternalID:      externalID,
		Amount:          decimal.RequireFromString(amount),
		Currency:        "USD",
		Description:     "COFFEE SHOP " + externalID,
		TransactionDate: repoTestTime.Add(-48 * time.Hour),
	}, repoTestTime)
}

func assertTimePtrEqual(t *testing.T, want, got *time.Time) {
	t.Helper()
	if want == nil {
		assert.Nil(t, got)
		return
	}
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got), "want %v, got %v", *want, *got)
}

func TestPostgresConnectionRepo_RoundTrip(t *testing.T) {
	db := setupRepoDB(t)
	repo := NewPostgresConnectionRepo(db)
	ctx := context.Background()

	conn := newTestConnection(t, db, "ws_1", "acc_1")

	got, err := repo.FindByID(ctx, "ws_1", conn.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, conn.ID, got.ID)
	assert.Equal(t, conn.UserID, got.UserID)
	assert.Equal(t, conn.InstitutionName, got.InstitutionName)
	assert.Equal(t, conn.ExternalAccountName, got.ExternalAccountName)
	assert.Equal(t, conn.ExternalAccountType, got.ExternalAccountType)
	assert.Equal(t, conn.ExternalAccountMask, got.ExternalAccountMask)
	assert.Equal(t, "USD", got.Currency)
	assert.Equal(t, conn.AccessToken, got.AccessToken)
	assert.Equal(t, model.ConnectionStatusConnected, got.Status)
	assertTimePtrEqual(t, conn.TokenExpiresAt, got.TokenExpiresAt)
	assert.Nil(t, got.LastSyncAt)
	assert.Empty(t, got.LastError)
	assert.True(t, conn.CreatedAt.Equal(got.CreatedAt))

	syncedAt := repoTestTime.Add(time.Hour)
	require.NoError(t, got.MarkSynced(syncedAt))
	require.NoError(t, repo.Save(ctx, got))

	reloaded, err := repo.FindByID(ctx, "ws_1", conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionStatusConnected, reloaded.Status)
	assertTimePtrEqual(t, &syncedAt, reloaded.LastSyncAt)

	t.Run("ワークスペースが異なれば見つからない", func(t *testing.T) {
		other, err := repo.FindByID(ctx, "ws_2", conn.ID)
		require.NoError(t, err)
		assert.Nil(t, other)
	})

	t.Run("一覧と口座による検索", func(t *testing.T) {
		list, err := repo.FindByWorkspace(ctx, "ws_1", model.Pagination{})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, conn.ID, list[0].ID)

		mine, err := repo.FindByUser(ctx, "ws_1", "user_1", model.Pagination{})
		require.NoError(t, err)
		assert.Len(t, mine, 1)

		found, err := repo.FindByInstitutionAccount(ctx, "ws_1", "ins_1", "acc_1")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, conn.ID, found.ID)
	})

	t.Run("同じ口座の連携は重複できない", func(t *testing.T) {
		dup := model.NewBankConnection(model.NewBankConnectionParams{
			WorkspaceID:       "ws_1",
			UserID:            "user_2",
			InstitutionID:     "ins_1",
			InstitutionName:   "Test Bank",
			ExternalAccountID: "acc_1",
			Currency:          "USD",
			AccessToken:       "token_dup",
		}, repoTestTime)
		err := repo.Save(ctx, dup)
		assert.ErrorIs(t, err, ErrConnectionExists)
	})

	t.Run("削除", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "ws_1", conn.ID))
		gone, err := repo.FindByID(ctx, "ws_1", conn.ID)
		require.NoError(t, err)
		assert.Nil(t, gone)
	})
}

func TestPostgresSessionRepo_RoundTrip(t *testing.T) {
	db := setupRepoDB(t)
	repo := NewPostgresSessionRepo(db)
	ctx := context.Background()

	conn := newTestConnection(t, db, "ws_1", "acc_1")
	session := newTestSession(t, db, conn)

	require.NoError(t, session.Start(repoTestTime.Add(time.Second)))
	require.NoError(t, repo.Save(ctx, session))
	require.NoError(t, session.Complete(5, 3, 2, repoTestTime.Add(time.Minute)))
	session.SetMetadata("truncated", true)
	require.NoError(t, repo.Save(ctx, session))

	got, err := repo.FindByID(ctx, "ws_1", session.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, conn.ID, got.ConnectionID)
	assert.Equal(t, model.SyncStatusCompleted, got.Status)
	assert.Equal(t, 5, got.FetchedCount)
	assert.Equal(t, 3, got.ImportedCount)
	assert.Equal(t, 2, got.DuplicateCount)
	assertTimePtrEqual(t, session.FromDate, got.FromDate)
	assertTimePtrEqual(t, session.ToDate, got.ToDate)
	assertTimePtrEqual(t, session.StartedAt, got.StartedAt)
	assertTimePtrEqual(t, session.CompletedAt, got.CompletedAt)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, true, got.Metadata["truncated"])

	latest, err := repo.FindLatestByConnection(ctx, "ws_1", conn.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, session.ID, latest.ID)

	history, err := repo.FindByConnection(ctx, "ws_1", conn.ID, model.Pagination{})
	require.NoError(t, err)
	assert.Len(t, history, 1)

	active, err := repo.FindActiveByConnection(ctx, "ws_1", conn.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPostgresSessionRepo_RejectsSecondActiveSession(t *testing.T) {
	db := setupRepoDB(t)
	repo := NewPostgresSessionRepo(db)
	ctx := context.Background()

	conn := newTestConnection(t, db, "ws_1", "acc_1")
	first := newTestSession(t, db, conn)

	second := model.NewSyncSession(conn.WorkspaceID, conn.ID, nil, nil, repoTestTime.Add(time.Second))
	err := repo.Save(ctx, second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrActiveSessionExists), "got %v", err)

	active, err := repo.FindActiveByConnection(ctx, "ws_1", conn.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, first.ID, active[0].ID)

	// 終了すれば次のセッションを作成できる
	require.NoError(t, first.Fail("provider unavailable", repoTestTime.Add(time.Minute)))
	require.NoError(t, repo.Save(ctx, first))
	require.NoError(t, repo.Save(ctx, second))

	failed, err := repo.FindByID(ctx, "ws_1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusFailed, failed.Status)
	assert.Equal(t, "provider unavailable", failed.ErrorMessage)
	assert.Nil(t, failed.StartedAt)
}

func TestPostgresTransactionRepo_RoundTrip(t *testing.T) {
	db := setupRepoDB(t)
	repo := NewPostgresTransactionRepo(db)
	ctx := context.Background()

	conn := newTestConnection(t, db, "ws_1", "acc_1")
	session := newTestSession(t, db, conn)

	posted := repoTestTime.Add(-24 * time.Hour)
	tx := newTestTransaction(conn, session, "txn_1", "-12.5")
	tx.MerchantName = "Coffee Shop"
	tx.CategoryName = "Food and Drink"
	tx.PostedDate = &posted
	tx.Metadata = map[string]any{"source": "feed"}

	inserted, err := repo.SaveBatch(ctx, []*model.BankTransaction{tx})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	got, err := repo.FindByID(ctx, "ws_1", tx.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, conn.ID, got.ConnectionID)
	assert.Equal(t, session.ID, got.SessionID)
	assert.Equal(t, "txn_1", got.ExternalID)
	assert.True(t, decimal.RequireFromString("-12.5").Equal(got.Amount), "amount = %s", got.Amount)
	assert.Equal(t, "USD", got.Currency)
	assert.Equal(t, tx.Description, got.Description)
	assert.Equal(t, "Coffee Shop", got.MerchantName)
	assert.Equal(t, "Food and Drink", got.CategoryName)
	assert.True(t, tx.TransactionDate.Equal(got.TransactionDate))
	assertTimePtrEqual(t, &posted, got.PostedDate)
	assert.Equal(t, model.TransactionStatusPending, got.Status)
	assert.Nil(t, got.ExpenseID)
	assert.Equal(t, "feed", got.Metadata["source"])

	require.NoError(t, got.Import("exp-1", repoTestTime.Add(time.Hour)))
	require.NoError(t, repo.Save(ctx, got))

	imported, err := repo.FindByID(ctx, "ws_1", tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusImported, imported.Status)
	require.NotNil(t, imported.ExpenseID)
	assert.Equal(t, model.ExpenseID("exp-1"), *imported.ExpenseID)

	byExternal, err := repo.FindByExternalID(ctx, "ws_1", "txn_1")
	require.NoError(t, err)
	require.NotNil(t, byExternal)
	assert.Equal(t, tx.ID, byExternal.ID)
}

func TestPostgresTransactionRepo_SaveBatchSkipsDuplicates(t *testing.T) {
	db := setupRepoDB(t)
	repo := NewPostgresTransactionRepo(db)
	ctx := context.Background()

	conn := newTestConnection(t, db, "ws_1", "acc_1")
	session := newTestSession(t, db, conn)

	inserted, err := repo.SaveBatch(ctx, []*model.BankTransaction{
		newTestTransaction(conn, session, "txn_1", "-1.00"),
		newTestTransaction(conn, session, "txn_2", "-2.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// txn_2は別IDでも外部IDが同じためスキップされる
	inserted, err = repo.SaveBatch(ctx, []*model.BankTransaction{
		newTestTransaction(conn, session, "txn_2", "-2.00"),
		newTestTransaction(conn, session, "txn_3", "-3.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	byConn, err := repo.FindByConnection(ctx, "ws_1", conn.ID, model.Pagination{})
	require.NoError(t, err)
	assert.Len(t, byConn, 3)

	bySession, err := repo.FindBySession(ctx, "ws_1", session.ID, model.Pagination{})
	require.NoError(t, err)
	assert.Len(t, bySession, 3)
}

func TestPostgresTransactionRepo_FindByStatusFiltersConnection(t *testing.T) {
	db := setupRepoDB(t)
	repo := NewPostgresTransactionRepo(db)
	ctx := context.Background()

	connA := newTestConnection(t, db, "ws_1", "acc_a")
	connB := newTestConnection(t, db, "ws_1", "acc_b")
	sessionA := newTestSession(t, db, connA)
	sessionB := newTestSession(t, db, connB)

	_, err := repo.SaveBatch(ctx, []*model.BankTransaction{
		newTestTransaction(connA, sessionA, "txn_a", "-1.00"),
		newTestTransaction(connB, sessionB, "txn_b", "-2.00"),
	})
	require.NoError(t, err)

	all, err := repo.FindByStatus(ctx, "ws_1", model.TransactionStatusPending, nil, model.Pagination{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyA, err := repo.FindByStatus(ctx, "ws_1", model.TransactionStatusPending, &connA.ID, model.Pagination{})
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, "txn_a", onlyA[0].ExternalID)

	imported, err := repo.FindByStatus(ctx, "ws_1", model.TransactionStatusImported, nil, model.Pagination{})
	require.NoError(t, err)
	assert.Empty(t, imported)
}

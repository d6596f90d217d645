package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/bankfeed/internal/banking"
	"github.com/hitoshi/bankfeed/internal/middleware"
	"github.com/hitoshi/bankfeed/internal/model"
)

// --- モック定義 ---

// mockConnectionService はConnectionServiceInterfaceのモック実装。
type mockConnectionService struct {
	connectBankFn        func(ctx context.Context, p model.NewBankConnectionParams) (*model.BankConnection, error)
	updateTokenFn        func(ctx context.Context, ws model.WorkspaceID, id model.ConnectionID, token string, expiresAt *time.Time) (*model.BankConnection, error)
	disconnectFn         func(ctx context.Context, ws model.WorkspaceID, id model.ConnectionID) (*model.BankConnection, error)
	deleteFn             func(ctx context.Context, ws model.WorkspaceID, id model.ConnectionID) error
	getFn                func(ctx context.Context, ws model.WorkspaceID, id model.ConnectionID) (*model.BankConnection, error)
	listFn               func(ctx context.Context, ws model.WorkspaceID, page model.Pagination) ([]*model.BankConnection, error)
	listUserConnectionFn func(ctx context.Context, ws model.WorkspaceID, user model.UserID, page model.Pagination) ([]*model.BankConnection, error)
}

func (m *mockConnectionService) ConnectBank(ctx context.Context, p model.NewBankConnectionParams) (*model.BankConnection, error) {
	if m.connectBankFn != nil {
		return m.connectBankFn(ctx, p)
	}
	return nil, nil
}

func (m *mockConnectionService) UpdateConnectionToken(ctx context.Context, ws model.WorkspaceID, id model.ConnectionID, token string, expiresAt *time.Time) (*model.BankConnection, error) {
	if m.updateTokenFn != nil {
		return m.updateTokenFn(ctx, ws, id, token, expiresAt)
	}
	return nil, nil
}

func (m *mockConnectionService) DisconnectBank(ctx context.Context, ws model.WorkspaceID, id model.ConnectionID) (*model.BankConnection, error) {
	if m.disconnectFn != nil {
		return m.disconnectFn(ctx, ws, id)
	}
	return nil, nil
}

func (m *mockConnectionService) DeleteConnection(ctx context.Context, ws model.WorkspaceID, id model.ConnectionID) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, ws, id)
	}
	return nil
}

func (m *mockConnectionService) GetBankConnection(ctx context.Context, ws model.WorkspaceID, id model.ConnectionID) (*model.BankConnection, error) {
	if m.getFn != nil {
		return m.getFn(ctx, ws, id)
	}
	return nil, nil
}

func (m *mockConnectionService) GetBankConnections(ctx context.Context, ws model.WorkspaceID, page model.Pagination) ([]*model.BankConnection, error) {
	if m.listFn != nil {
		return m.listFn(ctx, ws, page)
	}
	return nil, nil
}

func (m *mockConnectionService) GetUserConnections(ctx context.Context, ws model.WorkspaceID, user model.UserID, page model.Pagination) ([]*model.BankConnection, error) {
	if m.listUserConnectionFn != nil {
		return m.listUserConnectionFn(ctx, ws, user, page)
	}
	return nil, nil
}

// mockSyncService はSyncServiceInterfaceのモック実装。
type mockSyncService struct {
	syncFn    func(ctx context.Context, ws model.WorkspaceID, id model.ConnectionID, from, to *time.Time) (*model.SyncSession, error)
	historyFn func(ctx context.Context, ws model.WorkspaceID, id model.ConnectionID, page model.Pagination) ([]*model.SyncSession, error)
	getFn     func(ctx context.Context, ws model.WorkspaceID, id model.SessionID) (*model.SyncSession, error)
	activeFn  func(ctx context.Context, ws model.WorkspaceID) ([]*model.SyncSession, error)
}

func (m *mockSyncService) SyncTransactions(ctx context.Context, ws model.WorkspaceID, id model.ConnectionID, from, to *time.Time) (*model.SyncSession, error) {
	if m.syncFn != nil {
		return m.syncFn(ctx, ws, id, from, to)
	}
	return nil, nil
}

func (m *mockSyncService) GetSyncHistory(ctx context.Context, ws model.WorkspaceID, id model.ConnectionID, page model.Pagination) ([]*model.SyncSession, error) {
	if m.historyFn != nil {
		return m.historyFn(ctx, ws, id, page)
	}
	return nil, nil
}

func (m *mockSyncService) GetSyncSession(ctx context.Context, ws model.WorkspaceID, id model.SessionID) (*model.SyncSession, error) {
	if m.getFn != nil {
		return m.getFn(ctx, ws, id)
	}
	return nil, nil
}

func (m *mockSyncService) GetActiveSyncs(ctx context.Context, ws model.WorkspaceID) ([]*model.SyncSession, error) {
	if m.activeFn != nil {
		return m.activeFn(ctx, ws)
	}
	return nil, nil
}

// mockTransactionService はTransactionServiceInterfaceのモック実装。
type mockTransactionService struct {
	processFn      func(ctx context.Context, ws model.WorkspaceID, id model.TransactionID, action banking.Action, expenseID *model.ExpenseID) (*model.BankTransaction, error)
	getFn          func(ctx context.Context, ws model.WorkspaceID, id model.TransactionID) (*model.BankTransaction, error)
	pendingFn      func(ctx context.Context, ws model.WorkspaceID, conn *model.ConnectionID, page model.Pagination) ([]*model.BankTransaction, error)
	byConnectionFn func(ctx context.Context, ws model.WorkspaceID, conn model.ConnectionID, page model.Pagination) ([]*model.BankTransaction, error)
	bySessionFn    func(ctx context.Context, ws model.WorkspaceID, session model.SessionID, page model.Pagination) ([]*model.BankTransaction, error)
	duplicatesFn   func(ctx context.Context, ws model.WorkspaceID, id model.TransactionID) ([]*model.BankTransaction, error)
}

func (m *mockTransactionService) ProcessTransaction(ctx context.Context, ws model.WorkspaceID, id model.TransactionID, action banking.Action, expenseID *model.ExpenseID) (*model.BankTransaction, error) {
	if m.processFn != nil {
		return m.processFn(ctx, ws, id, action, expenseID)
	}
	return nil, nil
}

func (m *mockTransactionService) GetTransaction(ctx context.Context, ws model.WorkspaceID, id model.TransactionID) (*model.BankTransaction, error) {
	if m.getFn != nil {
		return m.getFn(ctx, ws, id)
	}
	return nil, nil
}

func (m *mockTransactionService) GetPendingTransactions(ctx context.Context, ws model.WorkspaceID, conn *model.ConnectionID, page model.Pagination) ([]*model.BankTransaction, error) {
	if m.pendingFn != nil {
		return m.pendingFn(ctx, ws, conn, page)
	}
	return nil, nil
}

func (m *mockTransactionService) GetConnectionTransactions(ctx context.Context, ws model.WorkspaceID, conn model.ConnectionID, page model.Pagination) ([]*model.BankTransaction, error) {
	if m.byConnectionFn != nil {
		return m.byConnectionFn(ctx, ws, conn, page)
	}
	return nil, nil
}

func (m *mockTransactionService) GetSessionTransactions(ctx context.Context, ws model.WorkspaceID, session model.SessionID, page model.Pagination) ([]*model.BankTransaction, error) {
	if m.bySessionFn != nil {
		return m.bySessionFn(ctx, ws, session, page)
	}
	return nil, nil
}

func (m *mockTransactionService) GetPotentialDuplicates(ctx context.Context, ws model.WorkspaceID, id model.TransactionID) ([]*model.BankTransaction, error) {
	if m.duplicatesFn != nil {
		return m.duplicatesFn(ctx, ws, id)
	}
	return nil, nil
}

// --- テストヘルパー ---

type testServices struct {
	conn *mockConnectionService
	sync *mockSyncService
	tx   *mockTransactionService
}

func newTestRouter(t *testing.T, svcs *testServices) http.Handler {
	t.Helper()
	if svcs.conn == nil {
		svcs.conn = &mockConnectionService{}
	}
	if svcs.sync == nil {
		svcs.sync = &mockSyncService{}
	}
	if svcs.tx == nil {
		svcs.tx = &mockTransactionService{}
	}
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     rate.Inf,
		GeneralBurst:    1,
		SyncRate:        rate.Inf,
		SyncBurst:       1,
		CleanupInterval: time.Hour,
	})
	t.Cleanup(rl.Stop)

	return NewRouter(&RouterDeps{
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		RateLimiter:        rl,
		ConnectionService:  svcs.conn,
		SyncService:        svcs.sync,
		TransactionService: svcs.tx,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics"))
		}),
	})
}

func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(middleware.UserIDHeader, "user-123")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

var fixedTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

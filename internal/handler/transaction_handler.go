package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/bankfeed/internal/banking"
	"github.com/hitoshi/bankfeed/internal/model"
)

// TransactionServiceInterface は銀行取引ハンドラーが必要とするサービスインターフェース。
type TransactionServiceInterface interface {
	ProcessTransaction(ctx context.Context, workspaceID model.WorkspaceID, id model.TransactionID, action banking.Action, expenseID *model.ExpenseID) (*model.BankTransaction, error)
	GetTransaction(ctx context.Context, workspaceID model.WorkspaceID, id model.TransactionID) (*model.BankTransaction, error)
	GetPendingTransactions(ctx context.Context, workspaceID model.WorkspaceID, connectionID *model.ConnectionID, page model.Pagination) ([]*model.BankTransaction, error)
	GetConnectionTransactions(ctx context.Context, workspaceID model.WorkspaceID, connectionID model.ConnectionID, page model.Pagination) ([]*model.BankTransaction, error)
	GetSessionTransactions(ctx context.Context, workspaceID model.WorkspaceID, sessionID model.SessionID, page model.Pagination) ([]*model.BankTransaction, error)
	GetPotentialDuplicates(ctx context.Context, workspaceID model.WorkspaceID, id model.TransactionID) ([]*model.BankTransaction, error)
}

// TransactionHandler は銀行取引のHTTPハンドラー。
type TransactionHandler struct {
	service TransactionServiceInterface
	logger  *slog.Logger
}

// NewTransactionHandler はTransactionHandlerを生成する。
func NewTransactionHandler(service TransactionServiceInterface, logger *slog.Logger) *TransactionHandler {
	return &TransactionHandler{service: service, logger: logger}
}

// processRequest は取引処理リクエストのボディ。
type processRequest struct {
	Action    string  `json:"action"`
	ExpenseID *string `json:"expense_id"`
}

func transactionID(r *http.Request) model.TransactionID {
	return model.TransactionID(chi.URLParam(r, "transactionID"))
}

// Process は取引にimport/match/ignoreを適用する。
// POST /api/workspaces/{workspaceID}/bank-transactions/{transactionID}/process
func (h *TransactionHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var expenseID *model.ExpenseID
	if req.ExpenseID != nil {
		id := model.ExpenseID(*req.ExpenseID)
		expenseID = &id
	}

	tx, err := h.service.ProcessTransaction(r.Context(), workspaceID(r), transactionID(r), banking.Action(req.Action), expenseID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// Get は取引を返す。
// GET /api/workspaces/{workspaceID}/bank-transactions/{transactionID}
func (h *TransactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.GetTransaction(r.Context(), workspaceID(r), transactionID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// Pending は未処理の取引一覧を返す。connection_idで絞り込める。
// GET /api/workspaces/{workspaceID}/bank-transactions/pending
func (h *TransactionHandler) Pending(w http.ResponseWriter, r *http.Request) {
	page, err := parsePagination(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	var connID *model.ConnectionID
	if v := r.URL.Query().Get("connection_id"); v != "" {
		id := model.ConnectionID(v)
		connID = &id
	}

	txs, err := h.service.GetPendingTransactions(r.Context(), workspaceID(r), connID, page)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponses(txs))
}

// ByConnection は銀行連携の取引一覧を返す。
// GET /api/workspaces/{workspaceID}/bank-connections/{connectionID}/transactions
func (h *TransactionHandler) ByConnection(w http.ResponseWriter, r *http.Request) {
	page, err := parsePagination(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	txs, err := h.service.GetConnectionTransactions(r.Context(), workspaceID(r), connectionID(r), page)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponses(txs))
}

// BySession は同期セッションで取り込んだ取引一覧を返す。
// GET /api/workspaces/{workspaceID}/sync-sessions/{sessionID}/transactions
func (h *TransactionHandler) BySession(w http.ResponseWriter, r *http.Request) {
	page, err := parsePagination(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	txs, err := h.service.GetSessionTransactions(r.Context(), workspaceID(r), model.SessionID(chi.URLParam(r, "sessionID")), page)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponses(txs))
}

// Duplicates は手動レビュー用の重複候補を返す。
// GET /api/workspaces/{workspaceID}/bank-transactions/{transactionID}/duplicates
func (h *TransactionHandler) Duplicates(w http.ResponseWriter, r *http.Request) {
	txs, err := h.service.GetPotentialDuplicates(r.Context(), workspaceID(r), transactionID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponses(txs))
}

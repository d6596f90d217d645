package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/bankfeed/internal/middleware"
	"github.com/hitoshi/bankfeed/internal/model"
)

// SyncServiceInterface は同期ハンドラーが必要とするサービスインターフェース。
type SyncServiceInterface interface {
	SyncTransactions(ctx context.Context, workspaceID model.WorkspaceID, connectionID model.ConnectionID, fromDate, toDate *time.Time) (*model.SyncSession, error)
	GetSyncHistory(ctx context.Context, workspaceID model.WorkspaceID, connectionID model.ConnectionID, page model.Pagination) ([]*model.SyncSession, error)
	GetSyncSession(ctx context.Context, workspaceID model.WorkspaceID, sessionID model.SessionID) (*model.SyncSession, error)
	GetActiveSyncs(ctx context.Context, workspaceID model.WorkspaceID) ([]*model.SyncSession, error)
}

// SyncHandler は同期のHTTPハンドラー。
type SyncHandler struct {
	service SyncServiceInterface
	logger  *slog.Logger
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(service SyncServiceInterface, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{service: service, logger: logger}
}

// syncRequest は手動同期リクエストのボディ。どちらも省略可能。
type syncRequest struct {
	FromDate string `json:"from_date"`
	ToDate   string `json:"to_date"`
}

// Sync は銀行連携の取引を同期し、終了したセッションを返す。
// セッション作成後に失敗した場合は、記録済みのセッションIDを含む502を返す。
// POST /api/workspaces/{workspaceID}/bank-connections/{connectionID}/sync
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	from, err := parseDate("from_date", req.FromDate)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	to, err := parseDate("to_date", req.ToDate)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	session, err := h.service.SyncTransactions(r.Context(), workspaceID(r), connectionID(r), from, to)
	if err != nil {
		if _, ok := model.AsAPIError(err); !ok && session != nil && session.Status == model.SyncStatusFailed {
			h.logger.Warn("同期に失敗しました",
				slog.String("session_id", session.ID.String()),
				slog.String("error", err.Error()),
			)
			middleware.WriteErrorResponse(w, http.StatusBadGateway, &model.APIError{
				Code:     "SYNC_FAILED",
				Message:  fmt.Sprintf("同期に失敗しました（セッション %s）。", session.ID),
				Category: "sync",
				Action:   "しばらく待ってから再度同期してください。解消しない場合は銀行連携を再設定してください。",
			})
			return
		}
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// History は銀行連携の同期履歴を新しい順に返す。
// GET /api/workspaces/{workspaceID}/bank-connections/{connectionID}/sync-sessions
func (h *SyncHandler) History(w http.ResponseWriter, r *http.Request) {
	page, err := parsePagination(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	sessions, err := h.service.GetSyncHistory(r.Context(), workspaceID(r), connectionID(r), page)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponses(sessions))
}

// GetSession は同期セッションを返す。
// GET /api/workspaces/{workspaceID}/sync-sessions/{sessionID}
func (h *SyncHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.GetSyncSession(r.Context(), workspaceID(r), model.SessionID(chi.URLParam(r, "sessionID")))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// Active は実行中の同期セッションを返す。
// GET /api/workspaces/{workspaceID}/sync-sessions/active
func (h *SyncHandler) Active(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.service.GetActiveSyncs(r.Context(), workspaceID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponses(sessions))
}

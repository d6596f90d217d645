package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/bankfeed/internal/middleware"
	"github.com/hitoshi/bankfeed/internal/model"
)

// ConnectionServiceInterface は銀行連携ハンドラーが必要とするサービスインターフェース。
type ConnectionServiceInterface interface {
	ConnectBank(ctx context.Context, p model.NewBankConnectionParams) (*model.BankConnection, error)
	UpdateConnectionToken(ctx context.Context, workspaceID model.WorkspaceID, id model.ConnectionID, token string, expiresAt *time.Time) (*model.BankConnection, error)
	DisconnectBank(ctx context.Context, workspaceID model.WorkspaceID, id model.ConnectionID) (*model.BankConnection, error)
	DeleteConnection(ctx context.Context, workspaceID model.WorkspaceID, id model.ConnectionID) error
	GetBankConnection(ctx context.Context, workspaceID model.WorkspaceID, id model.ConnectionID) (*model.BankConnection, error)
	GetBankConnections(ctx context.Context, workspaceID model.WorkspaceID, page model.Pagination) ([]*model.BankConnection, error)
	GetUserConnections(ctx context.Context, workspaceID model.WorkspaceID, userID model.UserID, page model.Pagination) ([]*model.BankConnection, error)
}

// ConnectionHandler は銀行連携のHTTPハンドラー。
type ConnectionHandler struct {
	service ConnectionServiceInterface
	logger  *slog.Logger
}

// NewConnectionHandler はConnectionHandlerを生成する。
func NewConnectionHandler(service ConnectionServiceInterface, logger *slog.Logger) *ConnectionHandler {
	return &ConnectionHandler{service: service, logger: logger}
}

// connectRequest は銀行口座連携リクエストのボディ。
// 資格情報は連携元（アグリゲーター）で検証済みのトークンを受け取る。
type connectRequest struct {
	InstitutionID       string     `json:"institution_id"`
	InstitutionName     string     `json:"institution_name"`
	ExternalAccountID   string     `json:"external_account_id"`
	ExternalAccountName string     `json:"external_account_name"`
	ExternalAccountType string     `json:"external_account_type"`
	ExternalAccountMask string     `json:"external_account_mask"`
	Currency            string     `json:"currency"`
	AccessToken         string     `json:"access_token"`
	TokenExpiresAt      *time.Time `json:"token_expires_at"`
}

// updateTokenRequest はアクセストークン差し替えリクエストのボディ。
type updateTokenRequest struct {
	AccessToken    string     `json:"access_token"`
	TokenExpiresAt *time.Time `json:"token_expires_at"`
}

func workspaceID(r *http.Request) model.WorkspaceID {
	return model.WorkspaceID(chi.URLParam(r, "workspaceID"))
}

func connectionID(r *http.Request) model.ConnectionID {
	return model.ConnectionID(chi.URLParam(r, "connectionID"))
}

// Connect は銀行口座を連携する。
// POST /api/workspaces/{workspaceID}/bank-connections
func (h *ConnectionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())

	var req connectRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	conn, err := h.service.ConnectBank(r.Context(), model.NewBankConnectionParams{
		WorkspaceID:         workspaceID(r),
		UserID:              model.UserID(userID),
		InstitutionID:       req.InstitutionID,
		InstitutionName:     req.InstitutionName,
		ExternalAccountID:   req.ExternalAccountID,
		ExternalAccountName: req.ExternalAccountName,
		ExternalAccountType: req.ExternalAccountType,
		ExternalAccountMask: req.ExternalAccountMask,
		Currency:            req.Currency,
		AccessToken:         req.AccessToken,
		TokenExpiresAt:      req.TokenExpiresAt,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConnectionResponse(conn))
}

// List はワークスペースの銀行連携一覧を返す。mine=trueの場合は自分が作成したものに絞り込む。
// GET /api/workspaces/{workspaceID}/bank-connections
func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := parsePagination(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	var conns []*model.BankConnection
	if r.URL.Query().Get("mine") == "true" {
		userID, _ := middleware.UserIDFromContext(r.Context())
		conns, err = h.service.GetUserConnections(r.Context(), workspaceID(r), model.UserID(userID), page)
	} else {
		conns, err = h.service.GetBankConnections(r.Context(), workspaceID(r), page)
	}
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toConnectionResponses(conns))
}

// Get は銀行連携を返す。
// GET /api/workspaces/{workspaceID}/bank-connections/{connectionID}
func (h *ConnectionHandler) Get(w http.ResponseWriter, r *http.Request) {
	conn, err := h.service.GetBankConnection(r.Context(), workspaceID(r), connectionID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toConnectionResponse(conn))
}

// UpdateToken はアクセストークンを差し替える。
// PUT /api/workspaces/{workspaceID}/bank-connections/{connectionID}/token
func (h *ConnectionHandler) UpdateToken(w http.ResponseWriter, r *http.Request) {
	var req updateTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	conn, err := h.service.UpdateConnectionToken(r.Context(), workspaceID(r), connectionID(r), req.AccessToken, req.TokenExpiresAt)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toConnectionResponse(conn))
}

// Disconnect は銀行連携を解除する。
// POST /api/workspaces/{workspaceID}/bank-connections/{connectionID}/disconnect
func (h *ConnectionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.service.DisconnectBank(r.Context(), workspaceID(r), connectionID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toConnectionResponse(conn))
}

// Delete は銀行連携を削除する。関連する同期セッションと取引も削除される。
// DELETE /api/workspaces/{workspaceID}/bank-connections/{connectionID}
func (h *ConnectionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteConnection(r.Context(), workspaceID(r), connectionID(r)); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

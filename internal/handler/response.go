package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/bankfeed/internal/middleware"
	"github.com/hitoshi/bankfeed/internal/model"
)

// dateLayout は期間指定で受け付ける日付形式。RFC3339も受け付ける。
const dateLayout = "2006-01-02"

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをvに読み込む。失敗した場合は400を書き込みfalseを返す。
// ボディが空の場合はvを変更せずtrueを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// writeServiceError はサービス層から返されたエラーをレスポンスに変換する。
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	middleware.WriteError(w, r, logger, err)
}

// parsePagination はlimit/offsetクエリを読み取る。不正な値は400を返す。
func parsePagination(r *http.Request) (model.Pagination, error) {
	var page model.Pagination
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, model.NewValidationError("limit", "0以上の整数で指定してください")
		}
		page.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, model.NewValidationError("offset", "0以上の整数で指定してください")
		}
		page.Offset = n
	}
	return page.Normalize(), nil
}

// parseDate はYYYY-MM-DDまたはRFC3339の日時を読み取る。空文字列はnilを返す。
func parseDate(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(dateLayout, value); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, model.NewValidationError(field, fmt.Sprintf("日付の形式が不正です: %s", value))
	}
	t = t.UTC()
	return &t, nil
}

// connectionResponse は銀行連携のAPIレスポンス。アクセストークンは含めない。
type connectionResponse struct {
	ID                  string     `json:"id"`
	WorkspaceID         string     `json:"workspace_id"`
	UserID              string     `json:"user_id"`
	InstitutionID       string     `json:"institution_id"`
	InstitutionName     string     `json:"institution_name"`
	ExternalAccountID   string     `json:"external_account_id"`
	ExternalAccountName string     `json:"external_account_name,omitempty"`
	ExternalAccountType string     `json:"external_account_type,omitempty"`
	ExternalAccountMask string     `json:"external_account_mask,omitempty"`
	Currency            string     `json:"currency"`
	TokenExpiresAt      *time.Time `json:"token_expires_at,omitempty"`
	Status              string     `json:"status"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func toConnectionResponse(c *model.BankConnection) connectionResponse {
	return connectionResponse{
		ID:                  c.ID.String(),
		WorkspaceID:         c.WorkspaceID.String(),
		UserID:              c.UserID.String(),
		InstitutionID:       c.InstitutionID,
		InstitutionName:     c.InstitutionName,
		ExternalAccountID:   c.ExternalAccountID,
		ExternalAccountName: c.ExternalAccountName,
		ExternalAccountType: c.ExternalAccountType,
		ExternalAccountMask: c.ExternalAccountMask,
		Currency:            c.Currency,
		TokenExpiresAt:      c.TokenExpiresAt,
		Status:              string(c.Status),
		LastSyncAt:          c.LastSyncAt,
		LastError:           c.LastError,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

func toConnectionResponses(conns []*model.BankConnection) []connectionResponse {
	out := make([]connectionResponse, len(conns))
	for i, c := range conns {
		out[i] = toConnectionResponse(c)
	}
	return out
}

// sessionResponse は同期セッションのAPIレスポンス。
type sessionResponse struct {
	ID             string         `json:"id"`
	WorkspaceID    string         `json:"workspace_id"`
	ConnectionID   string         `json:"connection_id"`
	FromDate       *time.Time     `json:"from_date,omitempty"`
	ToDate         *time.Time     `json:"to_date,omitempty"`
	Status         string         `json:"status"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	FetchedCount   int            `json:"fetched_count"`
	ImportedCount  int            `json:"imported_count"`
	DuplicateCount int            `json:"duplicate_count"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
}

func toSessionResponse(s *model.SyncSession) sessionResponse {
	metadata := s.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return sessionResponse{
		ID:             s.ID.String(),
		WorkspaceID:    s.WorkspaceID.String(),
		ConnectionID:   s.ConnectionID.String(),
		FromDate:       s.FromDate,
		ToDate:         s.ToDate,
		Status:         string(s.Status),
		StartedAt:      s.StartedAt,
		CompletedAt:    s.CompletedAt,
		FetchedCount:   s.FetchedCount,
		ImportedCount:  s.ImportedCount,
		DuplicateCount: s.DuplicateCount,
		ErrorMessage:   s.ErrorMessage,
		Metadata:       metadata,
		CreatedAt:      s.CreatedAt,
	}
}

func toSessionResponses(sessions []*model.SyncSession) []sessionResponse {
	out := make([]sessionResponse, len(sessions))
	for i, s := range sessions {
		out[i] = toSessionResponse(s)
	}
	return out
}

// transactionResponse は銀行取引のAPIレスポンス。金額は精度を保つため文字列で返す。
type transactionResponse struct {
	ID              string          `json:"id"`
	WorkspaceID     string          `json:"workspace_id"`
	ConnectionID    string          `json:"connection_id"`
	SessionID       string          `json:"session_id"`
	ExternalID      string          `json:"external_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Description     string          `json:"description"`
	MerchantName    string          `json:"merchant_name,omitempty"`
	CategoryName    string          `json:"category_name,omitempty"`
	TransactionDate time.Time       `json:"transaction_date"`
	PostedDate      *time.Time      `json:"posted_date,omitempty"`
	Status          string          `json:"status"`
	ExpenseID       *string         `json:"expense_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func toTransactionResponse(t *model.BankTransaction) transactionResponse {
	resp := transactionResponse{
		ID:              t.ID.String(),
		WorkspaceID:     t.WorkspaceID.String(),
		ConnectionID:    t.ConnectionID.String(),
		SessionID:       t.SessionID.String(),
		ExternalID:      t.ExternalID,
		Amount:          t.Amount,
		Currency:        t.Currency,
		Description:     t.Description,
		MerchantName:    t.MerchantName,
		CategoryName:    t.CategoryName,
		TransactionDate: t.TransactionDate,
		PostedDate:      t.PostedDate,
		Status:          string(t.Status),
		CreatedAt:       t.CreatedAt,
	}
	if t.ExpenseID != nil {
		id := t.ExpenseID.String()
		resp.ExpenseID = &id
	}
	return resp
}

func toTransactionResponses(txs []*model.BankTransaction) []transactionResponse {
	out := make([]transactionResponse, len(txs))
	for i, t := range txs {
		out[i] = toTransactionResponse(t)
	}
	return out
}

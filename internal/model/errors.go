// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法、HTTP層が使うステータスを含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: connection, sync, transaction, validation, system
	Action   string // ユーザー向け対処方法
	Status   int    // HTTPステータス相当

	// RetryAfterMinutes は再試行可能になるまでの分数。SYNC_TOO_FREQUENTのみ設定される。
	RetryAfterMinutes int
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// AsAPIError はerrチェーンからAPIErrorを取り出す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// HasCode はerrチェーンに指定コードのAPIErrorが含まれるかを返す。
func HasCode(err error, code string) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == code
}

// 定義済みエラーコード
const (
	ErrCodeConnectionNotFound      = "CONNECTION_NOT_FOUND"
	ErrCodeConnectionAlreadyExists = "BANK_CONNECTION_ALREADY_EXISTS"
	ErrCodeConnectionDisconnected  = "CONNECTION_DISCONNECTED"
	ErrCodeInvalidConnectionState  = "INVALID_CONNECTION_STATE"
	ErrCodeSyncSessionNotFound     = "SYNC_SESSION_NOT_FOUND"
	ErrCodeSyncAlreadyInProgress   = "SYNC_ALREADY_IN_PROGRESS"
	ErrCodeSyncTooFrequent         = "SYNC_TOO_FREQUENT"
	ErrCodeTransactionNotFound     = "BANK_TRANSACTION_NOT_FOUND"
	ErrCodeInvalidTransactionState = "INVALID_TRANSACTION_STATE"
	ErrCodeValidation              = "VALIDATION_ERROR"
	ErrCodeInvalidAction           = "INVALID_ACTION"
	ErrCodeInvalidDateRange        = "INVALID_DATE_RANGE"
)

// NewConnectionNotFoundError は銀行連携未検出エラーを生成する。
func NewConnectionNotFoundError(id ConnectionID) *APIError {
	return &APIError{
		Code:     ErrCodeConnectionNotFound,
		Message:  fmt.Sprintf("指定された銀行連携が見つかりません: %s", id),
		Category: "connection",
		Action:   "銀行連携IDを確認してください。",
		Status:   http.StatusNotFound,
	}
}

// NewConnectionAlreadyExistsError は同一口座の連携が既に存在する場合のエラーを生成する。
func NewConnectionAlreadyExistsError(institutionID, externalAccountID string) *APIError {
	return &APIError{
		Code:     ErrCodeConnectionAlreadyExists,
		Message:  fmt.Sprintf("この口座は既に連携されています: %s/%s", institutionID, externalAccountID),
		Category: "connection",
		Action:   "既存の連携を利用するか、連携を解除してから再度お試しください。",
		Status:   http.StatusConflict,
	}
}

// NewConnectionDisconnectedError は連携解除済みの銀行連携を操作しようとした場合のエラーを生成する。
func NewConnectionDisconnectedError(id ConnectionID) *APIError {
	return &APIError{
		Code:     ErrCodeConnectionDisconnected,
		Message:  fmt.Sprintf("銀行連携は解除されています: %s", id),
		Category: "connection",
		Action:   "口座を再度連携してください。",
		Status:   http.StatusConflict,
	}
}

// NewInvalidConnectionStateError は銀行連携の状態遷移が許可されない場合のエラーを生成する。
func NewInvalidConnectionStateError(id ConnectionID, status ConnectionStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidConnectionState,
		Message:  fmt.Sprintf("銀行連携 %s は %s 状態のため操作できません。", id, status),
		Category: "connection",
		Action:   "銀行連携の状態を確認してください。",
		Status:   http.StatusConflict,
	}
}

// NewSyncSessionNotFoundError は同期セッション未検出エラーを生成する。
func NewSyncSessionNotFoundError(id SessionID) *APIError {
	return &APIError{
		Code:     ErrCodeSyncSessionNotFound,
		Message:  fmt.Sprintf("指定された同期セッションが見つかりません: %s", id),
		Category: "sync",
		Action:   "同期セッションIDを確認してください。",
		Status:   http.StatusNotFound,
	}
}

// NewSyncAlreadyInProgressError は同じ銀行連携で同期が実行中の場合のエラーを生成する。
func NewSyncAlreadyInProgressError(id ConnectionID) *APIError {
	return &APIError{
		Code:     ErrCodeSyncAlreadyInProgress,
		Message:  fmt.Sprintf("銀行連携 %s の同期は既に実行中です。", id),
		Category: "sync",
		Action:   "実行中の同期が完了するまでお待ちください。",
		Status:   http.StatusConflict,
	}
}

// NewSyncTooFrequentError は前回の同期から最小間隔が経過していない場合のエラーを生成する。
func NewSyncTooFrequentError(id ConnectionID, remainingMinutes int) *APIError {
	return &APIError{
		Code:              ErrCodeSyncTooFrequent,
		Message:           fmt.Sprintf("銀行連携 %s の同期間隔が短すぎます。あと%d分お待ちください。", id, remainingMinutes),
		Category:          "sync",
		Action:            "しばらく待ってから再度同期してください。",
		Status:            http.StatusTooManyRequests,
		RetryAfterMinutes: remainingMinutes,
	}
}

// NewTransactionNotFoundError は銀行取引未検出エラーを生成する。
func NewTransactionNotFoundError(id TransactionID) *APIError {
	return &APIError{
		Code:     ErrCodeTransactionNotFound,
		Message:  fmt.Sprintf("指定された銀行取引が見つかりません: %s", id),
		Category: "transaction",
		Action:   "銀行取引IDを確認してください。",
		Status:   http.StatusNotFound,
	}
}

// NewInvalidTransactionStateError は処理済みの銀行取引を再処理しようとした場合のエラーを生成する。
func NewInvalidTransactionStateError(id TransactionID, status TransactionStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransactionState,
		Message:  fmt.Sprintf("銀行取引 %s は既に %s です。", id, status),
		Category: "transaction",
		Action:   "未処理（PENDING）の取引のみ処理できます。",
		Status:   http.StatusConflict,
	}
}

// NewValidationError は入力値の検証エラーを生成する。
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("%s: %s", field, reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
		Status:   http.StatusBadRequest,
	}
}

// NewInvalidActionError は未対応の処理種別が指定された場合のエラーを生成する。
func NewInvalidActionError(action string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAction,
		Message:  fmt.Sprintf("無効な処理種別です: %s", action),
		Category: "validation",
		Action:   "処理種別には import、match、ignore のいずれかを指定してください。",
		Status:   http.StatusBadRequest,
	}
}

// NewInvalidDateRangeError は同期期間の指定が無効な場合のエラーを生成する。
func NewInvalidDateRangeError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDateRange,
		Message:  fmt.Sprintf("無効な同期期間です: %s", reason),
		Category: "validation",
		Action:   "開始日は終了日以前、かつ遡及上限の範囲内で指定してください。",
		Status:   http.StatusBadRequest,
	}
}

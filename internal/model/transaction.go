package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus は取込済み銀行取引の消込状態を表す。
type TransactionStatus string

const (
	// TransactionStatusPending は未処理の状態。
	TransactionStatusPending TransactionStatus = "PENDING"
	// TransactionStatusMatched は既存の経費に突合された状態。
	TransactionStatusMatched TransactionStatus = "MATCHED"
	// TransactionStatusImported は新しい経費として取り込まれた状態。
	TransactionStatusImported TransactionStatus = "IMPORTED"
	// TransactionStatusIgnored は無視された終端状態。経費とは紐付かない。
	TransactionStatusIgnored TransactionStatus = "IGNORED"
)

// BankTransaction は同期で取り込んだ銀行取引1件を表す。
// 外部IDはワークスペース単位で一意。
type BankTransaction struct {
	ID              TransactionID
	WorkspaceID     WorkspaceID
	ConnectionID    ConnectionID
	SessionID       SessionID
	ExternalID      string
	Amount          decimal.Decimal
	Currency        string
	Description     string
	MerchantName    string
	CategoryName    string
	TransactionDate time.Time
	PostedDate      *time.Time
	Status          TransactionStatus
	ExpenseID       *ExpenseID
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RawTransaction は銀行データ提供元から取得した未保存の取引データ。
type RawTransaction struct {
	ExternalID      string
	Amount          decimal.Decimal
	Currency        string
	Description     string
	MerchantName    string
	CategoryName    string
	TransactionDate time.Time
	PostedDate      *time.Time
	Metadata        map[string]any
}

// NewBankTransactionFromRaw は同期セッション中に取得した取引からPENDINGのBankTransactionを生成する。
func NewBankTransactionFromRaw(workspaceID WorkspaceID, connectionID ConnectionID, sessionID SessionID, raw RawTransaction, now time.Time) *BankTransaction {
	metadata := raw.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &BankTransaction{
		ID:              NewTransactionID(),
		WorkspaceID:     workspaceID,
		ConnectionID:    connectionID,
		SessionID:       sessionID,
		ExternalID:      raw.ExternalID,
		Amount:          raw.Amount,
		Currency:        raw.Currency,
		Description:     raw.Description,
		MerchantName:    raw.MerchantName,
		CategoryName:    raw.CategoryName,
		TransactionDate: raw.TransactionDate,
		PostedDate:      raw.PostedDate,
		Status:          TransactionStatusPending,
		Metadata:        metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Import は新規経費として取り込んだことを記録する。経費IDが必須。
func (t *BankTransaction) Import(expenseID ExpenseID, now time.Time) error {
	return t.link(TransactionStatusImported, expenseID, now)
}

// Match は既存経費に突合したことを記録する。経費IDが必須。
func (t *BankTransaction) Match(expenseID ExpenseID, now time.Time) error {
	return t.link(TransactionStatusMatched, expenseID, now)
}

// Ignore は取引を無視する。経費とは紐付けない。
func (t *BankTransaction) Ignore(now time.Time) error {
	if t.Status != TransactionStatusPending {
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidTransition, t.ID, t.Status)
	}
	t.Status = TransactionStatusIgnored
	t.UpdatedAt = now
	return nil
}

func (t *BankTransaction) link(status TransactionStatus, expenseID ExpenseID, now time.Time) error {
	if expenseID == "" {
		return fmt.Errorf("%w: %s requires an expense id", ErrInvalidTransition, status)
	}
	if t.Status != TransactionStatusPending {
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidTransition, t.ID, t.Status)
	}
	t.Status = status
	t.ExpenseID = &expenseID
	t.UpdatedAt = now
	return nil
}

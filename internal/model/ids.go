// Package model はドメインモデルを定義する。
package model

import "github.com/google/uuid"

// WorkspaceID はワークスペース（テナント）の識別子。
type WorkspaceID string

// UserID はユーザーの識別子。
type UserID string

// ConnectionID は銀行連携の識別子。
type ConnectionID string

// SessionID は同期セッションの識別子。
type SessionID string

// TransactionID は取込済み銀行取引の識別子。
type TransactionID string

// ExpenseID は経費台帳側の経費の識別子。
// 経費台帳は外部モジュールのため、値の妥当性はここでは検証しない。
type ExpenseID string

// NewConnectionID は新しいConnectionIDを生成する。
func NewConnectionID() ConnectionID { return ConnectionID(uuid.NewString()) }

// NewSessionID は新しいSessionIDを生成する。
func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

// NewTransactionID は新しいTransactionIDを生成する。
func NewTransactionID() TransactionID { return TransactionID(uuid.NewString()) }

func (id WorkspaceID) String() string { return string(id) }
func (id UserID) String() string { return string(id) }
func (id ConnectionID) String() string { return string(id) }
func (id SessionID) String() string { return string(id) }
func (id TransactionID) String() string { return string(id) }
func (id ExpenseID) String() string { return string(id) }

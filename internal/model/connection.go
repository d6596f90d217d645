package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition はエンティティの状態遷移が許可されていない場合のエラー。
var ErrInvalidTransition = errors.New("invalid state transition")

// ConnectionStatus は銀行連携の状態を表す。
type ConnectionStatus string

const (
	// ConnectionStatusPending は作成直後で未検証の状態。
	ConnectionStatusPending ConnectionStatus = "PENDING"
	// ConnectionStatusConnected は同期可能な状態。
	ConnectionStatusConnected ConnectionStatus = "CONNECTED"
	// ConnectionStatusExpired はアクセストークンの有効期限切れ状態。
	ConnectionStatusExpired ConnectionStatus = "EXPIRED"
	// ConnectionStatusError は直近の同期が失敗した状態。次回以降の同期は妨げない。
	ConnectionStatusError ConnectionStatus = "ERROR"
	// ConnectionStatusDisconnected はユーザーが連携解除した終端状態。
	ConnectionStatusDisconnected ConnectionStatus = "DISCONNECTED"
)

// BankConnection は外部口座1件との連携を表す。
// アクセストークンと連携ライフサイクルを保持する。
type BankConnection struct {
	ID                  ConnectionID
	WorkspaceID         WorkspaceID
	UserID              UserID
	InstitutionID       string
	InstitutionName     string
	ExternalAccountID   string
	ExternalAccountName string
	ExternalAccountType string
	ExternalAccountMask string
	Currency            string
	AccessToken         string
	TokenExpiresAt      *time.Time
	Status              ConnectionStatus
	LastSyncAt          *time.Time
	LastError           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewBankConnectionParams はBankConnection生成時の入力。
type NewBankConnectionParams struct {
	WorkspaceID         WorkspaceID
	UserID              UserID
	InstitutionID       string
	InstitutionName     string
	ExternalAccountID   string
	ExternalAccountName string
	ExternalAccountType string
	ExternalAccountMask string
	Currency            string
	AccessToken         string
	TokenExpiresAt      *time.Time
}

// NewBankConnection はPENDING状態の新しいBankConnectionを生成する。
func NewBankConnection(p NewBankConnectionParams, now time.Time) *BankConnection {
	return &BankConnection{
		ID:                  NewConnectionID(),
		WorkspaceID:         p.WorkspaceID,
		UserID:              p.UserID,
		InstitutionID:       p.InstitutionID,
		InstitutionName:     p.InstitutionName,
		ExternalAccountID:   p.ExternalAccountID,
		ExternalAccountName: p.ExternalAccountName,
		ExternalAccountType: p.ExternalAccountType,
		ExternalAccountMask: p.ExternalAccountMask,
		Currency:            p.Currency,
		AccessToken:         p.AccessToken,
		TokenExpiresAt:      p.TokenExpiresAt,
		Status:              ConnectionStatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// IsActive は連携解除されていないかを返す。
func (c *BankConnection) IsActive() bool {
	return c.Status != ConnectionStatusDisconnected
}

// TokenExpired はアクセストークンの有効期限がnow時点で切れているかを返す。
// 有効期限が未設定の場合は期限切れとみなさない。
func (c *BankConnection) TokenExpired(now time.Time) bool {
	return c.TokenExpiresAt != nil && !c.TokenExpiresAt.After(now)
}

// Activate はPENDINGの連携をCONNECTEDにする。
func (c *BankConnection) Activate(now time.Time) error {
	if c.Status != ConnectionStatusPending {
		return fmt.Errorf("%w: connection %s is %s", ErrInvalidTransition, c.ID, c.Status)
	}
	c.Status = ConnectionStatusConnected
	c.UpdatedAt = now
	return nil
}

// UpdateToken はアクセストークンと有効期限を差し替える。状態は変更しない。
func (c *BankConnection) UpdateToken(token string, expiresAt *time.Time, now time.Time) error {
	if c.Status == ConnectionStatusDisconnected {
		return fmt.Errorf("%w: connection %s is disconnected", ErrInvalidTransition, c.ID)
	}
	c.AccessToken = token
	c.TokenExpiresAt = expiresAt
	c.UpdatedAt = now
	return nil
}

// MarkSynced は同期成功を記録し、CONNECTEDに戻す。
func (c *BankConnection) MarkSynced(now time.Time) error {
	if c.Status == ConnectionStatusDisconnected {
		return fmt.Errorf("%w: connection %s is disconnected", ErrInvalidTransition, c.ID)
	}
	c.Status = ConnectionStatusConnected
	c.LastSyncAt = &now
	c.LastError = ""
	c.UpdatedAt = now
	return nil
}

// MarkError は同期失敗を記録し、ERRORにする。
func (c *BankConnection) MarkError(message string, now time.Time) error {
	if c.Status == ConnectionStatusDisconnected {
		return fmt.Errorf("%w: connection %s is disconnected", ErrInvalidTransition, c.ID)
	}
	c.Status = ConnectionStatusError
	c.LastError = message
	c.UpdatedAt = now
	return nil
}

// MarkExpired はトークン期限切れを記録し、EXPIREDにする。
func (c *BankConnection) MarkExpired(now time.Time) error {
	if c.Status == ConnectionStatusDisconnected {
		return fmt.Errorf("%w: connection %s is disconnected", ErrInvalidTransition, c.ID)
	}
	c.Status = ConnectionStatusExpired
	c.UpdatedAt = now
	return nil
}

// Disconnect は連携を解除する。DISCONNECTEDからは戻れない。
func (c *BankConnection) Disconnect(now time.Time) error {
	if c.Status == ConnectionStatusDisconnected {
		return fmt.Errorf("%w: connection %s is already disconnected", ErrInvalidTransition, c.ID)
	}
	c.Status = ConnectionStatusDisconnected
	c.UpdatedAt = now
	return nil
}

package model

import (
	"fmt"
	"time"
)

// SyncStatus は同期セッションの状態を表す。
type SyncStatus string

const (
	// SyncStatusPending は作成直後の状態。
	SyncStatusPending SyncStatus = "PENDING"
	// SyncStatusInProgress は同期実行中の状態。
	SyncStatusInProgress SyncStatus = "IN_PROGRESS"
	// SyncStatusCompleted は全件処理して完了した状態。
	SyncStatusCompleted SyncStatus = "COMPLETED"
	// SyncStatusFailed は失敗で終了した状態。
	SyncStatusFailed SyncStatus = "FAILED"
	// SyncStatusPartial は取得結果の一部のみ処理して終了した状態。
	// 1回の同期あたりの上限件数で打ち切った場合に使用する。
	SyncStatusPartial SyncStatus = "PARTIAL"
)

// ActiveSyncStatuses は排他制御上「実行中」とみなす状態。
var ActiveSyncStatuses = []SyncStatus{SyncStatusPending, SyncStatusInProgress}

// SyncSession は1回の同期実行を表す。
// セッションは取引を所有せず、取込元の記録としてのみ参照される。
type SyncSession struct {
	ID             SessionID
	WorkspaceID    WorkspaceID
	ConnectionID   ConnectionID
	FromDate       *time.Time
	ToDate         *time.Time
	Status         SyncStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
	FetchedCount   int
	ImportedCount  int
	DuplicateCount int
	ErrorMessage   string
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewSyncSession はPENDING状態の新しいSyncSessionを生成する。
// fromDate/toDateには取得に使う期間を渡す。nilは期間の記録なしを表す。
func NewSyncSession(workspaceID WorkspaceID, connectionID ConnectionID, fromDate, toDate *time.Time, now time.Time) *SyncSession {
	return &SyncSession{
		ID:           NewSessionID(),
		WorkspaceID:  workspaceID,
		ConnectionID: connectionID,
		FromDate:     fromDate,
		ToDate:       toDate,
		Status:       SyncStatusPending,
		Metadata:     map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsActive はセッションが実行中（PENDINGまたはIN_PROGRESS）かを返す。
func (s *SyncSession) IsActive() bool {
	return s.Status == SyncStatusPending || s.Status == SyncStatusInProgress
}

// IsTerminal はセッションが終端状態かを返す。
func (s *SyncSession) IsTerminal() bool {
	switch s.Status {
	case SyncStatusCompleted, SyncStatusFailed, SyncStatusPartial:
		return true
	}
	return false
}

// ReferenceTime はスロットリング判定の基準時刻を返す。
// 開始前のセッションは作成時刻を基準とする。
func (s *SyncSession) ReferenceTime() time.Time {
	if s.StartedAt != nil {
		return *s.StartedAt
	}
	return s.CreatedAt
}

// Start はPENDINGのセッションをIN_PROGRESSにする。
func (s *SyncSession) Start(now time.Time) error {
	if s.Status != SyncStatusPending {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, s.ID, s.Status)
	}
	s.Status = SyncStatusInProgress
	s.StartedAt = &now
	s.UpdatedAt = now
	return nil
}

// Complete は件数を記録してCOMPLETEDにする。
func (s *SyncSession) Complete(fetched, imported, duplicate int, now time.Time) error {
	return s.finish(SyncStatusCompleted, fetched, imported, duplicate, now)
}

// CompletePartial は件数を記録してPARTIALにする。
func (s *SyncSession) CompletePartial(fetched, imported, duplicate int, now time.Time) error {
	return s.finish(SyncStatusPartial, fetched, imported, duplicate, now)
}

func (s *SyncSession) finish(status SyncStatus, fetched, imported, duplicate int, now time.Time) error {
	if s.Status != SyncStatusInProgress {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, s.ID, s.Status)
	}
	s.Status = status
	s.FetchedCount = fetched
	s.ImportedCount = imported
	s.DuplicateCount = duplicate
	s.CompletedAt = &now
	s.UpdatedAt = now
	return nil
}

// Fail はエラーメッセージを記録してFAILEDにする。
// 開始前（PENDING）のセッションも失敗にできる。
func (s *SyncSession) Fail(message string, now time.Time) error {
	if s.IsTerminal() {
		return fmt.Errorf("%w: session %s is already %s", ErrInvalidTransition, s.ID, s.Status)
	}
	s.Status = SyncStatusFailed
	s.ErrorMessage = message
	s.CompletedAt = &now
	s.UpdatedAt = now
	return nil
}

// SetMetadata はメタデータに値を設定する。
func (s *SyncSession) SetMetadata(key string, value any) {
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.Metadata[key] = value
}

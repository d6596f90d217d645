package banking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/bankfeed/internal/model"
	"github.com/hitoshi/bankfeed/internal/repository"
)

// ConnectionService は同期以外の銀行連携ライフサイクルを扱うサービス層。
type ConnectionService struct {
	connections repository.ConnectionRepository
	logger      *slog.Logger
	now         func() time.Time
}

// NewConnectionService はConnectionServiceの新しいインスタンスを生成する。
func NewConnectionService(connections repository.ConnectionRepository, logger *slog.Logger) *ConnectionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionService{
		connections: connections,
		logger:      logger,
		now:         defaultNow,
	}
}

// ConnectBank は銀行口座を連携する。
// 資格情報は呼び出し元で検証済みとみなし、作成直後にCONNECTEDにする。
// 同じ金融機関・口座の連携解除されていない連携が既にある場合はBANK_CONNECTION_ALREADY_EXISTSを返す。
func (s *ConnectionService) ConnectBank(ctx context.Context, p model.NewBankConnectionParams) (*model.BankConnection, error) {
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if err := validateConnectParams(p); err != nil {
		return nil, err
	}

	existing, err := s.connections.FindByInstitutionAccount(ctx, p.WorkspaceID, p.InstitutionID, p.ExternalAccountID)
	if err != nil {
		return nil, fmt.Errorf("既存の銀行連携の確認に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewConnectionAlreadyExistsError(p.InstitutionID, p.ExternalAccountID)
	}

	now := s.now()
	conn := model.NewBankConnection(p, now)
	if err := conn.Activate(now); err != nil {
		return nil, fmt.Errorf("銀行連携の有効化に失敗しました: %w", err)
	}

	if err := s.connections.Save(ctx, conn); err != nil {
		if errors.Is(err, repository.ErrConnectionExists) {
			return nil, model.NewConnectionAlreadyExistsError(p.InstitutionID, p.ExternalAccountID)
		}
		return nil, fmt.Errorf("銀行連携の保存に失敗しました: %w", err)
	}

	s.logger.Info("銀行口座を連携しました",
		slog.String("workspace_id", conn.WorkspaceID.String()),
		slog.String("connection_id", conn.ID.String()),
		slog.String("institution_id", conn.InstitutionID),
	)
	return conn, nil
}

func validateConnectParams(p model.NewBankConnectionParams) error {
	required := []struct {
		field string
		value string
	}{
		{"workspaceId", string(p.WorkspaceID)},
		{"userId", string(p.UserID)},
		{"institutionId", p.InstitutionID},
		{"institutionName", p.InstitutionName},
		{"externalAccountId", p.ExternalAccountID},
		{"accessToken", p.AccessToken},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return model.NewValidationError(r.field, "必須項目です")
		}
	}
	if len(p.Currency) != 3 {
		return model.NewValidationError("currency", "ISO 4217の3文字コードで指定してください")
	}
	return nil
}

// UpdateConnectionToken はアクセストークンと有効期限を差し替える。状態は変更しない。
func (s *ConnectionService) UpdateConnectionToken(ctx context.Context, workspaceID model.WorkspaceID, id model.ConnectionID, token string, expiresAt *time.Time) (*model.BankConnection, error) {
	if strings.TrimSpace(token) == "" {
		return nil, model.NewValidationError("accessToken", "必須項目です")
	}

	conn, err := s.GetBankConnection(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}

	if err := conn.UpdateToken(token, expiresAt, s.now()); err != nil {
		return nil, model.NewInvalidConnectionStateError(conn.ID, conn.Status)
	}
	if err := s.connections.Save(ctx, conn); err != nil {
		return nil, fmt.Errorf("銀行連携の保存に失敗しました: %w", err)
	}
	return conn, nil
}

// DisconnectBank は銀行連携を解除する。解除後は再びCONNECTEDにはならない。
func (s *ConnectionService) DisconnectBank(ctx context.Context, workspaceID model.WorkspaceID, id model.ConnectionID) (*model.BankConnection, error) {
	conn, err := s.GetBankConnection(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}

	if err := conn.Disconnect(s.now()); err != nil {
		return nil, model.NewInvalidConnectionStateError(conn.ID, conn.Status)
	}
	if err := s.connections.Save(ctx, conn); err != nil {
		return nil, fmt.Errorf("銀行連携の保存に失敗しました: %w", err)
	}

	s.logger.Info("銀行連携を解除しました",
		slog.String("workspace_id", workspaceID.String()),
		slog.String("connection_id", id.String()),
	)
	return conn, nil
}

// ExpireConnection はアクセストークンの期限切れを記録し、銀行連携をEXPIREDにする。
func (s *ConnectionService) ExpireConnection(ctx context.Context, workspaceID model.WorkspaceID, id model.ConnectionID) (*model.BankConnection, error) {
	conn, err := s.GetBankConnection(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}

	if err := conn.MarkExpired(s.now()); err != nil {
		return nil, model.NewInvalidConnectionStateError(conn.ID, conn.Status)
	}
	if err := s.connections.Save(ctx, conn); err != nil {
		return nil, fmt.Errorf("銀行連携の保存に失敗しました: %w", err)
	}

	s.logger.Info("アクセストークンの期限切れを記録しました",
		slog.String("workspace_id", workspaceID.String()),
		slog.String("connection_id", id.String()),
	)
	return conn, nil
}

// DeleteConnection は銀行連携を物理削除する。
func (s *ConnectionService) DeleteConnection(ctx context.Context, workspaceID model.WorkspaceID, id model.ConnectionID) error {
	if _, err := s.GetBankConnection(ctx, workspaceID, id); err != nil {
		return err
	}
	if err := s.connections.Delete(ctx, workspaceID, id); err != nil {
		return fmt.Errorf("銀行連携の削除に失敗しました: %w", err)
	}

	s.logger.Info("銀行連携を削除しました",
		slog.String("workspace_id", workspaceID.String()),
		slog.String("connection_id", id.String()),
	)
	return nil
}

// GetBankConnection は銀行連携を取得する。見つからない場合はCONNECTION_NOT_FOUNDを返す。
func (s *ConnectionService) GetBankConnection(ctx context.Context, workspaceID model.WorkspaceID, id model.ConnectionID) (*model.BankConnection, error) {
	conn, err := s.connections.FindByID(ctx, workspaceID, id)
	if err != nil {
		return nil, fmt.Errorf("銀行連携の取得に失敗しました: %w", err)
	}
	if conn == nil {
		return nil, model.NewConnectionNotFoundError(id)
	}
	return conn, nil
}

// GetBankConnections はワークスペースの銀行連携一覧を返す。
func (s *ConnectionService) GetBankConnections(ctx context.Context, workspaceID model.WorkspaceID, page model.Pagination) ([]*model.BankConnection, error) {
	conns, err := s.connections.FindByWorkspace(ctx, workspaceID, page.Normalize())
	if err != nil {
		return nil, fmt.Errorf("銀行連携一覧の取得に失敗しました: %w", err)
	}
	return conns, nil
}

// GetUserConnections はユーザーが作成した銀行連携一覧を返す。
func (s *ConnectionService) GetUserConnections(ctx context.Context, workspaceID model.WorkspaceID, userID model.UserID, page model.Pagination) ([]*model.BankConnection, error) {
	conns, err := s.connections.FindByUser(ctx, workspaceID, userID, page.Normalize())
	if err != nil {
		return nil, fmt.Errorf("ユーザーの銀行連携一覧の取得に失敗しました: %w", err)
	}
	return conns, nil
}

package banking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/bankfeed/internal/model"
	"github.com/hitoshi/bankfeed/internal/repository"
)

// テスト用のインメモリリポジトリ。
// PostgreSQL実装と同じく保存時に値をコピーし、一意制約を再現する。

type memConnectionRepo struct {
	mu      sync.Mutex
	rows    map[model.ConnectionID]model.BankConnection
	saveErr func(*model.BankConnection) error
	saves   int
}

func newMemConnectionRepo() *memConnectionRepo {
	return &memConnectionRepo{rows: map[model.ConnectionID]model.BankConnection{}}
}

var _ repository.ConnectionRepository = (*memConnectionRepo)(nil)

func (r *memConnectionRepo) Save(_ context.Context, conn *model.BankConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.saveErr != nil {
		if err := r.saveErr(conn); err != nil {
			return err
		}
	}
	if conn.Status != model.ConnectionStatusDisconnected {
		for id, row := range r.rows {
			if id != conn.ID && row.WorkspaceID == conn.WorkspaceID &&
				row.InstitutionID == conn.InstitutionID && row.ExternalAccountID == conn.ExternalAccountID &&
				row.Status != model.ConnectionStatusDisconnected {
				return repository.ErrConnectionExists
			}
		}
	}
	r.rows[conn.ID] = *conn
	return nil
}

func (r *memConnectionRepo) get(id model.ConnectionID) *model.BankConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil
	}
	return &row
}

func (r *memConnectionRepo) FindByID(_ context.Context, ws model.WorkspaceID, id model.ConnectionID) (*model.BankConnection, error) {
	row := r.get(id)
	if row == nil || row.WorkspaceID != ws {
		return nil, nil
	}
	return row, nil
}

func (r *memConnectionRepo) FindByInstitutionAccount(_ context.Context, ws model.WorkspaceID, institutionID, accountID string) (*model.BankConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.WorkspaceID == ws && row.InstitutionID == institutionID &&
			row.ExternalAccountID == accountID && row.Status != model.ConnectionStatusDisconnected {
			return &row, nil
		}
	}
	return nil, nil
}

func (r *memConnectionRepo) filter(keep func(model.BankConnection) bool) []*model.BankConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.BankConnection
	for _, row := range r.rows {
		if keep(row) {
			out = append(out, &row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *memConnectionRepo) FindByWorkspace(_ context.Context, ws model.WorkspaceID, page model.Pagination) ([]*model.BankConnection, error) {
	return paginate(r.filter(func(c model.BankConnection) bool { return c.WorkspaceID == ws }), page), nil
}

func (r *memConnectionRepo) FindByUser(_ context.Context, ws model.WorkspaceID, user model.UserID, page model.Pagination) ([]*model.BankConnection, error) {
	return paginate(r.filter(func(c model.BankConnection) bool {
		return c.WorkspaceID == ws && c.UserID == user
	}), page), nil
}

func (r *memConnectionRepo) Delete(_ context.Context, ws model.WorkspaceID, id model.ConnectionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok && row.WorkspaceID == ws {
		delete(r.rows, id)
	}
	return nil
}

func (r *memConnectionRepo) ListDueForSync(_ context.Context, syncedBefore time.Time, limit int) ([]*model.BankConnection, error) {
	out := r.filter(func(c model.BankConnection) bool {
		if c.Status == model.ConnectionStatusDisconnected || c.Status == model.ConnectionStatusPending {
			return false
		}
		return c.LastSyncAt == nil || c.LastSyncAt.Before(syncedBefore)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memSessionRepo struct {
	mu      sync.Mutex
	rows    map[model.SessionID]model.SyncSession
	saveErr func(*model.SyncSession) error
	history []model.SyncStatus
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{rows: map[model.SessionID]model.SyncSession{}}
}

var _ repository.SessionRepository = (*memSessionRepo)(nil)

func (r *memSessionRepo) Save(_ context.Context, session *model.SyncSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		if err := r.saveErr(session); err != nil {
			return err
		}
	}
	if session.IsActive() {
		for id, row := range r.rows {
			if id != session.ID && row.ConnectionID == session.ConnectionID && row.IsActive() {
				return repository.ErrActiveSessionExists
			}
		}
	}
	copied := *session
	copied.Metadata = make(map[string]any, len(session.Metadata))
	for k, v := range session.Metadata {
		copied.Metadata[k] = v
	}
	r.rows[session.ID] = copied
	r.history = append(r.history, session.Status)
	return nil
}

func (r *memSessionRepo) put(session *model.SyncSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[session.ID] = *session
}

func (r *memSessionRepo) all(keep func(model.SyncSession) bool) []*model.SyncSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.SyncSession
	for _, row := range r.rows {
		if keep(row) {
			out = append(out, &row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferenceTime().After(out[j].ReferenceTime()) })
	return out
}

func (r *memSessionRepo) FindByID(_ context.Context, ws model.WorkspaceID, id model.SessionID) (*model.SyncSession, error) {
	out := r.all(func(s model.SyncSession) bool { return s.ID == id && s.WorkspaceID == ws })
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *memSessionRepo) FindByConnection(_ context.Context, ws model.WorkspaceID, conn model.ConnectionID, page model.Pagination) ([]*model.SyncSession, error) {
	return paginate(r.all(func(s model.SyncSession) bool {
		return s.WorkspaceID == ws && s.ConnectionID == conn
	}), page), nil
}

func (r *memSessionRepo) FindActiveByConnection(_ context.Context, ws model.WorkspaceID, conn model.ConnectionID) ([]*model.SyncSession, error) {
	return r.all(func(s model.SyncSession) bool {
		return s.WorkspaceID == ws && s.ConnectionID == conn && s.IsActive()
	}), nil
}

func (r *memSessionRepo) FindLatestByConnection(_ context.Context, ws model.WorkspaceID, conn model.ConnectionID) (*model.SyncSession, error) {
	out := r.all(func(s model.SyncSession) bool { return s.WorkspaceID == ws && s.ConnectionID == conn })
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *memSessionRepo) FindByStatus(_ context.Context, ws model.WorkspaceID, status model.SyncStatus, page model.Pagination) ([]*model.SyncSession, error) {
	return paginate(r.all(func(s model.SyncSession) bool {
		return s.WorkspaceID == ws && s.Status == status
	}), page), nil
}

type memTransactionRepo struct {
	mu           sync.Mutex
	rows         map[model.TransactionID]model.BankTransaction
	saveBatchErr error
	batchSizes   []int
	// skipOnInsert に含まれる外部IDは、他経路で先に挿入されたものとしてSaveBatchでスキップする。
	skipOnInsert map[string]bool
}

func newMemTransactionRepo() *memTransactionRepo {
	return &memTransactionRepo{rows: map[model.TransactionID]model.BankTransaction{}}
}

var _ repository.TransactionRepository = (*memTransactionRepo)(nil)

func (r *memTransactionRepo) Save(_ context.Context, tx *model.BankTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[tx.ID] = *tx
	return nil
}

func (r *memTransactionRepo) SaveBatch(_ context.Context, txs []*model.BankTransaction) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveBatchErr != nil {
		return 0, r.saveBatchErr
	}
	r.batchSizes = append(r.batchSizes, len(txs))
	inserted := 0
	for _, tx := range txs {
		if r.skipOnInsert[tx.ExternalID] || r.hasExternalID(tx.WorkspaceID, tx.ExternalID) {
			continue
		}
		r.rows[tx.ID] = *tx
		inserted++
	}
	return inserted, nil
}

func (r *memTransactionRepo) hasExternalID(ws model.WorkspaceID, externalID string) bool {
	for _, row := range r.rows {
		if row.WorkspaceID == ws && row.ExternalID == externalID {
			return true
		}
	}
	return false
}

func (r *memTransactionRepo) all(keep func(model.BankTransaction) bool) []*model.BankTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.BankTransaction
	for _, row := range r.rows {
		if keep(row) {
			out = append(out, &row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionDate.After(out[j].TransactionDate) })
	return out
}

func (r *memTransactionRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *memTransactionRepo) FindByID(_ context.Context, ws model.WorkspaceID, id model.TransactionID) (*model.BankTransaction, error) {
	out := r.all(func(t model.BankTransaction) bool { return t.ID == id && t.WorkspaceID == ws })
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *memTransactionRepo) FindByExternalID(_ context.Context, ws model.WorkspaceID, externalID string) (*model.BankTransaction, error) {
	out := r.all(func(t model.BankTransaction) bool { return t.ExternalID == externalID && t.WorkspaceID == ws })
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *memTransactionRepo) FindByConnection(_ context.Context, ws model.WorkspaceID, conn model.ConnectionID, page model.Pagination) ([]*model.BankTransaction, error) {
	return paginate(r.all(func(t model.BankTransaction) bool {
		return t.WorkspaceID == ws && t.ConnectionID == conn
	}), page), nil
}

func (r *memTransactionRepo) FindBySession(_ context.Context, ws model.WorkspaceID, session model.SessionID, page model.Pagination) ([]*model.BankTransaction, error) {
	return paginate(r.all(func(t model.BankTransaction) bool {
		return t.WorkspaceID == ws && t.SessionID == session
	}), page), nil
}

func (r *memTransactionRepo) FindByStatus(_ context.Context, ws model.WorkspaceID, status model.TransactionStatus, conn *model.ConnectionID, page model.Pagination) ([]*model.BankTransaction, error) {
	return paginate(r.all(func(t model.BankTransaction) bool {
		return t.WorkspaceID == ws && t.Status == status && (conn == nil || t.ConnectionID == *conn)
	}), page), nil
}

func (r *memTransactionRepo) FindPotentialDuplicates(_ context.Context, ws model.WorkspaceID, amount decimal.Decimal, date time.Time, description string, window time.Duration) ([]*model.BankTransaction, error) {
	return r.all(func(t model.BankTransaction) bool {
		return t.WorkspaceID == ws && t.Amount.Equal(amount) && t.Description == description &&
			!t.TransactionDate.Before(date.Add(-window)) && !t.TransactionDate.After(date.Add(window))
	}), nil
}

func paginate[T any](rows []T, page model.Pagination) []T {
	page = page.Normalize()
	if page.Offset >= len(rows) {
		return nil
	}
	end := min(page.Offset+page.Limit, len(rows))
	return rows[page.Offset:end]
}

package model

const (
	// DefaultPageLimit はLimit未指定時の取得件数。
	DefaultPageLimit = 20
	// MaxPageLimit は1ページあたりの最大取得件数。
	MaxPageLimit = 100
)

// Pagination は一覧取得のオフセット型ページ指定。
type Pagination struct {
	Limit  int
	Offset int
}

// Normalize はLimitとOffsetを有効範囲に丸めたPaginationを返す。
func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

package bankdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/hitoshi/bankfeed/internal/model"
	"github.com/hitoshi/bankfeed/internal/resilience"
	"github.com/hitoshi/bankfeed/internal/security"
)

var tracer = otel.Tracer("bankdata")

const (
	// transactionsPath は取引一覧APIのパス。
	transactionsPath = "/v1/transactions"
	// dateLayout はクエリパラメータの日付形式。
	dateLayout = "2006-01-02"
	// maxPages は1回の取得で辿るページ数の上限。
	maxPages = 1000
	// maxErrorBodySize はエラーレスポンス本文の読み取り上限。
	maxErrorBodySize = 4 << 10
)

// ErrUnauthorized はアクセストークンが提供元に拒否された場合のエラー。
var ErrUnauthorized = errors.New("bank data provider rejected access token")

// StatusError は提供元が想定外のHTTPステータスを返した場合のエラー。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("bank data provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("bank data provider returned status %d: %s", e.StatusCode, e.Body)
}

// ClientConfig はHTTPクライアントの設定。
type ClientConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit rate.Limit
	Burst     int
	PageSize  int
	// BreakerFailures はサーキットブレーカーがOPENになる連続失敗回数。
	BreakerFailures uint32
	// OnBreakerStateChange はブレーカーの状態遷移時に呼ばれる。nil可。
	OnBreakerStateChange func(name string, from, to gobreaker.State)
}

// Client はHTTP経由で銀行データ提供元にアクセスするFetcherの実装。
// レート制限とサーキットブレーカーを備え、摘要・店舗名はサニタイズしてから返す。
type Client struct {
	httpClient *http.Client
	baseURL    string
	pageSize   int
	limiter    *rate.Limiter
	cb         *gobreaker.CircuitBreaker
	sanitizer  security.TextSanitizer
	logger     *slog.Logger
}

var _ Fetcher = (*Client)(nil)

// NewClient はClientを生成する。httpClientがnilの場合はcfg.Timeoutを設定した新しいクライアントを使う。
func NewClient(httpClient *http.Client, cfg ClientConfig, sanitizer security.TextSanitizer, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Inf
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		pageSize:   cfg.PageSize,
		limiter:    rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		cb: resilience.NewCircuitBreaker("bankdata", resilience.BreakerConfig{
			ConsecutiveFailures: cfg.BreakerFailures,
			OnStateChange:       cfg.OnBreakerStateChange,
		}),
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// transactionDTO は提供元APIの取引レコード。
type transactionDTO struct {
	ID           string          `json:"id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Description  string          `json:"description"`
	MerchantName string          `json:"merchant_name"`
	Category     string          `json:"category"`
	Date         time.Time       `json:"date"`
	PostedDate   *time.Time      `json:"posted_date"`
	Metadata     map[string]any  `json:"metadata"`
}

// pageDTO は提供元APIの1ページ分のレスポンス。
type pageDTO struct {
	Transactions []transactionDTO `json:"transactions"`
	NextCursor   string           `json:"next_cursor"`
}

// FetchTransactions は期間内の取引をすべてのページを辿って取得する。
// 401/403はErrUnauthorized、その他の4xxはリトライ不要なエラーとして返す。
func (c *Client) FetchTransactions(ctx context.Context, accessToken string, from, to time.Time) ([]model.RawTransaction, error) {
	ctx, span := tracer.Start(ctx, "bankdata.FetchTransactions")
	defer span.End()
	span.SetAttributes(
		attribute.String("bankdata.from", from.Format(dateLayout)),
		attribute.String("bankdata.to", to.Format(dateLayout)),
	)

	var (
		out     []model.RawTransaction
		skipped int
		cursor  string
		seen    = map[string]bool{}
	)

	for page := 0; ; page++ {
		if page >= maxPages {
			err := fmt.Errorf("ページ数が上限(%d)を超えました", maxPages)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, resilience.Permanent(err)
		}

		result, err := c.fetchPage(ctx, accessToken, from, to, cursor)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		for _, dto := range result.Transactions {
			raw, ok := c.toRaw(dto)
			if !ok {
				skipped++
				continue
			}
			out = append(out, raw)
		}

		if result.NextCursor == "" {
			break
		}
		if seen[result.NextCursor] {
			err := fmt.Errorf("提供元が同じカーソルを繰り返し返しました: %s", result.NextCursor)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, resilience.Permanent(err)
		}
		seen[result.NextCursor] = true
		cursor = result.NextCursor
	}

	if skipped > 0 {
		c.logger.Warn("不正な取引レコードをスキップしました", slog.Int("skipped", skipped))
	}
	span.SetAttributes(attribute.Int("bankdata.transactions", len(out)))
	return out, nil
}

// fetchPage はレート制限とサーキットブレーカーを通して1ページを取得する。
func (c *Client) fetchPage(ctx context.Context, accessToken string, from, to time.Time, cursor string) (*pageDTO, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("レート制限の待機に失敗しました: %w", err)
	}

	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.doRequest(ctx, accessToken, from, to, cursor)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("銀行データ提供元は一時的に利用できません: %w", err)
		}
		return nil, err
	}
	return result.(*pageDTO), nil
}

func (c *Client) doRequest(ctx context.Context, accessToken string, from, to time.Time, cursor string) (*pageDTO, error) {
	q := url.Values{}
	q.Set("from", from.Format(dateLayout))
	q.Set("to", to.Format(dateLayout))
	if c.pageSize > 0 {
		q.Set("limit", strconv.Itoa(c.pageSize))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+transactionsPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("リクエストの生成に失敗しました: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("銀行データ提供元へのリクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, resilience.Permanent(ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	default:
		return nil, resilience.Permanent(&StatusError{StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)})
	}

	var page pageDTO
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("レスポンスのデコードに失敗しました: %w", err))
	}
	return &page, nil
}

// toRaw は提供元のレコードをRawTransactionに変換する。IDまたは取引日がないレコードは除外する。
func (c *Client) toRaw(dto transactionDTO) (model.RawTransaction, bool) {
	id := strings.TrimSpace(dto.ID)
	if id == "" || dto.Date.IsZero() {
		return model.RawTransaction{}, false
	}
	return model.RawTransaction{
		ExternalID:      id,
		Amount:          dto.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(dto.Currency)),
		Description:     c.sanitizer.Sanitize(dto.Description),
		MerchantName:    c.sanitizer.Sanitize(dto.MerchantName),
		CategoryName:    strings.TrimSpace(dto.Category),
		TransactionDate: dto.Date,
		PostedDate:      dto.PostedDate,
		Metadata:        dto.Metadata,
	}, true
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

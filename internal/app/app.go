package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/hitoshi/bankfeed/internal/bankdata"
	"github.com/hitoshi/bankfeed/internal/banking"
	"github.com/hitoshi/bankfeed/internal/config"
	"github.com/hitoshi/bankfeed/internal/database"
	"github.com/hitoshi/bankfeed/internal/handler"
	"github.com/hitoshi/bankfeed/internal/logger"
	"github.com/hitoshi/bankfeed/internal/metrics"
	"github.com/hitoshi/bankfeed/internal/middleware"
	"github.com/hitoshi/bankfeed/internal/model"
	"github.com/hitoshi/bankfeed/internal/repository"
	"github.com/hitoshi/bankfeed/internal/security"
	"github.com/hitoshi/bankfeed/internal/worker/reaper"
	"github.com/hitoshi/bankfeed/internal/worker/syncsched"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数のConfigを読み込み、
// LOG_LEVELに合わせてロガーを作り直す。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	log := logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if level := logger.ParseLevel(cfg.LogLevel); level != slog.LevelInfo {
		log = logger.SetupDefault(w, level)
	}
	return cfg, log, nil
}

// components はserve/worker/syncで共有する依存関係。
type components struct {
	db       *sql.DB
	registry *prometheus.Registry
	metrics  *metrics.Collector

	connRepo *repository.PostgresConnectionRepo

	connService *banking.ConnectionService
	syncService *banking.SyncService
	txService   *banking.TransactionService
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	return database.Connect(ctx, cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxIdleTime: 5 * time.Minute,
	})
}

// buildComponents はリポジトリ、銀行データクライアント、サービスを組み立てる。
func buildComponents(cfg *config.Config, db *sql.DB, log *slog.Logger) *components {
	// 1. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 2. リポジトリの初期化
	connRepo := repository.NewPostgresConnectionRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	txRepo := repository.NewPostgresTransactionRepo(db)

	// 3. 銀行データ提供元クライアントの初期化
	client := bankdata.NewClient(nil, bankdata.ClientConfig{
		BaseURL:         cfg.BankDataBaseURL,
		Timeout:         cfg.BankDataTimeout,
		RateLimit:       rate.Limit(cfg.BankDataRatePerSec),
		Burst:           cfg.BankDataBurst,
		PageSize:        cfg.BankDataPageSize,
		BreakerFailures: uint32(max(cfg.BankDataBreakerTrips, 0)),
		OnBreakerStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("サーキットブレーカーの状態が変化しました",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			collector.RecordBreakerStateChange(to.String())
		},
	}, security.NewTextSanitizer(security.DefaultMaxTextLength), log)

	// 4. ドメインサービスの初期化
	syncCfg := banking.SyncConfigFromConfig(cfg)
	return &components{
		db:          db,
		registry:    registry,
		metrics:     collector,
		connRepo:    connRepo,
		connService: banking.NewConnectionService(connRepo, log),
		syncService: banking.NewSyncService(connRepo, sessionRepo, txRepo, client, syncCfg, collector, log),
		txService:   banking.NewTransactionService(txRepo, syncCfg, log),
	}
}

// newScheduler は定期同期スケジューラを組み立てる。
func (c *components) newScheduler(cfg *config.Config, log *slog.Logger) *syncsched.Scheduler {
	return syncsched.NewScheduler(c.connRepo, c.syncService, c.connService, syncsched.Config{
		MaxConcurrency:  cfg.SchedulerMaxConcurrent,
		BatchLimit:      cfg.SchedulerBatchLimit,
		MinSyncInterval: cfg.MinSyncInterval,
	}, log)
}

// newReaper は滞留セッションの回収ジョブを組み立てる。
func (c *components) newReaper(cfg *config.Config, log *slog.Logger) *reaper.Job {
	job := reaper.NewJob(c.db, c.metrics, log)
	if cfg.StaleSessionAfter > 0 {
		job.StaleAfter = cfg.StaleSessionAfter
	}
	return job
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("database connection established")

	// 2. 依存関係の構築
	c := buildComponents(cfg, db, log)

	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:             log,
		RateLimiter:        rateLimiter,
		ConnectionService:  c.connService,
		SyncService:        c.syncService,
		TransactionService: c.txService,
		DB:                 db,
		MetricsHandler:     metrics.Handler(c.registry),
	})

	// 3. HTTPサーバーの起動
	// 手動同期は取得のリトライを含むため、書き込みタイムアウトを長めに取る
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return serveUntilDone(ctx, server, log)
}

// serveUntilDone はサーバーを起動し、ctxのキャンセルでシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down HTTP server...", slog.String("addr", server.Addr))

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("HTTP server stopped gracefully", slog.String("addr", server.Addr))
	return nil
}

// runWorker はワーカーモードで起動する。
// 定期同期スケジューラと滞留セッション回収ジョブを起動し、/metricsを公開する。
// ctxがキャンセルされるとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("database connection established (worker)")

	// 2. 依存関係の構築
	c := buildComponents(cfg, db, log)
	scheduler := c.newScheduler(cfg, log)
	reaperJob := c.newReaper(cfg, log)

	// 3. メトリクスとヘルスチェックの公開
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(c.registry))
	mux.Handle("/health", http.HandlerFunc(handler.NewHealthHandler(db, log).Health))
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := serveUntilDone(ctx, metricsServer, log); err != nil {
			log.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	log.Info("worker starting",
		slog.Duration("sync_interval", cfg.SchedulerInterval),
		slog.Int("max_concurrent", cfg.SchedulerMaxConcurrent),
		slog.Duration("reaper_interval", cfg.ReaperInterval),
	)

	// 滞留セッション回収ジョブをバックグラウンドで起動
	go reaperJob.Start(ctx, cfg.ReaperInterval)

	// 同期スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SchedulerInterval)

	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	log.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// syncOptions は手動同期コマンドの引数。
type syncOptions struct {
	workspaceID  string
	connectionID string
	from         string
	to           string
}

// runSync は1件の銀行連携を手動で同期し、セッションの結果をJSONで出力する。
// 同期が失敗として記録された場合も結果を出力してからエラーを返す。
func runSync(ctx context.Context, cfg *config.Config, log *slog.Logger, out io.Writer, opts syncOptions) error {
	from, err := parseDateFlag("from", opts.from)
	if err != nil {
		return err
	}
	to, err := parseDateFlag("to", opts.to)
	if err != nil {
		return err
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	c := buildComponents(cfg, db, log)
	session, syncErr := c.syncService.SyncTransactions(ctx,
		model.WorkspaceID(opts.workspaceID), model.ConnectionID(opts.connectionID), from, to)
	if session != nil {
		if err := writeSessionSummary(out, session); err != nil {
			return err
		}
	}
	if syncErr != nil {
		return fmt.Errorf("sync failed: %w", syncErr)
	}
	return nil
}

// sessionSummary は手動同期コマンドが出力するセッションの要約。
type sessionSummary struct {
	SessionID      string         `json:"session_id"`
	ConnectionID   string         `json:"connection_id"`
	Status         string         `json:"status"`
	FetchedCount   int            `json:"fetched_count"`
	ImportedCount  int            `json:"imported_count"`
	DuplicateCount int            `json:"duplicate_count"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func writeSessionSummary(w io.Writer, s *model.SyncSession) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sessionSummary{
		SessionID:      s.ID.String(),
		ConnectionID:   s.ConnectionID.String(),
		Status:         string(s.Status),
		FetchedCount:   s.FetchedCount,
		ImportedCount:  s.ImportedCount,
		DuplicateCount: s.DuplicateCount,
		ErrorMessage:   s.ErrorMessage,
		Metadata:       s.Metadata,
	})
}

// parseDateFlag はYYYY-MM-DD形式の日付フラグを読み取る。空文字列はnilを返す。
func parseDateFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q: expected YYYY-MM-DD", name, value)
	}
	return &t, nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/health", port), nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}

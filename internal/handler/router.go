package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/bankfeed/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	ConnectionService  ConnectionServiceInterface
	SyncService        SyncServiceInterface
	TransactionService TransactionServiceInterface

	// DB はヘルスチェックの疎通確認に使う。nil可。
	DB Pinger
	// MetricsHandler は/metricsで公開するハンドラー。nilの場合は公開しない。
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → Identity → RateLimit(General)
//
// /healthと/metricsは利用者の識別とレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	connHandler := NewConnectionHandler(deps.ConnectionService, logger)
	syncHandler := NewSyncHandler(deps.SyncService, logger)
	txHandler := NewTransactionHandler(deps.TransactionService, logger)
	healthHandler := NewHealthHandler(deps.DB, logger)

	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware())
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/workspaces/{workspaceID}", func(r chi.Router) {
			// 銀行連携
			r.Route("/bank-connections", func(r chi.Router) {
				r.Post("/", connHandler.Connect)
				r.Get("/", connHandler.List)

				r.Route("/{connectionID}", func(r chi.Router) {
					r.Get("/", connHandler.Get)
					r.Delete("/", connHandler.Delete)
					r.Put("/token", connHandler.UpdateToken)
					r.Post("/disconnect", connHandler.Disconnect)

					// POST .../sync - 手動同期（同期専用レート制限を追加）
					r.With(deps.RateLimiter.SyncMiddleware()).Post("/sync", syncHandler.Sync)
					r.Get("/sync-sessions", syncHandler.History)
					r.Get("/transactions", txHandler.ByConnection)
				})
			})

			// 同期セッション
			r.Route("/sync-sessions", func(r chi.Router) {
				r.Get("/active", syncHandler.Active)
				r.Get("/{sessionID}", syncHandler.GetSession)
				r.Get("/{sessionID}/transactions", txHandler.BySession)
			})

			// 銀行取引
			r.Route("/bank-transactions", func(r chi.Router) {
				r.Get("/pending", txHandler.Pending)
				r.Get("/{transactionID}", txHandler.Get)
				r.Get("/{transactionID}/duplicates", txHandler.Duplicates)
				r.Post("/{transactionID}/process", txHandler.Process)
			})
		})
	})

	return r
}

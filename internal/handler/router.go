package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/rallychat/internal/metrics"
	"github.com/hitoshi/rallychat/internal/middleware"
	"github.com/hitoshi/rallychat/internal/session"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 会話とメッセージ
	Conversations ConversationService
	Messages      MessageService

	// WebSocketセッション
	Sessions  session.Deps
	WebSocket WebSocketConfig

	// 運用
	HealthChecker  HealthChecker
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Session → RateLimit(General) → CSRF
//
// /health と /metrics は認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", NewHealthHandler(deps.HealthChecker, logger))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	convHandler := NewConversationHandler(deps.Conversations, deps.Messages, logger)
	wsHandler := NewWebSocketHandler(deps.Sessions, deps.RateLimiter, deps.WebSocket, logger)

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder, logger))

		// WebSocketは長時間接続のため一般のレート制限の対象外。送信はフレームごとに制限する。
		r.Get("/ws", wsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.GeneralMiddleware())
			r.Use(middleware.NewCSRFMiddleware(deps.CSRF, logger))

			r.Route("/api/conversations", func(r chi.Router) {
				r.Get("/", convHandler.ListConversations)
				r.Post("/", convHandler.StartConversation)

				r.Route("/{id}/messages", func(r chi.Router) {
					r.Get("/", convHandler.ListMessages)
					r.With(deps.RateLimiter.SendMiddleware()).Post("/", convHandler.SendMessage)
				})
			})
		})
	})

	return r
}

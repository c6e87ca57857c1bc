// Package handler は管理用HTTPサーバーのルーティングとハンドラーを提供する。
// 認証判定そのものはローカルソケットで行い、HTTPではヘルスチェックとメトリクスのみを公開する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Sheraff/sso/internal/middleware"
	"github.com/Sheraff/sso/internal/model"
)

// DefaultPingTimeout は/healthでのDB疎通確認のタイムアウト。
const DefaultPingTimeout = 2 * time.Second

// HealthChecker は永続ストアの疎通確認を行うインターフェース。
// *sql.DBがこれを満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// AdminDeps はNewAdminRouterに必要な依存関係をまとめた構造体。
type AdminDeps struct {
	Health      HealthChecker
	Metrics     http.Handler
	Logger      *slog.Logger
	PingTimeout time.Duration
}

// healthResponse は/healthのレスポンスボディ。
type healthResponse struct {
	Status string `json:"status"`
}

// NewAdminRouter は管理用エンドポイントを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery
func NewAdminRouter(deps *AdminDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := deps.PingTimeout
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger, "/health", "/metrics"))
	r.Use(middleware.NewRecoveryMiddleware(logger))

	r.Get("/health", healthHandler(deps.Health, timeout, logger))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	return r
}

// healthHandler はDBへのpingが成功すれば200、失敗すれば503を返す。
func healthHandler(checker HealthChecker, timeout time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			if err := checker.PingContext(ctx); err != nil {
				logger.Error("ヘルスチェックでDB疎通に失敗しました", slog.String("error", err.Error()))
				middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewStoreUnavailableError())
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{Status: "ok"})
	}
}

package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/veda/backend/internal/analysis/moderation"
	"github.com/zhouzirui/veda/backend/internal/handler/chat"
	"github.com/zhouzirui/veda/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/veda/backend/internal/middleware"
	"github.com/zhouzirui/veda/backend/pkg/utils"
)

// Deps 路由所需的处理器与运行时信息。
type Deps struct {
	Chat           *chat.Handler
	WS             *ws.Handler
	Verifier       middlewarePkg.TokenVerifier
	Screener       *moderation.Screener
	CORSOrigins    []string
	RepositoryKind string
	Mode           string
}

type healthResponse struct {
	Status     string            `json:"status"`
	Mode       string            `json:"mode"`
	Repository string            `json:"repository"`
	Moderation moderation.Health `json:"moderation"`
	Time       string            `json:"time"`
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		mod := deps.Screener.Health()
		utils.RespondJSON(w, http.StatusOK, healthResponse{
			Status:     mod.Status,
			Mode:       deps.Mode,
			Repository: deps.RepositoryKind,
			Moderation: mod,
			Time:       time.Now().UTC().Format(time.RFC3339),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket 通过 token 查询参数鉴权，不挂载 Bearer 中间件
	deps.WS.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.Authenticate(deps.Verifier))
		deps.Chat.RegisterRoutes(api)
	})

	return r
}

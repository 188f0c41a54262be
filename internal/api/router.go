package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/cortana/internal/agent"
	"github.com/ashureev/cortana/internal/identity"
	"github.com/ashureev/cortana/internal/middleware"
	"github.com/ashureev/cortana/internal/session"
)

// RouterConfig wires the gateway's collaborators.
type RouterConfig struct {
	Users     identity.UserStore
	DB        Pinger
	Registry  *session.Registry
	Generator agent.Generator
	// Archive is nil when archiving is disabled.
	Archive ConversationStore
	// Playground is nil when the sandbox is disabled.
	Playground     PlaygroundRunner
	Limiter        *RateLimiter
	MaxBodySize    int64
	AllowedOrigins []string
	IsDevelopment  bool
	HealthTimeout  time.Duration
	RequestLogging bool
}

// NewRouter builds the gateway's chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	if cfg.RequestLogging {
		r.Use(chiMiddleware.Logger)
	}
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	NewHealthHandler(cfg.DB, cfg.HealthTimeout).RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.Users, cfg.IsDevelopment))

		NewChatHandler(cfg.Registry, cfg.Generator, cfg.Limiter, cfg.MaxBodySize).RegisterRoutes(r)
		if cfg.Archive != nil {
			NewConversationHandler(cfg.Archive, cfg.Registry).RegisterRoutes(r)
		}
		if cfg.Playground != nil {
			NewPlaygroundHandler(cfg.Playground, cfg.Registry, cfg.Limiter, cfg.MaxBodySize).RegisterRoutes(r)
		}

		var originPatterns []string
		if cfg.IsDevelopment {
			originPatterns = []string{"*"}
		} else {
			originPatterns = websocketOrigins(cfg.AllowedOrigins)
		}
		r.Get("/ws/session", NewSessionSocket(cfg.Registry, originPatterns).ServeHTTP)
	})

	return r
}

// websocketOrigins converts CORS origins to host patterns.
func websocketOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}

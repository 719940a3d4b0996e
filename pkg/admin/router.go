// Package admin implements the Admin HTTP surface: server info, health and
// readiness probes, Prometheus metrics, and the two administrative
// mutations (compaction and realm deletion) described as component G.
package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arcusdb/realmsync/pkg/auth"
)

func newRouter(a *Admin) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/api/healthz", a.handleHealthz)
	r.Get("/api/readyz", a.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireAuth(a.server.Verifier(), auth.OpAdmin, rootPath))
		r.Get("/api/info", a.handleInfo)
	})

	r.Route("/api/compact", func(r chi.Router) {
		r.Use(requireAuth(a.server.Verifier(), auth.OpCompact, rootPath))
		r.Post("/", a.handleCompactAll)
		r.Post("/*", a.handleCompactOne)
	})

	r.Route("/api/realm", func(r chi.Router) {
		r.Use(requireAuth(a.server.Verifier(), auth.OpDelete, func(r *http.Request) string {
			return chi.URLParam(r, "*")
		}))
		r.Delete("/*", a.handleDeleteRealm)
	})

	return r
}

package server

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the tracepackd dashboard
// API.
//
// Route layout:
//
//	GET /healthz       – liveness probe (no authentication required)
//	GET /api/v1/packs  – paginated pack query (JWT required)
//	GET /api/v1/hosts  – list all hosts (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/packs", srv.handleGetPacks)
		r.Post("/packs", srv.handleSubmitPack)
		r.Get("/hosts", srv.handleGetHosts)
		r.Post("/hosts", srv.handleRegisterHost)
	})

	return r
}

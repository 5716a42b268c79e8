// Package chestapi exposes the chest lifecycle over HTTP. The surface is a
// small JSON API plus two streaming endpoints, upload and download; every
// route under /api/chest requires the token flavor matching its place in the
// lifecycle.
package chestapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/dropchest/dropchest/pkg/chest"
	"github.com/dropchest/dropchest/pkg/token"
)

type svc struct {
	engine *chest.Engine
	tokens token.Manager
	router chi.Router
}

// New returns the chest API handler rooted at /api.
func New(engine *chest.Engine, tokens token.Manager, log *zerolog.Logger) http.Handler {
	s := &svc{engine: engine, tokens: tokens}

	r := chi.NewRouter()
	r.Use(logCtx(log))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", s.getConfig)
		r.Post("/chest", s.createChest)
		r.Route("/chest/{sessionID}", func(r chi.Router) {
			r.Post("/upload", s.uploadFiles)
			r.Post("/complete", s.sealChest)
			r.Post("/multipart/create", s.createMultipart)
			r.Put("/multipart/{fileID}/part/{partNumber}", s.uploadPart)
			r.Post("/multipart/{fileID}/complete", s.completeMultipart)
		})
		r.Get("/retrieve/{code}", s.retrieveByCode)
		r.Get("/download/{fileID}", s.downloadFile)
	})

	s.router = r
	return s
}

func (s *svc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// logCtx attaches the service logger to every request context.
func logCtx(log *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(log.WithContext(r.Context())))
		})
	}
}

func (s *svc) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]bool{"requireTOTP": s.engine.TOTPRequired()})
}

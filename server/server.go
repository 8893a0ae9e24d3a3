// Package server exposes the sponsorship and image proxy cores over http.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/traceid"
	"github.com/rotki/nftkit"
	"github.com/rotki/nftkit/cache"
	"github.com/rotki/nftkit/sponsorship"
)

type Sponsorship interface {
	Enabled() bool
	TierInfo(ctx context.Context, tierIDs []uint64, skipCache bool) (*sponsorship.TierInfoResponse, error)
	Token(ctx context.Context, tokenID uint64, skipCache bool) (*sponsorship.TokenMetadata, error)
}

type Images interface {
	ServeImage(w http.ResponseWriter, r *http.Request, rawURL string, skipCache bool) error
	ServeAvatar(w http.ResponseWriter, r *http.Request, name, network string, skipCache bool) error
	InFlight() int
}

type Options struct {
	Sponsorship Sponsorship
	Images      Images
	Cache       *cache.Cache
	Logger      *slog.Logger
	Version     string
}

type Server struct {
	sponsorship Sponsorship
	images      Images
	cache       *cache.Cache
	log         *slog.Logger
	version     string
	startedAt   time.Time
}

func New(options Options) *Server {
	log := options.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Server{
		sponsorship: options.Sponsorship,
		images:      options.Images,
		cache:       options.Cache,
		log:         log,
		version:     options.Version,
		startedAt:   time.Now(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(traceid.Middleware)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireEnabled)
		r.Get("/nft/tier-info", s.handleTierInfo)
		r.Get("/nft/image", s.handleImage)
		r.Get("/nft/{tokenId}", s.handleToken)
		r.Get("/ens/avatar", s.handleAvatar)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.InfoContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("took", time.Since(start)))
	})
}

// requireEnabled answers 404 on every api route while the feature is off.
func (s *Server) requireEnabled(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sponsorship == nil || !s.sponsorship.Enabled() {
			s.writeError(w, r, nftkit.ErrDisabled)
			return
		}
		next.ServeHTTP(w, r)
	})
}

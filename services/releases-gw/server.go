// Package releasesgw serves published releases and their assets over HTTP.
package releasesgw

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"relpack/services/releases"
)

const (
	defaultTTLSeconds = 300
	maxTTLSeconds     = 3600

	defaultRateLimit = 100
)

var assetDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relpack_gateway_asset_downloads_total",
	Help: "Release assets streamed by the gateway.",
}, []string{"tag", "asset"})

// Presigner is implemented by registries that can hand out direct download URLs.
type Presigner interface {
	PresignAsset(ctx context.Context, tag, asset string, ttl time.Duration) (string, error)
}

// Options tunes the router.
type Options struct {
	AllowedOrigins []string
	// RateLimit is requests per minute per client IP. Zero uses the default, negative
	// disables limiting.
	RateLimit int
	// Ready reports whether the registry backend is usable.
	Ready func(context.Context) error
}

// Server exposes a release registry read-only.
type Server struct {
	registry releases.Registry
	logger   zerolog.Logger
	opts     Options
}

// NewServer configures a Server around registry.
func NewServer(registry releases.Registry, logger zerolog.Logger, opts Options) (*Server, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = defaultRateLimit
	}
	return &Server{registry: registry, logger: logger, opts: opts}, nil
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.GetHead)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodHead},
			AllowedHeaders: []string{"Accept", "Range"},
			ExposedHeaders: []string{"Content-Length", "X-Checksum-Sha256"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.opts.RateLimit > 0 {
			r.Use(httprate.LimitByIP(s.opts.RateLimit, time.Minute))
		}
		r.Get("/v1/releases", s.handleList)
		r.Get("/v1/releases/{tag}", s.handleGet)
		r.Get("/v1/releases/{tag}/assets/{name}", s.handleAsset)
		r.Get("/v1/releases/{tag}/assets/{name}/presign", s.handlePresign)
	})
	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("readiness check failed")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if list == nil {
		list = []releases.Release{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rel, err := s.registry.Get(r.Context(), pathParam(r, "tag"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	tag, name := pathParam(r, "tag"), pathParam(r, "name")
	rel, err := s.registry.Get(r.Context(), tag)
	if err != nil {
		s.fail(w, err)
		return
	}
	asset, ok := rel.Asset(name)
	if !ok {
		http.Error(w, "asset not found", http.StatusNotFound)
		return
	}
	body, err := s.registry.Open(r.Context(), tag, name)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer body.Close()

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.FormatInt(asset.Size, 10))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": asset.Name}))
	h.Set("X-Checksum-Sha256", asset.SHA256)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn().Err(err).Str("tag", tag).Str("asset", name).Msg("stream asset")
		return
	}
	assetDownloads.WithLabelValues(tag, name).Inc()
}

func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	p, ok := s.registry.(Presigner)
	if !ok {
		http.Error(w, "registry does not support presigned downloads", http.StatusNotImplemented)
		return
	}

	ttlSeconds := defaultTTLSeconds
	if raw := strings.TrimSpace(r.URL.Query().Get("ttl")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		ttlSeconds = min(parsed, maxTTLSeconds)
	}
	ttl := time.Duration(ttlSeconds) * time.Second

	link, err := p.PresignAsset(r.Context(), pathParam(r, "tag"), pathParam(r, "name"), ttl)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url":        link,
		"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
	})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, releases.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.logger.Error().Err(err).Msg("registry request failed")
	http.Error(w, "registry unavailable", http.StatusBadGateway)
}

// pathParam returns a decoded route parameter. chi matches on the escaped path when the
// request has one.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package server implements the minimal HTTP serving contract spec.md
// §6.8 describes: GET /tiles/<id>/<z>/<x>/<y>[.ext] and
// GET /tiles/<id>/tiles.json, with Accept-Encoding negotiation and CORS.
//
// Grounded on the teacher's pmtiles/server.go tile/TileJSON handlers and
// pmtiles/server_metrics.go's prometheus wiring; CORS is wired through
// rs/cors (a teacher go.mod dependency the retrieved snapshot's
// server.go compared Origin against by hand) to get wildcard-subdomain
// matching per spec §6.8 — a REDESIGN over the teacher's ad hoc check.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/codec"
	"github.com/tiledepot/tilekit/tiles/source"
)

// CORSConfig configures the allow-list rs/cors enforces, per spec §6.8:
// an Origin matching AllowedOrigins (supporting a wildcard subdomain like
// "*.example.org") gets Access-Control-Allow-Origin, and a preflight also
// gets Access-Control-Max-Age.
type CORSConfig struct {
	AllowedOrigins []string
	MaxAgeSeconds  int
}

// Source is a named TileSource the server exposes at /tiles/<id>/....
type Source struct {
	ID     string
	Reader source.TileSource
}

// Server is the minimal tile+TileJSON HTTP server.
type Server struct {
	sources map[string]source.TileSource
	logger  *zap.Logger
	cors    cors.Options

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New builds a Server exposing sources at /tiles/<id>/..., per spec §6.8.
func New(sources []Source, corsCfg CORSConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	byID := make(map[string]source.TileSource, len(sources))
	for _, s := range sources {
		byID[s.ID] = s.Reader
	}
	return &Server{
		sources: byID,
		logger:  logger,
		cors: cors.Options{
			AllowedOrigins: corsCfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
			MaxAge:         corsCfg.MaxAgeSeconds,
		},
		requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tilekit_http_requests_total",
			Help: "Total HTTP requests served, labeled by source id and status class.",
		}, []string{"source", "status"}),
		latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name: "tilekit_http_request_duration_seconds",
			Help: "HTTP request latency in seconds.",
		}, []string{"source"}),
	}
}

// Handler returns the server's net/http handler, CORS-wrapped, with a
// Prometheus /metrics endpoint alongside the tile routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tiles/", s.handleTiles)
	mux.Handle("/metrics", promhttp.Handler())
	return cors.New(s.cors).Handler(mux)
}

func (s *Server) handleTiles(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tiles/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	id, rest := parts[0], parts[1]
	src, ok := s.sources[id]
	if !ok {
		s.requests.WithLabelValues(id, "404").Inc()
		http.NotFound(w, r)
		return
	}

	if rest == "tiles.json" {
		s.serveTileJSON(w, r, id, src)
		return
	}
	s.serveTile(w, r, id, src, rest)
}

func (s *Server) serveTileJSON(w http.ResponseWriter, r *http.Request, id string, src source.TileSource) {
	data, err := src.TileJSON().MarshalCompact()
	if err != nil {
		s.requests.WithLabelValues(id, "500").Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
	s.requests.WithLabelValues(id, "200").Inc()
}

func (s *Server) serveTile(w http.ResponseWriter, r *http.Request, id string, src source.TileSource, rest string) {
	coord, ext, err := parseTilePath(rest)
	if err != nil {
		s.requests.WithLabelValues(id, "400").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tile, err := src.GetTile(r.Context(), coord)
	if err != nil {
		s.requests.WithLabelValues(id, "500").Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tile == nil {
		s.requests.WithLabelValues(id, "404").Inc()
		http.NotFound(w, r)
		return
	}

	format := tile.Format()
	if ext != "" {
		if requested := tiles.FormatFromExtension(ext); requested != tiles.FormatUnknown {
			format = requested
		}
	}

	target := negotiateAcceptEncoding(r.Header.Get("Accept-Encoding"))
	blob, err := tile.AsBlob(src.Metadata().TileCompression)
	if err != nil {
		s.requests.WithLabelValues(id, "500").Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	outBlob, outComp, err := codec.OptimizeCompression(blob, src.Metadata().TileCompression, target)
	if err != nil {
		s.requests.WithLabelValues(id, "500").Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if mime, ok := format.MimeType(); ok {
		w.Header().Set("Content-Type", mime)
	}
	if enc := contentEncodingHeader(outComp); enc != "" {
		w.Header().Set("Content-Encoding", enc)
	}
	w.Header().Set("Content-Length", strconv.Itoa(outBlob.Len()))
	w.Write(outBlob.Bytes())
	s.requests.WithLabelValues(id, "200").Inc()
}

func contentEncodingHeader(c tiles.TileCompression) string {
	switch c {
	case tiles.CompressionGzip:
		return "gzip"
	case tiles.CompressionBrotli:
		return "br"
	default:
		return ""
	}
}

// parseTilePath parses "<z>/<x>/<y>[.ext]" into a TileCoord and optional
// extension.
func parseTilePath(rest string) (tiles.TileCoord, string, error) {
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return tiles.TileCoord{}, "", fmt.Errorf("server: malformed tile path %q", rest)
	}
	z, err := strconv.Atoi(parts[0])
	if err != nil {
		return tiles.TileCoord{}, "", fmt.Errorf("server: bad zoom %q", parts[0])
	}
	x, err := strconv.Atoi(parts[1])
	if err != nil {
		return tiles.TileCoord{}, "", fmt.Errorf("server: bad x %q", parts[1])
	}
	yPart := parts[2]
	ext := ""
	if i := strings.LastIndex(yPart, "."); i >= 0 {
		ext = yPart[i+1:]
		yPart = yPart[:i]
	}
	y, err := strconv.Atoi(yPart)
	if err != nil {
		return tiles.TileCoord{}, "", fmt.Errorf("server: bad y %q", parts[2])
	}
	return tiles.NewTileCoord(uint8(z), uint32(x), uint32(y)), ext, nil
}

// negotiateAcceptEncoding implements spec.md §4/§6.8/§8's Accept-Encoding
// rule: no header allows identity only; identity is allowed unless
// explicitly disabled with q=0; gzip/br are allowed if named with q>0, or
// if unlisted and "*" carries q>0. Unknown tokens (e.g. deflate) are
// ignored. best_compression is always requested so brotli is preferred
// over gzip when both are acceptable.
func negotiateAcceptEncoding(header string) codec.TargetCompression {
	target := codec.TargetCompression{Uncompressed: true, BestCompression: true}
	if header == "" {
		return target
	}

	type entry struct {
		q float64
	}
	named := make(map[string]entry)
	var star *entry
	for _, raw := range strings.Split(header, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		name := raw
		q := 1.0
		if i := strings.Index(raw, ";"); i >= 0 {
			name = strings.TrimSpace(raw[:i])
			params := raw[i+1:]
			for _, p := range strings.Split(params, ";") {
				p = strings.TrimSpace(p)
				if strings.HasPrefix(p, "q=") {
					if v, err := strconv.ParseFloat(strings.TrimPrefix(p, "q="), 64); err == nil {
						q = v
					}
				}
			}
		}
		name = strings.ToLower(name)
		if name == "*" {
			e := entry{q: q}
			star = &e
			continue
		}
		named[name] = entry{q: q}
	}

	if e, ok := named["identity"]; ok {
		target.Uncompressed = e.q > 0
	}

	allowed := func(name string) bool {
		if e, ok := named[name]; ok {
			return e.q > 0
		}
		return star != nil && star.q > 0
	}
	target.Gzip = allowed("gzip")
	target.Brotli = allowed("br")
	return target
}

// Serve is a convenience wrapper mirroring the teacher's
// http.ListenAndServe call in main.go, accepting a context so callers can
// shut the server down gracefully.
func Serve(ctx context.Context, addr string, s *Server) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	return srv.ListenAndServe()
}

package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/adamPlusPlus/allogi-sub000/internal/adapters/store/archive"
	"github.com/adamPlusPlus/allogi-sub000/internal/config"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/errclass"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/logger"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/ports"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/services"
)

// Deps collects everything the HTTP layer talks to. All fields are
// required except Archives, which disables the download endpoint when nil.
type Deps struct {
	Config     config.ServerConfig
	Store      ports.EntryStore
	Ingest     *services.IngestService
	Rotation   *services.RotationService
	Health     *services.HealthService
	Metrics    *services.MetricsService
	Export     *services.ExportService
	Classifier *errclass.Classifier
	Limiter    ports.RateLimiter
	Hub        *Hub
	Archives   *archive.Reader
}

type Server struct {
	router     *chi.Mux
	cfg        config.ServerConfig
	log        *slog.Logger
	store      ports.EntryStore
	ingest     *services.IngestService
	rotation   *services.RotationService
	health     *services.HealthService
	metrics    *services.MetricsService
	export     *services.ExportService
	classifier *errclass.Classifier
	limiter    ports.RateLimiter
	hub        *Hub
	archives   *archive.Reader
	srv        *http.Server
}

func NewServer(deps Deps) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		cfg:        deps.Config,
		log:        logger.Component("http"),
		store:      deps.Store,
		ingest:     deps.Ingest,
		rotation:   deps.Rotation,
		health:     deps.Health,
		metrics:    deps.Metrics,
		export:     deps.Export,
		classifier: deps.Classifier,
		limiter:    deps.Limiter,
		hub:        deps.Hub,
		archives:   deps.Archives,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Source-ID", "X-Source-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	s.router.Use(Instrument(s.metrics))

	// Ingest routes share the per-source rate limit; everything else is
	// operator traffic and stays unthrottled.
	s.router.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/logs", s.handleIngest)
		r.Post("/logs/batch", s.handleIngest)
		r.Get("/logs", s.handleIngestForm)
		r.Post("/api/monitoring", s.handleIngestMonitoring)
	})

	s.router.Route("/api/logs", func(r chi.Router) {
		r.Get("/", s.handleQueryLogs)
		r.Delete("/", s.handleClearLogs)
		r.Get("/recursive", s.handleRecursiveLogs)
	})

	s.router.Get("/api/monitoring", s.handleMonitoringSummary)
	s.router.Get("/api/sources", s.handleSources)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/health/{component}", s.handleHealthComponent)

	s.router.Get("/metrics", s.handleMetrics)
	s.router.Get("/metrics/errors", s.handleErrorStats)
	s.router.Handle("/metrics/prometheus", MetricsHandler())

	s.router.Route("/api/archives", func(r chi.Router) {
		r.Get("/", s.handleListArchives)
		r.Post("/rotate", s.handleRotate)
		r.Get("/{filename}", s.handleArchiveDownload)
	})

	s.router.Get("/api/export/{kind}", s.handleExport)

	s.router.Get("/ws", s.handleWS)
}

// Handler exposes the routed mux, mainly for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("listening", "addr", addr)
	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, errclass.Wrap(errclass.CategoryValidation, err, "request body unreadable"))
		return
	}
	src := sourceInfo(r)

	if !isJSONRequest(r) {
		entry := s.ingest.IngestText(r.Context(), body, src)
		RecordIngested(string(entry.Quality), 1)
		writeJSON(w, http.StatusAccepted, entry)
		return
	}

	res := s.ingest.IngestJSON(r.Context(), body, src)
	for _, item := range res.Items {
		if item.Accepted {
			RecordIngested(string(item.Quality), 1)
		}
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleIngestForm(w http.ResponseWriter, r *http.Request) {
	entry := s.ingest.IngestForm(r.Context(), r.URL.Query(), sourceInfo(r))
	RecordIngested(string(entry.Quality), 1)
	writeJSON(w, http.StatusAccepted, entry)
}

func (s *Server) handleIngestMonitoring(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, errclass.Wrap(errclass.CategoryValidation, err, "request body unreadable"))
		return
	}
	datum, err := s.ingest.IngestMonitoring(r.Context(), body, sourceInfo(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, datum)
}

func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := entryFilterFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.Query(filter))
}

func (s *Server) handleRecursiveLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := entryFilterFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter.RecursiveOnly = true
	writeJSON(w, http.StatusOK, s.store.Query(filter))
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	cleared := s.rotation.Clear(r.Context(), "manual")
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleMonitoringSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Monitoring())
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	sources := s.store.Sources()
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": sources,
		"count":   len(sources),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.CheckAll(r.Context())
	status := http.StatusOK
	if report.Status.Degraded() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleHealthComponent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "component")
	result, ok := s.health.Component(r.Context(), name)
	if !ok {
		s.writeError(w, r, errclass.Newf(errclass.CategoryNotFound, "no health check named %q", name))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleErrorStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.ErrorStats())
}

func (s *Server) handleListArchives(w http.ResponseWriter, r *http.Request) {
	files, err := s.rotation.Archives(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"archives": files,
		"count":    len(files),
	})
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	meta, err := s.rotation.Rotate(r.Context(), "manual")
	if err != nil {
		if errors.Is(err, ports.ErrRotationInProgress) {
			err = errclass.Wrap(errclass.CategoryConflict, err, "a rotation is already running")
		}
		s.writeError(w, r, err)
		return
	}
	if meta.Filename != "" {
		RecordRotation(meta.EntryCount)
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleArchiveDownload(w http.ResponseWriter, r *http.Request) {
	if s.archives == nil {
		s.writeError(w, r, errclass.New(errclass.CategoryServiceUnavailable, "archive downloads are disabled"))
		return
	}
	name := chi.URLParam(r, "filename")
	if err := archive.ValidateName(name); err != nil {
		s.writeError(w, r, err)
		return
	}

	// A zstd archive requested as application/json is decompressed on the
	// way out; everything else streams as stored.
	if strings.HasSuffix(name, ".zst") && strings.Contains(r.Header.Get("Accept"), "application/json") {
		data, err := s.archives.Read(name)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
		return
	}

	data, err := s.archives.ReadRaw(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	contentType := "application/json"
	if strings.HasSuffix(name, ".zst") {
		contentType = "application/zstd"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Write(data)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}

	var run func(io.Writer) error
	switch kind {
	case "logs":
		filter, err := entryFilterFromQuery(r.URL.Query())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		run = func(out io.Writer) error { return s.export.ExportLogs(out, format, filter) }
	case "monitoring":
		run = func(out io.Writer) error { return s.export.ExportMonitoring(out, format) }
	case "backup":
		run = func(out io.Writer) error { return s.export.ExportBackup(out, format) }
	default:
		s.writeError(w, r, errclass.Newf(errclass.CategoryNotFound, "unknown export kind %q", kind))
		return
	}

	contentType := "application/json"
	switch format {
	case "json":
	case "csv":
		if kind == "backup" {
			s.writeError(w, r, errclass.New(errclass.CategoryValidation, "backup export supports only json"))
			return
		}
		contentType = "text/csv"
	default:
		s.writeError(w, r, errclass.Newf(errclass.CategoryValidation, "unsupported export format %q", format))
		return
	}

	filename := fmt.Sprintf("allogi-%s-%s.%s", kind, time.Now().UTC().Format("20060102-150405"), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := run(w); err != nil {
		// Headers are gone once streaming starts; the failure still shows
		// up in the recursive stream via the error mirror.
		s.log.Error("export aborted mid-stream", "kind", kind, "format", format, "error", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := s.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

// isJSONRequest decides which ingest path a body takes. A missing content
// type is treated as a JSON attempt; the parser downgrades non-JSON bodies
// to quality=malformed rather than rejecting them.
func isJSONRequest(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || mt == "text/json" || strings.HasSuffix(mt, "+json")
}

func entryFilterFromQuery(q url.Values) (domain.EntryFilter, error) {
	var f domain.EntryFilter
	if v := q.Get("level"); v != "" {
		f.Level = domain.ParseLevel(v)
	}
	f.ScriptID = q.Get("scriptId")
	f.SourceID = q.Get("sourceId")
	f.Search = q.Get("search")

	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errclass.Newf(errclass.CategoryValidation, "start %q is not an RFC 3339 timestamp", v)
		}
		f.Start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errclass.Newf(errclass.CategoryValidation, "end %q is not an RFC 3339 timestamp", v)
		}
		f.End = t
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Offset = n
		}
	}
	return f, nil
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/invisithreat/invisithreat/internal/enrich"
	"github.com/invisithreat/invisithreat/internal/scanner"
	"github.com/invisithreat/invisithreat/internal/store"
	"go.uber.org/zap"
)

const maxUploadBytes = 32 << 20

type ScanPublisher interface {
	PublishScanCompleted(source string, summary scanner.Summary) error
}

type Dependencies struct {
	Matcher   *scanner.Matcher
	Store     store.Store
	Enricher  *enrich.Enricher
	Publisher ScanPublisher
	Health    http.Handler
	Project   scanner.ProjectOptions
	Logger    *zap.Logger
}

type Server struct {
	matcher   *scanner.Matcher
	store     store.Store
	enricher  *enrich.Enricher
	publisher ScanPublisher
	health    http.Handler
	project   scanner.ProjectOptions
	logger    *zap.Logger

	mu         sync.Mutex
	httpServer *http.Server // Store server instance for graceful shutdown
	stopped    bool
}

type FileScanResponse struct {
	Filename string            `json:"filename"`
	Summary  scanner.Summary   `json:"summary"`
	Findings []scanner.Finding `json:"findings"`
}

type ProjectScanResponse struct {
	Summary  scanner.Summary   `json:"summary"`
	Findings []scanner.Finding `json:"findings"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func NewServer(deps Dependencies) *Server {
	if deps.Matcher == nil {
		deps.Matcher = scanner.NewMatcher()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Server{
		matcher:   deps.Matcher,
		store:     deps.Store,
		enricher:  deps.Enricher,
		publisher: deps.Publisher,
		health:    deps.Health,
		project:   deps.Project,
		logger:    deps.Logger.Named("http"),
	}
}

// Handler returns the routed API, usable without Start.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /scan-file", s.handleScanFile)
	mux.HandleFunc("POST /scan-project", s.handleScanProject)
	mux.HandleFunc("GET /vulnerabilities", s.handleListVulnerabilities)
	if s.health != nil {
		mux.Handle("GET /health", s.health)
	}

	return s.logRequests(s.enableCORS(mux))
}

func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", zap.String("addr", addr))
	return srv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server with a timeout.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.logger.Info("stopping HTTP server")

	// 5 second timeout for graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return srv.Shutdown(ctx)
}

func (s *Server) handleScanFile(w http.ResponseWriter, r *http.Request) {
	includeAI, err := parseQueryBool(r.URL.Query().Get("include_ai"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "include_ai must be a boolean")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "A multipart file field named 'file' is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to read uploaded file: %v", err))
		return
	}

	findings := s.matcher.Scan(scanner.Decode(content))
	if includeAI {
		findings = s.enricher.EnrichBatch(r.Context(), findings)
	}

	items := make([]store.NewVulnerability, len(findings))
	for i, f := range findings {
		items[i] = store.NewVulnerability{Pattern: f.Pattern, Severity: f.Severity.String()}
	}

	ids, err := s.store.InsertBatch(r.Context(), items)
	if err != nil {
		s.logger.Error("failed to persist scan results",
			zap.String("filename", header.Filename),
			zap.Int("findings", len(findings)),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to persist scan results")
		return
	}

	s.enricher.Schedule(ids, findings)

	summary := scanner.Summarize(findings)
	s.publishScan(header.Filename, summary)

	s.logger.Info("scanned file",
		zap.String("filename", header.Filename),
		zap.Int("total", summary.Total),
		zap.Bool("include_ai", includeAI))

	writeJSON(w, http.StatusOK, FileScanResponse{
		Filename: header.Filename,
		Summary:  summary,
		Findings: findings,
	})
}

func (s *Server) handleScanProject(w http.ResponseWriter, r *http.Request) {
	root := r.URL.Query().Get("path")
	if root == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}

	findings, err := s.matcher.ScanProject(root, s.project)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusBadRequest,
				"Path not found: the provided path does not exist on the server. "+
					"Mount the folder into the service or use /scan-file instead.")
			return
		}
		s.logger.Error("project scan failed", zap.String("path", root), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Project scan failed")
		return
	}

	for i := range findings {
		findings[i].AIRecommendation = s.enricher.Recommend(r.Context(), findings[i])
	}

	summary := scanner.Summarize(findings)
	s.publishScan(root, summary)

	s.logger.Info("scanned project", zap.String("path", root), zap.Int("total", summary.Total))

	writeJSON(w, http.StatusOK, ProjectScanResponse{
		Summary:  summary,
		Findings: findings,
	})
}

func (s *Server) handleListVulnerabilities(w http.ResponseWriter, r *http.Request) {
	vulns, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list vulnerabilities", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to list vulnerabilities")
		return
	}

	writeJSON(w, http.StatusOK, vulns)
}

func (s *Server) publishScan(source string, summary scanner.Summary) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishScanCompleted(source, summary); err != nil {
		s.logger.Warn("failed to publish scan event", zap.Error(err))
	}
}

// parseQueryBool accepts the usual spellings of a boolean flag; empty is false.
func parseQueryBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return false, nil
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	return strconv.ParseBool(value)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/quoteline/rating/internal/logger"
	"github.com/quoteline/rating/rating"
)

type Server struct {
	db        *sql.DB // nil when running on in-memory stores
	versions  rating.VersionStore
	testCases rating.TestCaseStore
	engine    *rating.Engine
	router    *chi.Mux
}

func NewServer(databaseURL string) (*Server, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	versions := rating.NewPostgresVersionStore(db)
	s := &Server{
		db:        db,
		versions:  versions,
		testCases: rating.NewPostgresTestCaseStore(db),
		engine:    rating.NewEngine(versions),
	}
	s.setupRoutes()
	return s, nil
}

// NewServerWithStores wires the server onto caller-supplied stores. Used by
// tests to run the full HTTP surface without a database.
func NewServerWithStores(versions rating.VersionStore, testCases rating.TestCaseStore) *Server {
	s := &Server{
		versions:  versions,
		testCases: testCases,
		engine:    rating.NewEngine(versions),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/api/v1/health", s.handleHealth)

	r.Route("/api/v1/programs/{programId}/versions", func(r chi.Router) {
		r.Post("/", s.handleCreateVersion)
		r.Get("/", s.handleListVersions)

		r.Route("/{version}", func(r chi.Router) {
			r.Get("/", s.handleGetVersion)
			r.Put("/steps", s.handleUpdateSteps)
			r.Post("/transition", s.handleTransition)
			r.Post("/validate", s.handleValidate)
			r.Post("/evaluate", s.handleEvaluate)

			r.Post("/tests", s.handleCreateTestCase)
			r.Get("/tests", s.handleListTestCases)
			r.Delete("/tests/{testId}", s.handleDeleteTestCase)
			r.Post("/tests/run", s.handleRunTests)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// resolveVersion turns the {programId}/{version} path pair into a stored
// version. The version segment is the program-scoped version number.
func (s *Server) resolveVersion(w http.ResponseWriter, r *http.Request) *rating.RateProgramVersion {
	programID := chi.URLParam(r, "programId")
	number, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "version must be an integer", err)
		return nil
	}

	v, err := s.versions.GetByProgramVersion(programID, number)
	if err != nil {
		respondError(w, http.StatusNotFound, "version not found", err)
		return nil
	}
	return v
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Create version handler
func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	programID := chi.URLParam(r, "programId")

	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Version <= 0 {
		respondError(w, http.StatusBadRequest, "version must be a positive integer", nil)
		return
	}
	if req.FinalPremiumFieldCode == "" {
		respondError(w, http.StatusBadRequest, "finalPremiumFieldCode is required", nil)
		return
	}

	v := &rating.RateProgramVersion{
		ID:                    uuid.New().String(),
		RateProgramID:         programID,
		Version:               req.Version,
		FinalPremiumFieldCode: req.FinalPremiumFieldCode,
		Steps:                 req.Steps,
	}
	if v.Steps == nil {
		v.Steps = []rating.RatingStep{}
	}

	if err := s.versions.Create(v); err != nil {
		respondError(w, http.StatusConflict, "failed to create version", err)
		return
	}

	logger.Info("version created", "programId", programID, "version", req.Version, "id", v.ID)
	respondJSON(w, http.StatusCreated, v)
}

// List versions handler
func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	programID := chi.URLParam(r, "programId")

	versions, err := s.versions.ListByProgram(programID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list versions", err)
		return
	}
	if versions == nil {
		versions = []*rating.RateProgramVersion{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
	})
}

// Get version handler
func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v := s.resolveVersion(w, r)
	if v == nil {
		return
	}
	respondJSON(w, http.StatusOK, v)
}

// Update steps handler
func (s *Server) handleUpdateSteps(w http.ResponseWriter, r *http.Request) {
	v := s.resolveVersion(w, r)
	if v == nil {
		return
	}

	var req UpdateStepsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.FinalPremiumFieldCode == "" {
		req.FinalPremiumFieldCode = v.FinalPremiumFieldCode
	}

	if err := s.versions.UpdateSteps(v.ID, req.Steps, req.FinalPremiumFieldCode); err != nil {
		respondError(w, http.StatusConflict, "failed to update steps", err)
		return
	}

	updated, err := s.versions.Get(v.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to reload version", err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// Transition handler
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	v := s.resolveVersion(w, r)
	if v == nil {
		return
	}

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Status == "" {
		respondError(w, http.StatusBadRequest, "status is required", nil)
		return
	}

	// Publishing freezes the steps hash, so it goes through the engine
	// rather than a plain status update.
	if req.Status == rating.StatusPublished {
		var knownTables map[string]bool
		if req.KnownTables != nil {
			knownTables = make(map[string]bool, len(req.KnownTables))
			for _, id := range req.KnownTables {
				knownTables[id] = true
			}
		}
		published, err := s.engine.Publish(v.ID, knownTables)
		if err != nil {
			respondError(w, http.StatusConflict, "failed to publish version", err)
			return
		}
		logger.Info("version published", "id", v.ID, "stepsHash", published.StepsHash)
		respondJSON(w, http.StatusOK, published)
		return
	}

	if err := s.engine.Transition(v.ID, req.Status); err != nil {
		respondError(w, http.StatusConflict, "failed to transition version", err)
		return
	}

	updated, err := s.versions.Get(v.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to reload version", err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// Validate handler
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	v := s.resolveVersion(w, r)
	if v == nil {
		return
	}

	var req ValidateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	var knownTables map[string]bool
	if req.KnownTables != nil {
		knownTables = make(map[string]bool, len(req.KnownTables))
		for _, id := range req.KnownTables {
			knownTables[id] = true
		}
	}

	validation, err := s.engine.Validate(v.ID, knownTables)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "validation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, validation)
}

// Evaluate handler
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	v := s.resolveVersion(w, r)
	if v == nil {
		return
	}

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	ctx := &rating.EvaluationContext{
		Inputs:        req.Inputs,
		State:         req.State,
		EffectiveDate: req.EffectiveDate,
		Tables:        req.Tables,
	}

	result, err := s.engine.Evaluate(v.ID, ctx)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "evaluation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Create test case handler
func (s *Server) handleCreateTestCase(w http.ResponseWriter, r *http.Request) {
	v := s.resolveVersion(w, r)
	if v == nil {
		return
	}

	var tc rating.RatingTestCase
	if err := json.NewDecoder(r.Body).Decode(&tc); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if tc.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	tc.ID = uuid.New().String()
	tc.RateProgramVersionID = v.ID

	if err := s.testCases.Add(&tc); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create test case", err)
		return
	}
	respondJSON(w, http.StatusCreated, &tc)
}

// List test cases handler
func (s *Server) handleListTestCases(w http.ResponseWriter, r *http.Request) {
	v := s.resolveVersion(w, r)
	if v == nil {
		return
	}

	cases, err := s.testCases.ListForVersion(v.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list test cases", err)
		return
	}
	if cases == nil {
		cases = []*rating.RatingTestCase{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"testCases": cases,
	})
}

// Delete test case handler
func (s *Server) handleDeleteTestCase(w http.ResponseWriter, r *http.Request) {
	if v := s.resolveVersion(w, r); v == nil {
		return
	}
	testID := chi.URLParam(r, "testId")

	if err := s.testCases.Delete(testID); err != nil {
		respondError(w, http.StatusNotFound, "test case not found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Run tests handler
func (s *Server) handleRunTests(w http.ResponseWriter, r *http.Request) {
	v := s.resolveVersion(w, r)
	if v == nil {
		return
	}

	results, err := s.engine.RunTestSuite(s.testCases, v.ID)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "test run failed", err)
		return
	}

	passed := 0
	for _, run := range results {
		if run.Passed {
			passed++
		}
	}
	logger.Info("test suite finished", "versionId", v.ID, "total", len(results), "passed", passed)

	respondJSON(w, http.StatusOK, map[string]any{
		"total":   len(results),
		"passed":  passed,
		"failed":  len(results) - passed,
		"results": results,
	})
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal("DATABASE_URL environment variable is required")
	}

	server, err := NewServer(databaseURL)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}
	defer server.db.Close()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("server starting", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

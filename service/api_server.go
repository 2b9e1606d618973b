package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/cors"

	"github.com/ethereum-optimism/op-suite-runner/metrics"
	"github.com/ethereum-optimism/op-suite-runner/types"
)

const (
	DefaultVerdictCacheSize = 1024
	maxRequestBodyBytes     = 10 << 20
)

// Executor runs execution requests on behalf of the API.
type Executor interface {
	// Resolve fetches remote batches and validates the request before it is accepted.
	Resolve(ctx context.Context, req *types.ExecutionRequest) error
	// Execute blocks until the verdict of the request is published.
	Execute(ctx context.Context, req *types.ExecutionRequest) (*types.Verdict, error)
}

type ExecutionStatus string

const (
	StatusRunning  ExecutionStatus = "running"
	StatusFinished ExecutionStatus = "finished"
	StatusFailed   ExecutionStatus = "failed"
)

type executionResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Status        ExecutionStatus `json:"status"`
	Verdict       *types.Verdict  `json:"verdict,omitempty"`
	Error         string          `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// APIServer accepts execution requests over HTTP and serves their verdicts.
//
//	POST /v1/executions       -> 202 with the correlation id
//	GET  /v1/executions/{id}  -> 200 verdict, 202 still running, 404 unknown
type APIServer struct {
	executor Executor
	log      log.Logger

	mu       sync.Mutex
	running  map[string]struct{}
	verdicts *lru.Cache // correlation id -> executionResponse

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	server *http.Server
	closed bool
}

func NewAPIServer(executor Executor, cacheSize int, logger log.Logger) (*APIServer, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultVerdictCacheSize
	}
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	verdicts, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &APIServer{
		executor: executor,
		log:      logger.New("component", "api"),
		running:  make(map[string]struct{}),
		verdicts: verdicts,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Handler returns the API routes wrapped with CORS.
func (a *APIServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/executions", a.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/v1/executions/{id}", a.handleGet).Methods(http.MethodGet)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	return c.Handler(r)
}

// Start serves the API on addr until Shutdown is called.
func (a *APIServer) Start(addr string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return http.ErrServerClosed
	}
	a.server = &http.Server{
		Handler: a.Handler(),
		Addr:    addr,
	}
	srv := a.server
	a.mu.Unlock()
	a.log.Info("starting API server", "addr", addr)
	return srv.ListenAndServe()
}

// Shutdown stops accepting requests, cancels running executions and waits for their verdicts.
func (a *APIServer) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.closed = true
	a.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

// Wait blocks until every accepted execution has finished.
func (a *APIServer) Wait() {
	a.wg.Wait()
}

func (a *APIServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	// Unknown fields are rejected, as they are for request files.
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	var req types.ExecutionRequest
	if err := dec.Decode(&req); err != nil {
		writeAPIResponse(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}

	if err := a.executor.Resolve(r.Context(), &req); err != nil {
		code := http.StatusBadGateway
		if types.IsInvalidRequest(err) {
			code = http.StatusBadRequest
		}
		a.log.Warn("Rejected execution request", "correlation_id", req.CorrelationID, "err", err)
		writeAPIResponse(w, code, errorResponse{Error: err.Error()})
		return
	}

	if code := a.reserve(req.CorrelationID); code != http.StatusAccepted {
		writeAPIResponse(w, code, errorResponse{
			Error: fmt.Sprintf("execution %s not accepted: %s", req.CorrelationID, http.StatusText(code)),
		})
		return
	}
	go a.execute(&req)

	a.log.Info("Accepted execution request", "correlation_id", req.CorrelationID)
	writeAPIResponse(w, http.StatusAccepted, executionResponse{
		CorrelationID: req.CorrelationID,
		Status:        StatusRunning,
	})
}

func (a *APIServer) execute(req *types.ExecutionRequest) {
	defer a.wg.Done()

	resp := executionResponse{CorrelationID: req.CorrelationID, Status: StatusFinished}
	verdict, err := a.executor.Execute(a.ctx, req)
	resp.Verdict = verdict
	if err != nil {
		resp.Error = err.Error()
		if verdict == nil {
			resp.Status = StatusFailed
		}
		a.log.Error("Execution failed", "correlation_id", req.CorrelationID, "err", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.running, req.CorrelationID)
	a.verdicts.Add(req.CorrelationID, resp)
}

// reserve marks a correlation id as running and accounts for its execution goroutine.
// Known correlation ids are a conflict, and nothing is accepted once shutdown started.
func (a *APIServer) reserve(correlationID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return http.StatusServiceUnavailable
	}
	if _, ok := a.running[correlationID]; ok {
		return http.StatusConflict
	}
	if a.verdicts.Contains(correlationID) {
		return http.StatusConflict
	}
	a.running[correlationID] = struct{}{}
	a.wg.Add(1)
	return http.StatusAccepted
}

func (a *APIServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	a.mu.Lock()
	_, running := a.running[id]
	cached, done := a.verdicts.Get(id)
	a.mu.Unlock()

	switch {
	case done:
		writeAPIResponse(w, http.StatusOK, cached.(executionResponse))
	case running:
		writeAPIResponse(w, http.StatusAccepted, executionResponse{CorrelationID: id, Status: StatusRunning})
	default:
		writeAPIResponse(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("unknown execution %s", id)})
	}
}

func writeAPIResponse(w http.ResponseWriter, code int, body any) {
	payload, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		log.Error("failed to marshal API response", "err", err)
		code = http.StatusInternalServerError
		payload = []byte(`{"error":"internal server error"}`)
	}

	metrics.RecordHTTPResponse(code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(payload); err != nil {
		log.Error("failed to write API response", "err", err)
	}
}

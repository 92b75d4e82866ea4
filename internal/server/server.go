package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"EqualisLedger/internal/core"
	"EqualisLedger/internal/event"
	"EqualisLedger/internal/ingestion"
	"EqualisLedger/internal/ledger"
	"EqualisLedger/internal/observability"
	"EqualisLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server exposes the query surface over HTTP/JSON and the health service
// over gRPC.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	deps       *ServerDeps
	log        zerolog.Logger
}

// ServerDeps holds everything the handlers need. Admin may be nil to
// disable command injection over HTTP.
type ServerDeps struct {
	Runner        *core.Runner
	QueryService  *query.QueryService
	Admin         *ingestion.AdminIngest
	HealthChecker *observability.HealthChecker
}

func NewServer(grpcAddr, httpAddr string, deps *ServerDeps, log zerolog.Logger) *Server {
	grpcServer := grpc.NewServer()
	if deps.HealthChecker != nil {
		healthpb.RegisterHealthServer(grpcServer, deps.HealthChecker.GRPCServer())
	}
	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer: grpcServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		deps:       deps,
		log:        log,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON server (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the HTTP routes.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	routes := []route{
		{"GET", "/v1/status", s.handleStatus},
		{"GET", "/v1/pools", s.handleListPools},
		{"GET", "/v1/pools/{pool_id}", s.handleGetPool},
		{"GET", "/v1/pools/{pool_id}/positions/{position_key}", s.handleGetPosition},
		{"GET", "/v1/pools/{pool_id}/positions/{position_key}/operations", s.handlePositionOperations},
	}
	if s.deps.Admin != nil {
		routes = append(routes, route{"POST", "/v1/commands", s.handleSubmitCommand})
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.path, err)
		}
	}

	httpMux := http.NewServeMux()
	if hc := s.deps.HealthChecker; hc != nil {
		httpMux.HandleFunc("/healthz", hc.LivenessHandler)
		httpMux.HandleFunc("/readyz", hc.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

type route struct {
	method, path string
	h            runtime.HandlerFunc
}

type statusResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	hash := s.deps.Runner.StateHash()
	writeJSON(w, http.StatusOK, statusResponse{
		Sequence:  s.deps.Runner.Sequence() - 1,
		StateHash: hex.EncodeToString(hash[:]),
	})
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	pools, err := s.deps.QueryService.ListPools(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request, params map[string]string) {
	poolID, err := parsePoolID(params["pool_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	pool, err := s.deps.QueryService.GetPool(r.Context(), poolID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	poolID, key, err := parsePosition(params)
	if err != nil {
		writeError(w, err)
		return
	}
	var ltv uint64
	if v := r.URL.Query().Get("ltv_bps"); v != "" {
		if ltv, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, badRequest("invalid ltv_bps %q", v))
			return
		}
	}
	pos, err := s.deps.QueryService.GetPosition(r.Context(), poolID, key, ltv)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handlePositionOperations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	poolID, key, err := parsePosition(params)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			writeError(w, badRequest("invalid limit %q", v))
			return
		}
	}
	ops, err := s.deps.QueryService.PositionOperations(r.Context(), poolID, key, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var cmd event.Command
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&cmd); err != nil {
		writeError(w, badRequest("%v", err))
		return
	}
	seq, err := s.deps.Admin.Submit(r.Context(), &cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"command_id": cmd.ID, "sequence": seq})
}

// --- helpers ---

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

func parsePoolID(s string) (ledger.PoolID, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, badRequest("invalid pool_id %q", s)
	}
	return ledger.PoolID(id), nil
}

func parsePosition(params map[string]string) (ledger.PoolID, ledger.PositionKey, error) {
	poolID, err := parsePoolID(params["pool_id"])
	if err != nil {
		return 0, ledger.PositionKey{}, err
	}
	key, err := ledger.ParsePositionKey(params["position_key"])
	if err != nil {
		return 0, ledger.PositionKey{}, badRequest("invalid position_key: %v", err)
	}
	return poolID, key, nil
}

func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, event.ErrMalformedCommand):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnknownPool):
		return http.StatusNotFound
	case errors.Is(err, core.ErrCommandRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, query.ErrNoHistory):
		return http.StatusNotImplemented
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Package server provides the admin HTTP API: operation submission,
// node status, peer views, and the conflict audit log.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/meshsync/internal/config"
	"github.com/devrev/meshsync/internal/crdt"
	"github.com/devrev/meshsync/internal/engine"
	"github.com/devrev/meshsync/internal/errors"
	"github.com/devrev/meshsync/internal/membership"
	"github.com/devrev/meshsync/internal/model"
	"github.com/devrev/meshsync/internal/storage"
)

// Admin is the HTTP surface over a running node.
type Admin struct {
	router     *mux.Router
	httpServer *http.Server
	engine     *engine.Engine
	membership *membership.Protocol
	backend    storage.Backend
	logger     *zap.Logger
	cfg        config.AdminConfig
	nodeID     string
}

func NewAdmin(cfg config.AdminConfig, nodeID string, eng *engine.Engine, mem *membership.Protocol, backend storage.Backend, logger *zap.Logger) *Admin {
	router := mux.NewRouter()
	a := &Admin{
		router:     router,
		engine:     eng,
		membership: mem,
		backend:    backend,
		logger:     logger,
		cfg:        cfg,
		nodeID:     nodeID,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
	a.setupRoutes()
	return a
}

func (a *Admin) setupRoutes() {
	a.router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)

	v1 := a.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/peers", a.handlePeers).Methods(http.MethodGet)
	v1.HandleFunc("/conflicts", a.handleConflicts).Methods(http.MethodGet)
	v1.HandleFunc("/operations", a.handleSubmitOperation).Methods(http.MethodPost)
	v1.HandleFunc("/records/{target}", a.handleGetRecord).Methods(http.MethodGet)
}

func (a *Admin) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	NodeID          string           `json:"node_id"`
	VectorClock     crdt.VectorClock `json:"vector_clock"`
	OperationLogLen int              `json:"operation_log_len"`
	ActiveView      int              `json:"active_view"`
	PassiveView     int              `json:"passive_view"`
}

func (a *Admin) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, statusResponse{
		NodeID:          a.nodeID,
		VectorClock:     a.engine.LocalClock(),
		OperationLogLen: a.engine.OperationLogLen(),
		ActiveView:      len(a.membership.ActiveView()),
		PassiveView:     len(a.membership.PassiveView()),
	})
}

type peersResponse struct {
	Active  []membership.NodeInfo `json:"active"`
	Passive []membership.NodeInfo `json:"passive"`
}

func (a *Admin) handlePeers(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, peersResponse{
		Active:  a.membership.ActiveView(),
		Passive: a.membership.PassiveView(),
	})
}

func (a *Admin) handleConflicts(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.engine.Conflicts())
}

type submitOperationRequest struct {
	Type    string `json:"operation_type"`
	Target  string `json:"target"`
	Payload []byte `json:"payload"`
}

func (a *Admin) handleSubmitOperation(w http.ResponseWriter, r *http.Request) {
	var req submitOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, errors.InvalidArgument("invalid request body", err))
		return
	}
	if req.Type == "" || req.Target == "" {
		a.writeError(w, http.StatusBadRequest,
			errors.InvalidArgument("operation_type and target are required", nil))
		return
	}

	op := model.SyncOperation{
		Type:    model.OperationType(req.Type),
		Target:  req.Target,
		Payload: req.Payload,
	}
	if err := a.engine.Apply(r.Context(), op); err != nil {
		status := http.StatusInternalServerError
		switch errors.GetCode(err) {
		case errors.ErrCodeBackpressure:
			status = http.StatusTooManyRequests
		case errors.ErrCodeInvalidArgument, errors.ErrCodeInvalidOperation:
			status = http.StatusBadRequest
		}
		a.writeError(w, status, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *Admin) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["target"]
	rec, ok, err := a.backend.Get(r.Context(), target)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		a.writeError(w, http.StatusNotFound,
			errors.InvalidArgument("record not found: "+target, nil))
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

func (a *Admin) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Warn("failed to write response", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (a *Admin) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, errorResponse{
		Error: err.Error(),
		Code:  int(errors.GetCode(err)),
	})
}

// Handler exposes the router for tests.
func (a *Admin) Handler() http.Handler {
	return a.router
}

// Start blocks serving until Shutdown.
func (a *Admin) Start() error {
	a.logger.Info("starting admin server", zap.String("addr", a.httpServer.Addr))
	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

func (a *Admin) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down admin server")
	return a.httpServer.Shutdown(ctx)
}

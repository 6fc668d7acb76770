package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pbinitiative/zencore/internal/config"
	"github.com/pbinitiative/zencore/internal/log"
	"github.com/pbinitiative/zencore/pkg/bpmn"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultDeleteBatchSize = 100
)

// Engine is the part of the bpmn engine exposed by the ops server.
type Engine interface {
	StartProcess(ctx context.Context, definitionKey int64, variables map[string]any) (runtime.ProcessInstance, error)
	FindProcessInstance(ctx context.Context, key int64) (runtime.ProcessInstance, error)
	ExecuteFlowNode(ctx context.Context, actingUserId, flowNodeKey int64, inputs map[string]any, requireReadyHumanTask bool) (bpmn.Outcome, error)
	AssignUserTask(ctx context.Context, flowNodeKey int64, userId int64) error
	Cancel(ctx context.Context, processInstanceKey int64) error
	Delete(ctx context.Context, processInstanceKey int64) error
	DeleteProcessInstances(ctx context.Context, definitionKey int64, startIndex, maxResults int) (int, error)
	Retry(ctx context.Context, flowNodeKey int64) error
}

var _ Engine = (*bpmn.Engine)(nil)

type Server struct {
	engine   Engine
	tenantId int64
	addr     string
	server   *http.Server
}

func NewServer(engine Engine, conf config.Config) *Server {
	s := Server{
		engine:   engine,
		tenantId: conf.Engine.TenantId,
		addr:     conf.Server.Addr,
	}
	s.server = &http.Server{
		ReadHeaderTimeout: 3 * time.Second,
		Handler:           s.Handler(conf),
		Addr:              conf.Server.Addr,
	}
	return &s
}

// Handler builds the router of the ops server.
func (s *Server) Handler(conf config.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(requestMetrics())
	routes := func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
		})
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Route("/v1", func(r chi.Router) {
			r.Use(session(s.tenantId))
			r.Post("/process-definitions/{definitionKey}/instances", s.startProcess)
			r.Delete("/process-definitions/{definitionKey}/instances", s.deleteProcessInstances)
			r.Get("/process-instances/{processInstanceKey}", s.getProcessInstance)
			r.Post("/process-instances/{processInstanceKey}/cancel", s.cancel)
			r.Delete("/process-instances/{processInstanceKey}", s.delete)
			r.Post("/flow-node-instances/{flowNodeKey}/execute", s.execute)
			r.Post("/flow-node-instances/{flowNodeKey}/assign", s.assign)
			r.Post("/flow-node-instances/{flowNodeKey}/retry", s.retry)
		})
	}
	if prefix := strings.TrimSuffix(conf.Server.Context, "/"); prefix != "" {
		r.Route(prefix, routes)
	} else {
		routes(r)
	}
	return otelhttp.NewHandler(r, "ops")
}

func (s *Server) Start() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	log.Info("ZenCore ops server listening on %s", listener.Addr())
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Error starting server: %s", err)
		}
	}()
	return listener, nil
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		log.Error("Error stopping server: %s", err)
	}
}

type StartProcessRequest struct {
	Variables map[string]any `json:"variables,omitempty"`
}

type ExecuteRequest struct {
	// ActingUserId defaults to the user of the session
	ActingUserId          *int64         `json:"actingUserId,omitempty"`
	Inputs                map[string]any `json:"inputs,omitempty"`
	RequireReadyHumanTask bool           `json:"requireReadyHumanTask"`
}

type ExecuteResponse struct {
	Outcome bpmn.Outcome `json:"outcome"`
}

type AssignRequest struct {
	UserId int64 `json:"userId"`
}

type DeleteBatchResponse struct {
	Deleted int `json:"deleted"`
}

type ProcessInstance struct {
	Key           int64     `json:"key"`
	DefinitionKey int64     `json:"definitionKey"`
	ProcessId     string    `json:"processId"`
	ParentKey     int64     `json:"parentKey"`
	RootKey       int64     `json:"rootKey"`
	State         string    `json:"state"`
	StartedBy     int64     `json:"startedBy"`
	StartedAt     time.Time `json:"startedAt"`
	EndedAt       time.Time `json:"endedAt,omitzero"`
}

func toProcessInstance(pi runtime.ProcessInstance) ProcessInstance {
	return ProcessInstance{
		Key:           pi.Key,
		DefinitionKey: pi.DefinitionKey,
		ProcessId:     pi.ProcessId,
		ParentKey:     pi.ParentKey,
		RootKey:       pi.RootKey,
		State:         string(pi.State),
		StartedBy:     pi.StartedBy,
		StartedAt:     pi.StartedAt,
		EndedAt:       pi.EndedAt,
	}
}

func (s *Server) startProcess(w http.ResponseWriter, r *http.Request) {
	definitionKey, ok := pathKey(w, r, "definitionKey")
	if !ok {
		return
	}
	var req StartProcessRequest
	if !readJSON(w, r, &req) {
		return
	}
	pi, err := s.engine.StartProcess(r.Context(), definitionKey, req.Variables)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProcessInstance(pi))
}

func (s *Server) getProcessInstance(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r, "processInstanceKey")
	if !ok {
		return
	}
	pi, err := s.engine.FindProcessInstance(r.Context(), key)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProcessInstance(pi))
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r, "processInstanceKey")
	if !ok {
		return
	}
	if err := s.engine.Cancel(r.Context(), key); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r, "processInstanceKey")
	if !ok {
		return
	}
	if err := s.engine.Delete(r.Context(), key); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteProcessInstances(w http.ResponseWriter, r *http.Request) {
	definitionKey, ok := pathKey(w, r, "definitionKey")
	if !ok {
		return
	}
	startIndex, ok := queryInt(w, r, "startIndex", 0, 0)
	if !ok {
		return
	}
	maxResults, ok := queryInt(w, r, "maxResults", DefaultDeleteBatchSize, 1)
	if !ok {
		return
	}
	deleted, err := s.engine.DeleteProcessInstances(r.Context(), definitionKey, startIndex, maxResults)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteBatchResponse{Deleted: deleted})
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r, "flowNodeKey")
	if !ok {
		return
	}
	var req ExecuteRequest
	if !readJSON(w, r, &req) {
		return
	}
	actingUserId := sessionUser(r.Context())
	if req.ActingUserId != nil {
		actingUserId = *req.ActingUserId
	}
	outcome, err := s.engine.ExecuteFlowNode(r.Context(), actingUserId, key, req.Inputs, req.RequireReadyHumanTask)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{Outcome: outcome})
}

func (s *Server) assign(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r, "flowNodeKey")
	if !ok {
		return
	}
	var req AssignRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.engine.AssignUserTask(r.Context(), key, req.UserId); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r, "flowNodeKey")
	if !ok {
		return
	}
	if err := s.engine.Retry(r.Context(), key); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func pathKey(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	key, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ApiError{
			Type:    TypeBadRequest,
			Message: fmt.Sprintf("invalid %s: %s", name, err),
		})
		return 0, false
	}
	return key, true
}

// queryInt reads an optional integer query parameter not below least.
func queryInt(w http.ResponseWriter, r *http.Request, name string, def, least int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < least {
		writeError(w, r, http.StatusBadRequest, ApiError{
			Type:    TypeBadRequest,
			Message: fmt.Sprintf("invalid %s: %q", name, raw),
		})
		return 0, false
	}
	return v, true
}

// readJSON decodes an optional request body into v.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, ApiError{
			Type:    TypeBadRequest,
			Message: fmt.Sprintf("invalid request body: %s", err),
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

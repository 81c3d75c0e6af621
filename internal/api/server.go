package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thatjpcsguy/minipaas/internal/autoscale"
	"github.com/thatjpcsguy/minipaas/internal/deploy"
	"github.com/thatjpcsguy/minipaas/internal/docker"
	"github.com/thatjpcsguy/minipaas/internal/registry"
)

// Deployer runs deploys and rollbacks
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) (deploy.Result, error)
	Redeploy(ctx context.Context, name string, env map[string]string, limits docker.Limits) (deploy.Result, error)
	Rollback(ctx context.Context, name, target string) (deploy.Result, error)
}

// Monitors starts and stops autoscale control loops
type Monitors interface {
	Start(name string, threshold int, logPath string) (autoscale.MonitorInfo, error)
	Stop(ctx context.Context, name string) error
	Active() []autoscale.MonitorInfo
}

// Workloads lists registered workloads
type Workloads interface {
	Get(name string) (registry.WorkloadRecord, bool)
	List() []registry.WorkloadRecord
}

// RedeployRequest is the body of a redeploy
type RedeployRequest struct {
	Env    map[string]string `json:"env,omitempty"`
	Limits docker.Limits     `json:"limits"`
}

// RollbackRequest is the body of a rollback
type RollbackRequest struct {
	Version string `json:"version"`
}

// MonitorRequest is the body of a monitor start
type MonitorRequest struct {
	Threshold int    `json:"threshold"`
	LogPath   string `json:"log_path,omitempty"`
}

// DeployResponse is the response to deploy, redeploy and rollback
type DeployResponse struct {
	APIResponse
	Result *deploy.Result `json:"result,omitempty"`
}

// MonitorResponse is the response to a monitor start
type MonitorResponse struct {
	APIResponse
	Monitor *autoscale.MonitorInfo `json:"monitor,omitempty"`
}

// WorkloadStatus is a registry record plus its monitor, if one is running
type WorkloadStatus struct {
	registry.WorkloadRecord
	Monitor *autoscale.MonitorInfo `json:"monitor,omitempty"`
}

// ListResponse is the response to a workload listing
type ListResponse struct {
	APIResponse
	Workloads []WorkloadStatus `json:"workloads"`
}

// WorkloadResponse is the response to a single workload lookup
type WorkloadResponse struct {
	APIResponse
	Workload *WorkloadStatus `json:"workload,omitempty"`
}

// Server is the daemon's HTTP API
type Server struct {
	deployer  Deployer
	monitors  Monitors
	workloads Workloads
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a server. gatherer may be nil to disable /metrics.
func NewServer(deployer Deployer, monitors Monitors, workloads Workloads, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deployer:  deployer,
		monitors:  monitors,
		workloads: workloads,
		gatherer:  gatherer,
		logger:    logger,
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, APIResponse{Error: &APIError{Code: CodeInvalidRequest, Message: "no such endpoint: " + r.URL.Path}})
	})
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/workloads", s.list).Methods(http.MethodGet)
	v1.HandleFunc("/workloads", s.deploy).Methods(http.MethodPost)
	v1.HandleFunc("/workloads/{name}", s.get).Methods(http.MethodGet)
	v1.HandleFunc("/workloads/{name}/redeploy", s.redeploy).Methods(http.MethodPost)
	v1.HandleFunc("/workloads/{name}/rollback", s.rollback).Methods(http.MethodPost)
	v1.HandleFunc("/workloads/{name}/monitor", s.startMonitor).Methods(http.MethodPost)
	v1.HandleFunc("/workloads/{name}/monitor", s.stopMonitor).Methods(http.MethodDelete)
	return r
}

// Serve accepts connections on l until Shutdown is called. Serve after
// Shutdown returns immediately.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("api listening", "addr", l.Addr().String())
	err := s.server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) deploy(w http.ResponseWriter, r *http.Request) {
	var req deploy.Request
	if !s.decode(w, r, &req) {
		return
	}
	s.logger.Info("received deploy request", "workload", req.Name, "source_url", req.SourceURL)

	res, err := s.deployer.Deploy(r.Context(), req)
	s.writeResult(w, http.StatusCreated, res, err)
}

func (s *Server) redeploy(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req RedeployRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.logger.Info("received redeploy request", "workload", name)

	res, err := s.deployer.Redeploy(r.Context(), name, req.Env, req.Limits)
	s.writeResult(w, http.StatusOK, res, err)
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req RollbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.logger.Info("received rollback request", "workload", name, "target", req.Version)

	res, err := s.deployer.Rollback(r.Context(), name, req.Version)
	s.writeResult(w, http.StatusOK, res, err)
}

func (s *Server) startMonitor(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req MonitorRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.logger.Info("received start-monitor request", "workload", name, "threshold", req.Threshold)

	info, err := s.monitors.Start(name, req.Threshold, req.LogPath)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MonitorResponse{Monitor: &info})
}

func (s *Server) stopMonitor(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.logger.Info("received stop-monitor request", "workload", name)

	if err := s.monitors.Stop(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{})
}

func (s *Server) list(w http.ResponseWriter, _ *http.Request) {
	monitors := s.activeMonitors()
	records := s.workloads.List()

	resp := ListResponse{Workloads: make([]WorkloadStatus, 0, len(records))}
	for _, rec := range records {
		resp.Workloads = append(resp.Workloads, WorkloadStatus{WorkloadRecord: rec, Monitor: monitors[rec.Name]})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rec, ok := s.workloads.Get(name)
	if !ok {
		s.writeError(w, registry.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, WorkloadResponse{
		Workload: &WorkloadStatus{WorkloadRecord: rec, Monitor: s.activeMonitors()[name]},
	})
}

func (s *Server) activeMonitors() map[string]*autoscale.MonitorInfo {
	out := map[string]*autoscale.MonitorInfo{}
	for _, m := range s.monitors.Active() {
		out[m.Name] = &m
	}
	return out
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, APIResponse{Error: &APIError{Code: CodeInvalidRequest, Message: err.Error()}})
	return false
}

func (s *Server) writeResult(w http.ResponseWriter, status int, res deploy.Result, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, status, DeployResponse{Result: &res})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	apiErr, status := newAPIError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "code", string(apiErr.Code), "error", err)
	}
	writeJSON(w, status, APIResponse{Error: apiErr})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

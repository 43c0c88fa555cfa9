// Package api is the scheduler's control-plane HTTP surface (spec §6):
// liveness/readiness, Prometheus metrics, a read-only orchid tree, and
// the five mutating operation endpoints.
//
// Grounded on the teacher's api.HealthServer
// (cuemby-warren/pkg/api/health.go): the same http.ServeMux-plus-
// handler-method shape and the same HealthResponse/ReadyResponse JSON
// envelope, generalized with an OrchidResponse and the mutating
// operation endpoints this scheduler needs that the teacher's health
// server didn't.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/clusterforge/scheduler/pkg/master"
	"github.com/clusterforge/scheduler/pkg/metrics"
	"github.com/clusterforge/scheduler/pkg/operation"
	"github.com/clusterforge/scheduler/pkg/scheduler"
	"github.com/clusterforge/scheduler/pkg/types"
)

// Server is the scheduler's HTTP control-plane surface.
type Server struct {
	sched *scheduler.Scheduler
	m     master.Master
	mux   *http.ServeMux
}

// NewServer builds a Server wired to sched and m, registering every
// route.
func NewServer(sched *scheduler.Scheduler, m master.Master) *Server {
	mux := http.NewServeMux()
	s := &Server{sched: sched, m: m, mux: mux}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/orchid", s.orchidHandler)

	mux.HandleFunc("/operations/start", s.startOperationHandler)
	mux.HandleFunc("/operations/abort", s.abortOperationHandler)
	mux.HandleFunc("/operations/suspend", s.suspendOperationHandler)
	mux.HandleFunc("/operations/resume", s.resumeOperationHandler)
	mux.HandleFunc("/operations/update-runtime-parameters", s.updateRuntimeParametersHandler)

	return s
}

// Handler returns the HTTP handler for embedding in another server or
// for ListenAndServe.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts the HTTP server on addr, matching the
// teacher's health server's timeout tuning.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// HealthResponse is the /health liveness-check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// ReadyResponse is the /ready readiness-check response.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if s.m != nil {
		if s.m.IsLeader() {
			checks["master"] = "leader"
		} else {
			checks["master"] = "follower"
		}
	} else {
		checks["master"] = "not initialized"
		ready = false
		message = "master not initialized"
	}

	if s.sched.Snapshots().Current() == nil {
		checks["snapshot"] = "not loaded"
		ready = false
		if message == "" {
			message = "no snapshot loaded yet"
		}
	} else {
		checks["snapshot"] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, ReadyResponse{Status: status, Timestamp: time.Now(), Checks: checks, Message: message})
}

// OrchidResponse is the read-only tree the CLI and dashboards poll
// (spec §6: "per-operation state, per-pool share and usage, per-job
// progress").
type OrchidResponse struct {
	Timestamp  time.Time               `json:"timestamp"`
	Pools      map[string]OrchidPool   `json:"pools"`
	Operations map[string]OrchidOp     `json:"operations"`
}

// OrchidPool is one pool's current share/usage numbers.
type OrchidPool struct {
	FairShareRatio    float64 `json:"fair_share_ratio"`
	DemandRatio       float64 `json:"demand_ratio"`
	SatisfactionRatio float64 `json:"satisfaction_ratio"`
}

// OrchidOp is one operation's current lifecycle state and job
// progress.
type OrchidOp struct {
	State          string `json:"state"`
	Suspended      bool   `json:"suspended"`
	ControllerEpoch uint64 `json:"controller_epoch"`
	RunningJobs    int    `json:"running_jobs"`
	WaitingJobs    int    `json:"waiting_jobs"`
	CompletedJobs  int    `json:"completed_jobs"`
}

func (s *Server) orchidHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.sched.Snapshots().Current()
	if snap == nil {
		http.Error(w, "no snapshot loaded yet", http.StatusServiceUnavailable)
		return
	}

	resp := OrchidResponse{
		Timestamp:  snap.Timestamp,
		Pools:      make(map[string]OrchidPool, len(snap.Pools)),
		Operations: make(map[string]OrchidOp, len(snap.Operations)),
	}

	for id, pool := range snap.Pools {
		resp.Pools[string(id)] = OrchidPool{
			FairShareRatio:    pool.Dynamic.FairShareRatio,
			DemandRatio:       pool.Dynamic.DemandRatio,
			SatisfactionRatio: pool.Dynamic.SatisfactionRatio,
		}
	}

	for id, op := range snap.Operations {
		jobIDs := snap.OperationToJobs[id]
		entry := OrchidOp{
			State:           string(op.State),
			Suspended:       op.Suspended,
			ControllerEpoch: op.ControllerEpoch,
		}
		for _, jobID := range jobIDs {
			job, ok := snap.Jobs[jobID]
			if !ok {
				continue
			}
			switch job.State {
			case types.JobRunning, types.JobCompleting:
				entry.RunningJobs++
			case types.JobWaiting:
				entry.WaitingJobs++
			case types.JobCompleted:
				entry.CompletedJobs++
			}
		}
		resp.Operations[string(id)] = entry
	}

	writeJSON(w, http.StatusOK, resp)
}

// StartOperationRequest is the POST body for /operations/start.
type StartOperationRequest struct {
	ID          types.OperationID       `json:"id"`
	Type        string                  `json:"type"`
	Owner       string                  `json:"owner"`
	Account     types.AccountID         `json:"account"`
	Assignments []types.PoolAssignment  `json:"assignments"`
}

func (s *Server) startOperationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req StartOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}

	op := &types.Operation{
		ID:          req.ID,
		Type:        req.Type,
		Owner:       req.Owner,
		Account:     req.Account,
		Assignments: req.Assignments,
		State:       types.OpStarting,
		CreatedAt:   time.Now(),
	}
	if err := s.sched.StartOperation(r.Context(), op); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": string(op.ID), "state": string(op.State)})
}

type operationIDRequest struct {
	ID types.OperationID `json:"id"`
}

func (s *Server) abortOperationHandler(w http.ResponseWriter, r *http.Request) {
	s.withMachine(w, r, func(ctx mutationContext) error {
		return ctx.mach.Abort(ctx.req.Context())
	})
}

func (s *Server) suspendOperationHandler(w http.ResponseWriter, r *http.Request) {
	s.withMachine(w, r, func(ctx mutationContext) error {
		return ctx.mach.Suspend(ctx.req.Context())
	})
}

func (s *Server) resumeOperationHandler(w http.ResponseWriter, r *http.Request) {
	s.withMachine(w, r, func(ctx mutationContext) error {
		return ctx.mach.Resume(ctx.req.Context())
	})
}

// UpdateRuntimeParametersRequest is the POST body for
// /operations/update-runtime-parameters.
type UpdateRuntimeParametersRequest struct {
	ID     types.OperationID     `json:"id"`
	Tree   string                `json:"tree"`
	Params types.RuntimeParameters `json:"params"`
}

func (s *Server) updateRuntimeParametersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req UpdateRuntimeParametersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}

	mach, ok := s.sched.Machine(req.ID)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown operation %s", req.ID), http.StatusNotFound)
		return
	}

	op := mach.Operation()
	updated := *op
	updated.Assignments = make([]types.PoolAssignment, len(op.Assignments))
	copy(updated.Assignments, op.Assignments)
	found := false
	for i, assign := range updated.Assignments {
		if assign.Tree == req.Tree {
			updated.Assignments[i].Params = req.Params
			found = true
			break
		}
	}
	if !found {
		http.Error(w, fmt.Sprintf("operation %s has no assignment in tree %q", req.ID, req.Tree), http.StatusBadRequest)
		return
	}

	if err := s.m.UpdateOperationNode(r.Context(), &updated); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": string(req.ID), "tree": req.Tree})
}

type mutationContext struct {
	req  *http.Request
	mach *operation.Machine
}

// withMachine decodes an operationIDRequest, looks up its machine,
// and runs fn against it — the three suspend/resume/abort handlers
// only differ in which Machine method fn calls.
func (s *Server) withMachine(w http.ResponseWriter, r *http.Request, fn func(mutationContext) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req operationIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}
	mach, ok := s.sched.Machine(req.ID)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown operation %s", req.ID), http.StatusNotFound)
		return
	}
	if err := fn(mutationContext{req: r, mach: mach}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": string(req.ID), "state": string(mach.Operation().State)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package master

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
	"pkg.jsn.cam/chunkdist/pkg/httpx"
)

// Server wraps the master and HTTP server
type Server struct {
	master *Master
	mux    *http.ServeMux
}

// NewServer creates a new master server and starts its monitors
func NewServer(cfg Config) (*Server, error) {
	master, err := NewMaster(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		master: master,
		mux:    http.NewServeMux(),
	}
	s.setupRoutes()

	master.StartHealthMonitor()

	return s, nil
}

func (s *Server) setupRoutes() {
	// Worker APIs
	s.mux.HandleFunc("POST /api/workers/register", httpx.Wrap(s.handleWorkerRegistration))
	s.mux.HandleFunc("GET /api/workers", httpx.Wrap(s.handleWorkerList))
	s.mux.HandleFunc("GET /api/workers/live", httpx.Wrap(s.handleLiveTable))
	s.mux.HandleFunc("GET /api/workers/stuck", httpx.Wrap(s.handleStuckSamples))
	s.mux.HandleFunc("POST /api/workers/retire", httpx.Wrap(s.handleRetire))
	s.mux.HandleFunc("POST /api/workers/{workerID}/heartbeat", httpx.Wrap(s.handleHeartbeat))
	s.mux.HandleFunc("GET /api/tasks/next", httpx.Wrap(s.handleGetNextTask))
	s.mux.HandleFunc("POST /api/tasks/{taskID}/complete", httpx.Wrap(s.handleTaskCompletion))

	// Run APIs
	s.mux.HandleFunc("POST /api/runs", httpx.Wrap(s.handleRunSubmit))
	s.mux.HandleFunc("GET /api/runs", httpx.Wrap(s.handleRunList))
	s.mux.HandleFunc("GET /api/runs/{runID}", httpx.Wrap(s.handleRunStatus))
	s.mux.HandleFunc("POST /api/runs/{runID}/cancel", httpx.Wrap(s.handleRunCancel))

	s.mux.HandleFunc("GET /health", httpx.Wrap(s.handleHealth))
}

func (s *Server) handleWorkerRegistration(w http.ResponseWriter, r *http.Request) error {
	var req protocol.WorkerRegistrationRequest
	if !httpx.Decode(w, r, &req) {
		return nil
	}

	if err := s.master.RegisterWorker(req); err != nil {
		resp := protocol.WorkerRegistrationResponse{
			WorkerID: req.WorkerID,
			Success:  false,
			Error:    err.Error(),
		}
		httpx.JSON(w, http.StatusOK, resp) // Still 200, but Success=false
		return nil
	}

	httpx.JSON(w, http.StatusOK, protocol.WorkerRegistrationResponse{
		WorkerID: req.WorkerID,
		Success:  true,
	})
	return nil
}

func (s *Server) handleGetNextTask(w http.ResponseWriter, r *http.Request) error {
	workerID := r.URL.Query().Get("workerID")
	if workerID == "" {
		httpx.Error(w, http.StatusBadRequest, "workerID required")
		return nil
	}

	httpx.JSON(w, http.StatusOK, s.master.GetNextTask(workerID))
	return nil
}

func (s *Server) handleTaskCompletion(w http.ResponseWriter, r *http.Request) error {
	taskID := r.PathValue("taskID")
	workerID := r.URL.Query().Get("workerID")
	if workerID == "" {
		httpx.Error(w, http.StatusBadRequest, "workerID required")
		return nil
	}

	var req protocol.TaskCompletionRequest
	if !httpx.Decode(w, r, &req) {
		return nil
	}

	resp := protocol.TaskCompletionResponse{Message: "task not found or version mismatch"}
	if s.master.CompleteTask(taskID, workerID, req) {
		resp = protocol.TaskCompletionResponse{Acknowledged: true, Message: "task completed"}
	}

	httpx.JSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) error {
	var req protocol.HeartbeatRequest
	if !httpx.Decode(w, r, &req) {
		return nil
	}

	httpx.JSON(w, http.StatusOK, s.master.UpdateHeartbeat(r.PathValue("workerID"), req))
	return nil
}

func (s *Server) handleWorkerList(w http.ResponseWriter, r *http.Request) error {
	httpx.JSON(w, http.StatusOK, map[string]any{
		"workers": s.master.ListWorkers(),
	})
	return nil
}

func (s *Server) handleLiveTable(w http.ResponseWriter, r *http.Request) error {
	table, err := s.master.LiveProcessingTable(r.Context())
	if err != nil {
		return err
	}

	httpx.JSON(w, http.StatusOK, protocol.LiveTableResponse{Processing: table})
	return nil
}

func (s *Server) handleStuckSamples(w http.ResponseWriter, r *http.Request) error {
	httpx.JSON(w, http.StatusOK, s.master.monitor.Samples())
	return nil
}

func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) error {
	var req protocol.RetireRequest
	if !httpx.Decode(w, r, &req) {
		return nil
	}

	switch req.Mode {
	case "", protocol.RetireDrain, protocol.RetireKill:
	default:
		httpx.Error(w, http.StatusBadRequest, "mode must be drain or kill")
		return nil
	}

	if err := s.master.Retire(r.Context(), req.WorkerIDs, req.Mode); err != nil {
		return err
	}

	httpx.JSON(w, http.StatusOK, map[string]int{"retired": len(req.WorkerIDs)})
	return nil
}

func (s *Server) handleRunSubmit(w http.ResponseWriter, r *http.Request) error {
	var req protocol.RunRequest
	if !httpx.Decode(w, r, &req) {
		return nil
	}

	runID, err := s.master.SubmitRun(req)
	if err != nil {
		httpx.JSON(w, http.StatusBadRequest, protocol.RunSubmitResponse{
			Status:  "error",
			Message: err.Error(),
		})
		return nil
	}

	httpx.JSON(w, http.StatusCreated, protocol.RunSubmitResponse{
		RunID:  runID,
		Status: string(protocol.RunStatusQueued),
	})
	return nil
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) error {
	httpx.JSON(w, http.StatusOK, protocol.RunListResponse{Runs: s.master.ListRuns()})
	return nil
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) error {
	run, err := s.master.GetRun(r.PathValue("runID"))
	if err != nil {
		httpx.Error(w, http.StatusNotFound, err.Error())
		return nil
	}

	httpx.JSON(w, http.StatusOK, run)
	return nil
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) error {
	err := s.master.CancelRun(r.PathValue("runID"))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, chunkdist.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		httpx.JSON(w, status, protocol.RunCancelResponse{
			Success: false,
			Message: err.Error(),
		})
		return nil
	}

	httpx.JSON(w, http.StatusOK, protocol.RunCancelResponse{
		Success: true,
		Message: "run cancelled",
	})
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) error {
	httpx.JSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
	return nil
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server
func (s *Server) Start(port int) error {
	addr := ":" + strconv.Itoa(port)
	log.Printf("[MASTER] Starting master server on %s", addr)
	return http.ListenAndServe(addr, s.mux)
}

// GetMaster returns the underlying master (for testing/CLI)
func (s *Server) GetMaster() *Master {
	return s.master
}

// Close stops the master and closes storage
func (s *Server) Close() error {
	return s.master.Close()
}

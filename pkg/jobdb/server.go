package jobdb

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cuemby/ccnode/pkg/types"
)

// Server exposes a Client over HTTP on a unix domain socket. bbolt
// holds an exclusive OS file lock on open, so only one process may
// hold a *BoltClient directly; the node controller owns that one
// client and every worker process it spawns talks to it through a
// Server/RPCClient pair instead of reopening the database file.
type Server struct {
	client Client
	ln     net.Listener
	srv    *http.Server
	path   string
}

// NewServer builds a Server wrapping client, listening on a fresh unix
// socket at socketPath (any stale socket left by a prior run is
// removed first).
func NewServer(client Client, socketPath string) (*Server, error) {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on job store socket: %w", err)
	}

	s := &Server{client: client, ln: ln, path: socketPath}
	mux := http.NewServeMux()
	mux.HandleFunc("/allocate", s.handleAllocate)
	mux.HandleFunc("/update", s.handleUpdate)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/remove-worker", s.handleRemoveWorker)
	mux.HandleFunc("/force-stopped", s.handleForceStopped)
	s.srv = &http.Server{Handler: mux}
	return s, nil
}

// Serve blocks, accepting requests until Close is called.
func (s *Server) Serve() error {
	err := s.srv.Serve(s.ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the server down and removes its socket file.
func (s *Server) Close() error {
	err := s.srv.Close()
	_ = os.Remove(s.path)
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, errResponse{Error: err.Error()})
}

type errResponse struct {
	Error string `json:"error,omitempty"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, err)
		return
	}
	jobs, err := s.client.AllocateJob(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, allocateResponse{Jobs: jobs})
}

type allocateResponse struct {
	Jobs  []*types.Job `json:"jobs,omitempty"`
	Error string       `json:"error,omitempty"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, err)
		return
	}
	err := s.client.UpdateJob(r.Context(), req.ID, req.State, req.Update)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, errResponse{})
}

type updateRequest struct {
	ID     string         `json:"id"`
	State  types.JobState `json:"state"`
	Update JobUpdate      `json:"update"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	state, found, err := s.client.GetJobState(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, stateResponse{State: state, Found: found})
}

type stateResponse struct {
	State types.JobState `json:"state"`
	Found bool           `json:"found"`
	Error string         `json:"error,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, err)
		return
	}
	err := s.client.UpdateWorker(r.Context(), req.WorkerID, req.Supported, req.LastJobTime)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, errResponse{})
}

type heartbeatRequest struct {
	WorkerID    string     `json:"worker_id"`
	Supported   []string   `json:"supported"`
	LastJobTime *time.Time `json:"last_job_time,omitempty"`
}

func (s *Server) handleRemoveWorker(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if err := s.client.RemoveWorker(r.Context(), workerID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, errResponse{})
}

func (s *Server) handleForceStopped(w http.ResponseWriter, r *http.Request) {
	var req forceStoppedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.client.ForceStopped(r.Context(), req.WorkerIndex, req.Node); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, errResponse{})
}

type forceStoppedRequest struct {
	WorkerIndex int    `json:"worker_index"`
	Node        string `json:"node"`
}

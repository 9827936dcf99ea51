package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/notno/agentcom/internal/apierr"
	"github.com/notno/agentcom/internal/stringutils"
	"github.com/notno/agentcom/internal/tasks"
	"github.com/notno/agentcom/internal/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitTaskRequest struct {
	Description        string            `json:"description"`
	Priority           string            `json:"priority,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Repo               string            `json:"repo,omitempty"`
	NeededCapabilities []string          `json:"needed_capabilities,omitempty"`
	MaxRetries         int               `json:"max_retries,omitempty"`
	CompleteBy         int64             `json:"complete_by,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	if stringutils.IsEmpty(req.Description) {
		respondError(w, http.StatusUnprocessableEntity, "description is required")
		return
	}

	priority := types.PriorityNormal
	if req.Priority != "" {
		priority = types.ParsePriority(strings.ToLower(req.Priority))
	}

	task, err := s.tasks.Submit(tasks.SubmitParams{
		Description:        req.Description,
		Metadata:           req.Metadata,
		Priority:           priority,
		Repo:               req.Repo,
		NeededCapabilities: req.NeededCapabilities,
		MaxRetries:         req.MaxRetries,
		CompleteBy:         req.CompleteBy,
	})
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"task": task})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := tasks.Filter{}
	if status := r.URL.Query().Get("filter"); status != "" {
		filter.Status = types.TaskStatus(strings.ToUpper(status))
		filter.HasStatus = true
	}
	if repo := r.URL.Query().Get("repo"); repo != "" {
		filter.Repo = repo
	}
	if priority := r.URL.Query().Get("priority"); priority != "" {
		filter.Priority = types.ParsePriority(strings.ToLower(priority))
		filter.HasPriority = true
	}

	out, err := s.tasks.List(filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": out})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.tasks.Get(id)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"task": task})
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.tasks.RetryDeadLetter(id)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"task": task})
}

func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apierr.ErrNotFound):
		respondError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, apierr.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"agents": s.presence.List()})
}

type issueTokenRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.AgentID) == "" {
		respondError(w, http.StatusUnprocessableEntity, "agent_id is required")
		return
	}

	token, err := s.auth.Issue(req.AgentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"agent_id": req.AgentID, "token": token})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	if err := s.auth.Revoke(agentID); err != nil {
		if err == apierr.ErrNotFound {
			respondError(w, http.StatusNotFound, "no token for agent")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"agent_id": agentID})
}

type putRepoRequest struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
}

func (s *Server) handlePutRepo(w http.ResponseWriter, r *http.Request) {
	var req putRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.ID) == "" {
		respondError(w, http.StatusUnprocessableEntity, "id is required")
		return
	}

	status := types.RepoActive
	if strings.EqualFold(req.Status, "paused") {
		status = types.RepoPaused
	}

	repo := types.Repo{ID: req.ID, URL: req.URL, Name: req.Name, Status: status}
	if err := s.repos.Put(repo); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"repo": repo})
}

func (s *Server) handleDeleteRepo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.repos.Delete(id); err != nil {
		if err == apierr.ErrNotFound {
			respondError(w, http.StatusNotFound, "repo not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"repos": s.repos.List()})
}

// respondJSON and respondError are the JSON response helpers shared by
// every handler in this package (spec §6.2: "JSON request/response").
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    status,
		"message": message,
	})
}

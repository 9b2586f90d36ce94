package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/lwgray/marcus/pkg/domain"
)

// handleTool dispatches POST /api/tools/{name}. Every tool takes a JSON
// envelope; unknown fields are rejected so client typos fail loudly instead
// of silently dropping arguments.
func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/tools/")

	switch name {
	case "register_agent":
		s.toolRegisterAgent(w, r)
	case "request_next_task":
		s.toolRequestNextTask(w, r)
	case "report_task_progress":
		s.toolReportProgress(w, r)
	case "report_blocker":
		s.toolReportBlocker(w, r)
	case "get_task_context":
		s.toolGetTaskContext(w, r)
	case "log_decision":
		s.toolLogDecision(w, r)
	case "log_artifact":
		s.toolLogArtifact(w, r)
	case "create_project":
		s.toolCreateProject(w, r)
	case "select_project":
		s.toolSelectProject(w, r)
	case "remove_project":
		s.toolRemoveProject(w, r)
	case "get_project_status":
		s.toolProjectStatus(w, r)
	case "check_board_health":
		s.toolBoardHealth(w, r)
	case "list_agents":
		s.toolListAgents(w, r)
	default:
		writeError(w, domain.ErrNotFound("unknown tool %q", name))
	}
}

// decode parses the request envelope strictly.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

func (s *Server) toolRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string   `json:"agent_id"`
		Name    string   `json:"name"`
		Role    string   `json:"role"`
		Skills  []string `json:"skills"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.coord.RegisterAgent(r.Context(), req.AgentID, req.Name, req.Role, req.Skills); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "agent_id": req.AgentID})
}

func (s *Server) toolRequestNextTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	next, err := s.coord.RequestNextTask(r.Context(), req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) toolReportProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID  string `json:"agent_id"`
		TaskID   string `json:"task_id"`
		Status   string `json:"status"`
		Progress int    `json:"progress"`
		Message  string `json:"message"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.coord.ReportTaskProgress(r.Context(), req.AgentID, req.TaskID, req.Status, req.Progress, req.Message); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) toolReportBlocker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID     string `json:"agent_id"`
		TaskID      string `json:"task_id"`
		Description string `json:"description"`
	}
	if !decode(w, r, &req) {
		return
	}
	suggestions, err := s.coord.ReportBlocker(r.Context(), req.AgentID, req.TaskID, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"suggestions": suggestions})
}

func (s *Server) toolGetTaskContext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	taskCtx, err := s.coord.GetTaskContext(req.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskCtx)
}

func (s *Server) toolLogDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		TaskID  string `json:"task_id"`
		Text    string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.coord.LogDecision(r.Context(), req.AgentID, req.TaskID, req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged"})
}

func (s *Server) toolLogArtifact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID      string `json:"agent_id"`
		TaskID       string `json:"task_id"`
		Filename     string `json:"filename"`
		ArtifactType string `json:"artifact_type"`
		Description  string `json:"description"`
		Location     string `json:"location"`
	}
	if !decode(w, r, &req) {
		return
	}
	location, err := s.coord.LogArtifact(r.Context(), req.AgentID, req.TaskID, req.Filename,
		domain.ArtifactType(req.ArtifactType), req.Description, req.Location)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged", "location": location})
}

func (s *Server) toolCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		Description  string `json:"description"`
		BoardBinding string `json:"board_binding"`
	}
	if !decode(w, r, &req) {
		return
	}
	project, tasks, err := s.coord.CreateProject(r.Context(), req.Name, req.Description, req.BoardBinding)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"project": project,
		"tasks":   tasks,
	})
}

func (s *Server) toolSelectProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   string `json:"agent_id"`
		ProjectID string `json:"project_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.coord.SelectProject(r.Context(), req.AgentID, req.ProjectID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "selected", "project_id": req.ProjectID})
}

func (s *Server) toolRemoveProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID string `json:"project_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.coord.RemoveProject(r.Context(), req.ProjectID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) toolProjectStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   string `json:"agent_id"`
		ProjectID string `json:"project_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	status, err := s.coord.GetProjectStatus(req.AgentID, req.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) toolBoardHealth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   string `json:"agent_id"`
		ProjectID string `json:"project_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	report, err := s.coord.CheckBoardHealth(r.Context(), req.AgentID, req.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) toolListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": s.coord.Agents()})
}

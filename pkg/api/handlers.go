package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cartavis/sessiond/pkg/k8s/client"
	"github.com/cartavis/sessiond/pkg/spawner"
)

const defaultLogTail = 100

// handleStart handles POST /api/v1/sessions/{user}. The optional query
// parameter force=true restarts an existing session.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	if user == "" {
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest,
			"username is required", false, nil)
		return
	}
	force := r.URL.Query().Get("force") == "true"

	res, err := s.sessions.Start(r.Context(), spawner.Identity{Username: user},
		spawner.StartOptions{ForceRestart: force})
	if err != nil {
		if client.IsProvisioningTimeout(err) {
			writeError(w, r, http.StatusGatewayTimeout, ErrCodeProvisioningTimeout,
				err.Error(), true, map[string]interface{}{"username": user})
			return
		}
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			err.Error(), false, map[string]interface{}{"username": user})
		return
	}

	status := http.StatusOK
	if !res.Existing {
		status = http.StatusCreated
	}
	if !res.Ready {
		// The session did not come up within its budget; the start may
		// simply be retried.
		status = http.StatusAccepted
	}
	respondJSON(w, status, toSessionResponse(res))
}

// handleStop handles DELETE /api/v1/sessions/{user}.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")

	if err := s.sessions.Stop(r.Context(), spawner.Identity{Username: user}); err != nil {
		if errors.Is(err, spawner.ErrNoSession) {
			writeError(w, r, http.StatusNotFound, ErrCodeNoSession,
				"no session for user", false, map[string]interface{}{"username": user})
			return
		}
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			err.Error(), true, map[string]interface{}{"username": user})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus handles GET /api/v1/sessions/{user}/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")

	st, err := s.sessions.Status(r.Context(), spawner.Identity{Username: user})
	if err != nil {
		if errors.Is(err, spawner.ErrNoSession) {
			writeError(w, r, http.StatusNotFound, ErrCodeNoSession,
				"no session for user", false, map[string]interface{}{"username": user})
			return
		}
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			err.Error(), true, nil)
		return
	}

	resp := StatusResponse{
		Username: user,
		Running:  st.Running,
		Ready:    st.Ready,
	}
	if st.Target != nil {
		resp.Target = toTargetResponse(st.Target)
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleLogs handles GET /api/v1/sessions/{user}/logs?tail=N.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")

	tail := defaultLogTail
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest,
				"tail must be a positive integer", false, map[string]interface{}{"tail": raw})
			return
		}
		tail = n
	}

	lines, err := s.sessions.Logs(spawner.Identity{Username: user}, tail)
	if err != nil {
		if errors.Is(err, spawner.ErrNoSession) {
			writeError(w, r, http.StatusNotFound, ErrCodeNoSession,
				"no session for user", false, map[string]interface{}{"username": user})
			return
		}
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			err.Error(), true, nil)
		return
	}
	respondJSON(w, http.StatusOK, LogsResponse{Username: user, Lines: lines})
}

// handleTarget handles GET /api/v1/sessions/{user}/target.
func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")

	target, err := s.sessions.GetProxyTarget(spawner.Identity{Username: user})
	switch {
	case errors.Is(err, spawner.ErrNoSession):
		writeError(w, r, http.StatusNotFound, ErrCodeNoSession,
			"no session for user", false, map[string]interface{}{"username": user})
	case errors.Is(err, spawner.ErrNotReady):
		writeError(w, r, http.StatusConflict, ErrCodeSessionNotReady,
			"session is not ready", true, map[string]interface{}{"username": user})
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			err.Error(), true, nil)
	default:
		respondJSON(w, http.StatusOK, toTargetResponse(target))
	}
}

// HealthResponse is the health and readiness probe payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()

	if !ready {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:    "not_ready",
			Timestamp: time.Now(),
			Reason:    "service is initializing",
		})
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "ready", Timestamp: time.Now()})
}

func toSessionResponse(res *spawner.SpawnResult) SessionResponse {
	out := SessionResponse{
		Username: res.Username,
		Existing: res.Existing,
		Ready:    res.Ready,
		Reason:   res.Reason,
	}
	if res.Target != nil {
		out.Target = toTargetResponse(res.Target)
	}
	return out
}

func toTargetResponse(t *spawner.ProxyTarget) *TargetResponse {
	return &TargetResponse{Host: t.Host, Port: t.Port, AuthToken: t.AuthToken}
}

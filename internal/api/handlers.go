package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FeatureStudio/internal/models"
	"github.com/BTreeMap/FeatureStudio/internal/studio"
	"github.com/BTreeMap/FeatureStudio/internal/tips"
)

// OpenSessionRequest is the body of POST /api/sessions.
type OpenSessionRequest struct {
	UserID string `json:"userId,omitempty"`
	Resume bool   `json:"resume,omitempty"`
}

// ContentRequest is the body of the message and feature endpoints.
type ContentRequest struct {
	Content string `json:"content"`
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		slog.Warn("Server.createSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	ws, err := s.registry.Open(req.UserID, req.Resume)
	if err != nil {
		slog.Error("Server.createSessionHandler: failed to open session", "error", err, "userID", req.UserID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to open session"))
		return
	}
	slog.Info("Server.createSessionHandler: session opened", "sessionID", ws.SessionID(), "resume", req.Resume)
	writeJSONResponse(w, http.StatusCreated, models.Success(s.snapshot(ws)))
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		slog.Warn("Server.listSessionsHandler: missing userId")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: userId"))
		return
	}
	sessions, err := s.registry.Sessions(userID)
	if err != nil {
		slog.Error("Server.listSessionsHandler: failed to list sessions", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list sessions"))
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.snapshot(ws)))
}

func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var req ContentRequest
	if err := decodeJSONBody(r, &req); err != nil {
		slog.Warn("Server.sendMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	s.send(w, r, ws, req.Content)
}

func (s *Server) applyTipHandler(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	tipID := r.PathValue("tipID")
	tip, found := tips.Find(ws.Tips(), tipID)
	if !found {
		slog.Warn("Server.applyTipHandler: tip not found", "sessionID", ws.SessionID(), "tipID", tipID)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Tip not found"))
		return
	}
	slog.Debug("Server.applyTipHandler: applying tip", "sessionID", ws.SessionID(), "tipID", tipID)
	s.send(w, r, ws, tips.FixItPrompt(tip))
}

// send runs one chat turn and answers with the revealed reply.
func (s *Server) send(w http.ResponseWriter, r *http.Request, ws *studio.Workspace, content string) {
	reply, err := s.initiator.SendAndWait(r.Context(), ws, content)
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, models.Success(reply))
	case errors.Is(err, models.ErrEmptyMessage), errors.Is(err, models.ErrMessageTooLong):
		slog.Warn("Server.send: invalid message", "sessionID", ws.SessionID(), "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.Is(err, models.ErrRequestInFlight):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		slog.Debug("Server.send: client went away before the reply", "sessionID", ws.SessionID())
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Request cancelled"))
	default:
		slog.Error("Server.send: failed to send message", "sessionID", ws.SessionID(), "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send message"))
	}
}

func (s *Server) editFeatureHandler(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var req ContentRequest
	if err := decodeJSONBody(r, &req); err != nil {
		slog.Warn("Server.editFeatureHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := ws.EditFeature(req.Content); err != nil {
		slog.Warn("Server.editFeatureHandler: edit rejected", "sessionID", ws.SessionID(), "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Feature updated", nil))
}

// featureFileName is the name a downloaded feature document is saved under.
const featureFileName = "feature.feature"

// downloadFeatureHandler serves the current feature document as a file attachment.
func (s *Server) downloadFeatureHandler(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	feature := ws.Feature()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+featureFileName+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, feature); err != nil {
		slog.Error("Server.downloadFeatureHandler: failed to write feature", "sessionID", ws.SessionID(), "error", err)
	}
}

func (s *Server) tipsHandler(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	list := ws.Tips()
	if list == nil {
		list = []models.Tip{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", map[string]int{"liveSessions": s.registry.Live()}))
}

// workspace resolves the {id} path value, writing the error response when it cannot.
func (s *Server) workspace(w http.ResponseWriter, r *http.Request) (*studio.Workspace, bool) {
	id := r.PathValue("id")
	ws, err := s.registry.Get(id)
	if err == nil {
		return ws, true
	}
	if errors.Is(err, models.ErrSessionNotFound) {
		slog.Warn("Server.workspace: session not found", "sessionID", id)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return nil, false
	}
	slog.Error("Server.workspace: failed to load session", "sessionID", id, "error", err)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
	return nil, false
}

func (s *Server) snapshot(ws *studio.Workspace) studio.Snapshot {
	snap := ws.Snapshot()
	snap.InFlight = s.initiator.InFlight(ws.SessionID())
	return snap
}

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/reasonance/pkg/argmap"
	"github.com/go-go-golems/reasonance/pkg/broadcast"
	"github.com/go-go-golems/reasonance/pkg/manager"
	"github.com/go-go-golems/reasonance/pkg/session"
)

const maxAudioUploadBytes = 32 << 20

// Server exposes the session API over HTTP: JSON endpoints for session and
// turn management, SSE streams for live updates, and a WebSocket mirror of
// the per-session stream.
type Server struct {
	mgr      *manager.Manager
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
}

func New(mgr *manager.Manager, hub *broadcast.Hub) *Server {
	return &Server{
		mgr:      mgr,
		hub:      hub,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /start-session", s.handleStartSession)
	mux.HandleFunc("POST /join-session/{id}", s.handleJoinSession)
	mux.HandleFunc("POST /leave-session/{id}", s.handleLeaveSession)
	mux.HandleFunc("POST /send-message/{id}", s.handleSendMessage)
	mux.HandleFunc("POST /upload-audio/{id}", s.handleUploadAudio)

	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /archived-sessions", s.handleListArchivedSessions)
	mux.HandleFunc("GET /session/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /session/{id}", s.handleArchiveSession)
	mux.HandleFunc("GET /session-transcripts/{id}", s.handleGetTranscripts)

	mux.HandleFunc("GET /session/{id}/participants", s.handleGetParticipants)
	mux.HandleFunc("POST /session/{id}/participants", s.handleAddParticipant)
	mux.HandleFunc("DELETE /session/{id}/participants/{name}", s.handleRemoveParticipant)

	mux.HandleFunc("GET /session/{id}/anchors", s.handleGetAnchors)
	mux.HandleFunc("POST /session/{id}/anchors", s.handleAddAnchor)
	mux.HandleFunc("DELETE /session/{id}/anchors/{turnId}/{position}", s.handleRemoveAnchor)

	mux.HandleFunc("GET /session/{id}/argument-graph", s.handleArgumentGraph)
	mux.HandleFunc("POST /session/{id}/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /session/{id}/analyze-selection", s.handleAnalyzeSelection)

	mux.HandleFunc("GET /session/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("GET /events", s.handleGlobalEvents)
	mux.HandleFunc("GET /ws/session/{id}", s.handleSessionWS)

	return mux
}

type startSessionRequest struct {
	ParticipantName string `json:"participant_name"`
}

type participantRequest struct {
	ParticipantName string `json:"participant_name"`
}

type messageRequest struct {
	Message string `json:"message"`
	Speaker string `json:"speaker"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ParticipantName == "" {
		writeError(w, http.StatusBadRequest, "participant_name is required")
		return
	}
	sess := s.mgr.CreateSession(req.ParticipantName)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sess.ID})
}

func (s *Server) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ParticipantName == "" {
		writeError(w, http.StatusBadRequest, "participant_name is required")
		return
	}
	if err := s.mgr.JoinSession(r.PathValue("id"), req.ParticipantName); err != nil {
		writeManagerError(w, err)
		return
	}
	writeStatusSuccess(w)
}

func (s *Server) handleLeaveSession(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.mgr.LeaveSession(r.PathValue("id"), req.ParticipantName); err != nil {
		writeManagerError(w, err)
		return
	}
	writeStatusSuccess(w)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" || req.Speaker == "" {
		writeError(w, http.StatusBadRequest, "message and speaker are required")
		return
	}
	turn, err := s.mgr.SubmitTurn(r.PathValue("id"), req.Speaker, req.Message)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "turn_id": turn.ID})
}

func (s *Server) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxAudioUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	speaker := r.FormValue("speaker")
	if speaker == "" {
		writeError(w, http.StatusBadRequest, "speaker is required")
		return
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer func() { _ = file.Close() }()
	audio, err := io.ReadAll(io.LimitReader(file, maxAudioUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading audio failed")
		return
	}

	turn, err := s.mgr.SubmitAudioTurn(r.PathValue("id"), speaker, audio)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "turn_id": turn.ID})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.ActiveSessionsInfo())
}

func (s *Server) handleListArchivedSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.ArchivedSessionsInfo())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.mgr.SessionData(r.PathValue("id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.RemoveSession(r.PathValue("id")); err != nil {
		writeManagerError(w, err)
		return
	}
	writeStatusSuccess(w)
}

func (s *Server) handleGetTranscripts(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.GetSession(r.PathValue("id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcripts": sess.Turns()})
}

func (s *Server) handleGetParticipants(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.GetSession(r.PathValue("id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": sess.Participants()})
}

func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.mgr.AddParticipant(r.PathValue("id"), name); err != nil {
		writeManagerError(w, err)
		return
	}
	writeStatusSuccess(w)
}

func (s *Server) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.RemoveParticipant(r.PathValue("id"), r.PathValue("name")); err != nil {
		writeManagerError(w, err)
		return
	}
	writeStatusSuccess(w)
}

func (s *Server) handleGetAnchors(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if sess, err := s.mgr.GetSession(id); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"anchors": sess.Anchors()})
		return
	}
	if snap, ok := s.mgr.ArchivedSnapshot(id); ok {
		writeJSON(w, http.StatusOK, map[string]any{"anchors": snap.Anchors})
		return
	}
	writeError(w, http.StatusNotFound, "Session not found")
}

type anchorRequest struct {
	Position int    `json:"position"`
	Length   int    `json:"length"`
	Word     string `json:"word"`
	TurnID   int    `json:"turnId"`
	UserID   string `json:"userId"`
}

func (s *Server) handleAddAnchor(w http.ResponseWriter, r *http.Request) {
	var req anchorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Position < 0 || req.Length <= 0 || req.TurnID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid anchor")
		return
	}
	anchor, err := s.mgr.AddAnchor(r.PathValue("id"), session.Anchor{
		Position: req.Position,
		Length:   req.Length,
		Word:     req.Word,
		TurnID:   req.TurnID,
		OwnerID:  req.UserID,
	})
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "anchor": anchor})
}

type anchorRemoveRequest struct {
	Length int    `json:"length"`
	UserID string `json:"userId"`
}

func (s *Server) handleRemoveAnchor(w http.ResponseWriter, r *http.Request) {
	turnID, err := strconv.Atoi(r.PathValue("turnId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid turn id")
		return
	}
	position, err := strconv.Atoi(r.PathValue("position"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position")
		return
	}
	var req anchorRemoveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.mgr.RemoveAnchor(r.PathValue("id"), turnID, position, req.Length, req.UserID); err != nil {
		writeManagerError(w, err)
		return
	}
	writeStatusSuccess(w)
}

func (s *Server) handleArgumentGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if sess, err := s.mgr.GetSession(id); err == nil {
		writeJSON(w, http.StatusOK, sess.Mapper().Graph().Snapshot())
		return
	}
	if snap, ok := s.mgr.ArchivedSnapshot(id); ok {
		writeJSON(w, http.StatusOK, snap.ArgumentGraph)
		return
	}
	writeError(w, http.StatusNotFound, "Session not found")
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" || req.Speaker == "" {
		writeError(w, http.StatusBadRequest, "message and speaker are required")
		return
	}
	res, err := s.mgr.AnalyzeTurn(r.PathValue("id"), req.Speaker, req.Message)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"node": map[string]any{
			"id":      strconv.Itoa(res.Node.TurnID),
			"type":    string(res.Node.Type),
			"summary": res.Node.Summary,
			"speaker": res.Node.Speaker,
		},
		"graph": res.Graph,
	})
}

type selectionRequest struct {
	Nodes []argmap.NodeView `json:"nodes"`
	Edges []argmap.EdgeView `json:"edges"`
}

func (s *Server) handleAnalyzeSelection(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.GetSession(r.PathValue("id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	var req selectionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res := sess.Mapper().AnalyzeSelection(r.Context(), req.Nodes, req.Edges)
	writeJSON(w, http.StatusOK, res)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("writing response failed")
	}
}

func writeStatusSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, manager.ErrTurnNotFound):
		writeError(w, http.StatusNotFound, "Transcript not found")
	case errors.Is(err, manager.ErrAnchorNotFound):
		writeError(w, http.StatusNotFound, "Anchor not found")
	case errors.Is(err, manager.ErrEmptyAudio):
		writeError(w, http.StatusBadRequest, "Empty audio content")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

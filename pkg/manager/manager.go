package manager

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/geppetto/pkg/inference/engine"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/reasonance/pkg/archive"
	"github.com/go-go-golems/reasonance/pkg/argmap"
	"github.com/go-go-golems/reasonance/pkg/broadcast"
	"github.com/go-go-golems/reasonance/pkg/session"
	"github.com/go-go-golems/reasonance/pkg/transcribe"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAnchorNotFound  = errors.New("anchor not found")
	ErrTurnNotFound    = errors.New("turn not found")
	ErrEmptyAudio      = errors.New("empty audio content")
)

const (
	DefaultInactiveTimeout = 5 * time.Minute
	DefaultSweepInterval   = 60 * time.Second
)

type Config struct {
	InactiveTimeout time.Duration
	SweepInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.InactiveTimeout <= 0 {
		c.InactiveTimeout = DefaultInactiveTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// SessionInfo is the listing shape for active and archived sessions.
type SessionInfo struct {
	SessionID        string    `json:"session_id"`
	ParticipantCount int       `json:"participant_count"`
	CreatedAt        time.Time `json:"created_at"`
	TranscriptCount  int       `json:"transcript_count"`
	IsArchived       bool      `json:"is_archived"`
}

// AnalysisResult is what a completed classification yields: the node, the
// full graph after insertion, and the validated confidence.
type AnalysisResult struct {
	Node       argmap.ArgumentNode
	Graph      argmap.GraphSnapshot
	Confidence float64
}

// Manager owns the session registry. It creates and evicts sessions,
// routes turns through classification, and publishes every state change on
// the hub.
type Manager struct {
	hub         *broadcast.Hub
	store       *archive.Store
	eng         engine.Engine
	transcriber transcribe.Transcriber
	cfg         Config

	baseCtx context.Context

	mu       sync.Mutex
	sessions map[string]*session.Session
	archived map[string]session.Snapshot

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New builds a manager and loads the archived-session index from the
// store. The transcriber may be nil; audio turns then finalize as failed.
func New(hub *broadcast.Hub, store *archive.Store, eng engine.Engine, transcriber transcribe.Transcriber, cfg Config) (*Manager, error) {
	m := &Manager{
		hub:         hub,
		store:       store,
		eng:         eng,
		transcriber: transcriber,
		cfg:         cfg.withDefaults(),
		baseCtx:     context.Background(),
		sessions:    map[string]*session.Session{},
		archived:    map[string]session.Snapshot{},
	}

	if store != nil {
		snaps, err := store.List()
		if err != nil {
			return nil, errors.Wrap(err, "load archived sessions")
		}
		for _, snap := range snaps {
			m.archived[snap.Metadata.SessionID] = snap
		}
		log.Info().Int("count", len(m.archived)).Msg("loaded archived sessions")
	}

	return m, nil
}

// Start stores the base context for background classification work and
// launches the inactivity sweep.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.sweepCancel != nil {
		m.mu.Unlock()
		return
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	m.baseCtx = ctx
	m.sweepCancel = cancel
	m.sweepDone = make(chan struct{})
	m.mu.Unlock()

	go m.runSweep(sweepCtx)
}

// Shutdown stops the sweep and waits for in-flight classifications.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.sweepCancel != nil {
		m.sweepCancel()
		m.sweepCancel = nil
	}
	done := m.sweepDone
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "wait for sweep stop")
		}
	}

	finished := make(chan struct{})
	go func() {
		for _, s := range sessions {
			s.WaitAnalyses()
		}
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for in-flight analyses")
	}
}

// CreateSession registers a new session with the creating participant
// already joined.
func (m *Manager) CreateSession(participantName string) *session.Session {
	s := session.New(uuid.NewString(), m.eng)
	if participantName != "" {
		s.AddParticipant(participantName)
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	return s
}

func (m *Manager) GetSession(sessionID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ArchivedSnapshot returns the archived snapshot for the id, if any.
func (m *Manager) ArchivedSnapshot(sessionID string) (session.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.archived[sessionID]
	return snap, ok
}

// RemoveSession archives the session, evicts it, closes its topic, and
// announces the removal globally. Archive failures are logged; eviction
// proceeds regardless.
func (m *Manager) RemoveSession(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	snap := s.Snapshot(true, time.Now())
	if m.store != nil {
		if err := m.store.Save(snap); err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("archiving session failed")
		}
	}
	m.mu.Lock()
	m.archived[sessionID] = snap
	m.mu.Unlock()

	if err := m.hub.CloseTopic(broadcast.TopicForSession(sessionID)); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("closing session topic failed")
	}
	if err := m.hub.Publish(broadcast.GlobalTopic, map[string]any{
		"type":       broadcast.EventSessionRemoved,
		"session_id": sessionID,
	}); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("session_removed broadcast failed")
	}

	log.Info().Str("session_id", sessionID).Msg("removed session")
	return nil
}

// SubmitTurn appends the message as the next turn, broadcasts the
// transcript, and kicks off classification in the background. The turn id
// is assigned before return; classification completes later.
func (m *Manager) SubmitTurn(sessionID, speaker, message string) (session.Turn, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return session.Turn{}, err
	}

	turn := s.AppendTurn(speaker, message)
	m.publishTranscript(sessionID, turn)
	m.publishSessionsUpdate()

	s.GoAnalysis(func() {
		m.analyzeAndBroadcast(s, turn.ID, message, speaker)
	})

	return turn, nil
}

// SubmitAudioTurn appends a placeholder turn, broadcasts it, and finishes
// transcription plus classification in the background.
func (m *Manager) SubmitAudioTurn(sessionID, speaker string, audio []byte) (session.Turn, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return session.Turn{}, err
	}
	if len(audio) == 0 {
		return session.Turn{}, ErrEmptyAudio
	}

	turn := s.AppendPendingTurn(speaker)
	m.publishTranscript(sessionID, turn)

	s.GoAnalysis(func() {
		m.processAudio(s, turn.ID, speaker, audio)
	})

	return turn, nil
}

func (m *Manager) processAudio(s *session.Session, turnID int, speaker string, audio []byte) {
	var message string
	if m.transcriber == nil {
		log.Error().Str("session_id", s.ID).Int("turn_id", turnID).Msg("no transcriber configured")
		message = session.TranscriptionFailed
	} else if text, err := m.transcriber.Transcribe(m.baseCtx, audio); err != nil {
		log.Error().Err(err).Str("session_id", s.ID).Int("turn_id", turnID).Msg("transcription failed")
		message = session.TranscriptionFailed
	} else if strings.TrimSpace(text) == "" {
		message = session.EmptyTranscript
	} else {
		message = text
	}

	turn, ok := s.FinalizeTurn(turnID, message)
	if !ok {
		log.Warn().Str("session_id", s.ID).Int("turn_id", turnID).Msg("audio turn already finalized")
		return
	}
	m.publishTranscript(s.ID, turn)

	if message == session.TranscriptionFailed || message == session.EmptyTranscript {
		return
	}
	m.analyzeAndBroadcast(s, turnID, message, speaker)
}

// AnalyzeTurn classifies a message synchronously without appending it to
// the transcript, using the next turn id. The graph update is broadcast
// like any other classification.
func (m *Manager) AnalyzeTurn(sessionID, speaker, message string) (AnalysisResult, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return AnalysisResult{}, err
	}
	return m.analyzeAndBroadcast(s, s.LastTurnID()+1, message, speaker), nil
}

func (m *Manager) analyzeAndBroadcast(s *session.Session, turnID int, message, speaker string) AnalysisResult {
	node, confidence := s.Mapper().AnalyzeMessage(m.baseCtx, turnID, message, speaker, s.ContextTurns())
	graph := s.Mapper().Graph().Snapshot()

	event := map[string]any{
		"type": broadcast.EventArgumentUpdate,
		"data": map[string]any{
			"graph": graph,
			"latest_node": map[string]any{
				"id":         strconv.Itoa(node.TurnID),
				"type":       string(node.Type),
				"summary":    node.Summary,
				"speaker":    node.Speaker,
				"confidence": confidence,
			},
		},
	}
	if err := m.hub.Publish(broadcast.TopicForSession(s.ID), event); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("argument_update broadcast failed")
	}

	return AnalysisResult{Node: node, Graph: graph, Confidence: confidence}
}

// JoinSession adds the participant and announces the updated participant
// list plus the refreshed session listing.
func (m *Manager) JoinSession(sessionID, name string) error {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	s.AddParticipant(name)
	m.publishParticipantUpdate(s)
	m.publishSessionsUpdate()
	return nil
}

func (m *Manager) LeaveSession(sessionID, name string) error {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	s.RemoveParticipant(name)
	m.publishParticipantUpdate(s)
	m.publishSessionsUpdate()
	return nil
}

// AddParticipant joins by name only, announcing the single join rather
// than the full list.
func (m *Manager) AddParticipant(sessionID, name string) error {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	s.AddParticipant(name)
	return m.hub.Publish(broadcast.TopicForSession(sessionID), map[string]any{
		"type": broadcast.EventParticipantJoined,
		"name": name,
	})
}

func (m *Manager) RemoveParticipant(sessionID, name string) error {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	s.RemoveParticipant(name)
	return m.hub.Publish(broadcast.TopicForSession(sessionID), map[string]any{
		"type": broadcast.EventParticipantLeft,
		"name": name,
	})
}

// AddAnchor validates the turn reference, records the anchor, and
// broadcasts it.
func (m *Manager) AddAnchor(sessionID string, a session.Anchor) (session.Anchor, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return session.Anchor{}, err
	}
	anchor, ok := s.AddAnchor(a)
	if !ok {
		return session.Anchor{}, ErrTurnNotFound
	}
	if err := m.hub.Publish(broadcast.TopicForSession(sessionID), map[string]any{
		"type": broadcast.EventAnchor,
		"data": anchor,
	}); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("anchor broadcast failed")
	}
	return anchor, nil
}

func (m *Manager) RemoveAnchor(sessionID string, turnID, position, length int, ownerID string) error {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	if _, ok := s.RemoveAnchor(turnID, position, length, ownerID); !ok {
		return ErrAnchorNotFound
	}
	if err := m.hub.Publish(broadcast.TopicForSession(sessionID), map[string]any{
		"type": broadcast.EventAnchorRemove,
		"data": map[string]any{
			"turnId":   turnID,
			"position": position,
			"userId":   ownerID,
		},
	}); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("anchor removal broadcast failed")
	}
	return nil
}

// ActiveSessionsInfo lists live sessions for the home page.
func (m *Manager) ActiveSessionsInfo() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, SessionInfo{
			SessionID:        s.ID,
			ParticipantCount: s.ParticipantCount(),
			CreatedAt:        s.CreatedAt,
			TranscriptCount:  s.TranscriptCount(),
			IsArchived:       false,
		})
	}
	return infos
}

func (m *Manager) ArchivedSessionsInfo() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(m.archived))
	for id, snap := range m.archived {
		infos = append(infos, SessionInfo{
			SessionID:        id,
			ParticipantCount: snap.Metadata.ParticipantCount,
			CreatedAt:        snap.Metadata.CreatedAt,
			TranscriptCount:  snap.Metadata.TranscriptCount,
			IsArchived:       true,
		})
	}
	return infos
}

// SessionData returns the full snapshot of an active or archived session.
func (m *Manager) SessionData(sessionID string) (session.Snapshot, error) {
	if s, err := m.GetSession(sessionID); err == nil {
		return s.Snapshot(false, time.Time{}), nil
	}
	if snap, ok := m.ArchivedSnapshot(sessionID); ok {
		return snap, nil
	}
	return session.Snapshot{}, ErrSessionNotFound
}

func (m *Manager) publishTranscript(sessionID string, turn session.Turn) {
	if err := m.hub.Publish(broadcast.TopicForSession(sessionID), map[string]any{
		"type": broadcast.EventTranscript,
		"data": turn,
	}); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("transcript broadcast failed")
	}
}

func (m *Manager) publishParticipantUpdate(s *session.Session) {
	if err := m.hub.Publish(broadcast.TopicForSession(s.ID), map[string]any{
		"type":         broadcast.EventParticipantUpdate,
		"participants": s.Participants(),
	}); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("participant_update broadcast failed")
	}
}

func (m *Manager) publishSessionsUpdate() {
	if err := m.hub.Publish(broadcast.GlobalTopic, map[string]any{
		"type":   broadcast.EventSessionsUpdate,
		"active": m.ActiveSessionsInfo(),
	}); err != nil {
		log.Warn().Err(err).Msg("sessions_update broadcast failed")
	}
}

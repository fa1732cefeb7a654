package session

import (
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/geppetto/pkg/inference/engine"
	"github.com/go-go-golems/reasonance/pkg/argmap"
	"github.com/rs/zerolog/log"
)

// TranscribingPlaceholder is the transcript text of an audio turn whose
// transcription has not completed yet.
const TranscribingPlaceholder = "[Transcribing...]"

// Marker texts written in place of the placeholder when transcription does
// not produce usable speech. Turns carrying them are never classified.
const (
	TranscriptionFailed = "[Transcription failed]"
	EmptyTranscript     = "[Empty transcript]"
)

// Turn is one transcript entry. Ids are dense and 1-based in append order.
type Turn struct {
	ID        int       `json:"turn_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"transcript"`
	Timestamp time.Time `json:"timestamp"`
}

// Anchor marks a word range inside a turn's transcript. An anchor is
// identified by (turn id, position, length, owner) for removal.
type Anchor struct {
	Position  int       `json:"position"`
	Length    int       `json:"length"`
	Word      string    `json:"word"`
	TurnID    int       `json:"turnId"`
	OwnerID   string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata describes a session in listings and archived snapshots.
type Metadata struct {
	SessionID        string     `json:"session_id"`
	CreatedAt        time.Time  `json:"created_at"`
	ArchivedAt       *time.Time `json:"archived_at,omitempty"`
	Participants     []string   `json:"participants"`
	IsArchived       bool       `json:"is_archived"`
	TranscriptCount  int        `json:"transcript_count"`
	ParticipantCount int        `json:"participant_count"`
}

// Snapshot is the full serialized state of a session, both the live query
// shape and the archived record.
type Snapshot struct {
	Transcripts   []Turn               `json:"transcripts"`
	Anchors       []Anchor             `json:"anchors"`
	ArgumentGraph argmap.GraphSnapshot `json:"argument_graph"`
	Metadata      Metadata             `json:"metadata"`
}

// Session holds one live discussion: the ordered transcript, the
// participant set, anchors, and the argument mapper. All methods are safe
// for concurrent use.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu               sync.Mutex
	turns            []Turn
	lastTurnID       int
	participants     map[string]struct{}
	connectedClients int
	lastActivity     time.Time
	anchors          []Anchor

	mapper *argmap.Mapper

	// tracks background classification goroutines so shutdown and
	// removal can wait for them
	inflight sync.WaitGroup
}

func New(id string, eng engine.Engine) *Session {
	now := time.Now()
	s := &Session{
		ID:           id,
		CreatedAt:    now,
		participants: map[string]struct{}{},
		lastActivity: now,
		mapper:       argmap.NewMapper(eng),
	}
	log.Info().Str("session_id", id).Msg("created new session")
	return s
}

func (s *Session) Mapper() *argmap.Mapper {
	return s.mapper
}

// Touch refreshes the activity clock.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// AddParticipant registers the name and counts one more connected client.
// A duplicate name still increments the client count; names are a set,
// connections are not.
func (s *Session) AddParticipant(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[name] = struct{}{}
	s.connectedClients++
	s.lastActivity = time.Now()
}

// RemoveParticipant drops the name and counts one client less, never below
// zero. Unknown names are ignored.
func (s *Session) RemoveParticipant(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, name)
	if s.connectedClients > 0 {
		s.connectedClients--
	}
	s.lastActivity = time.Now()
}

// Participants returns the participant names sorted for stable output.
func (s *Session) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantsLocked()
}

func (s *Session) participantsLocked() []string {
	names := make([]string, 0, len(s.participants))
	for name := range s.participants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedClients
}

// AppendTurn assigns the next turn id and appends the entry.
func (s *Session) AppendTurn(speaker, text string) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(speaker, text)
}

// AppendPendingTurn appends a turn whose transcript is still being
// produced, carrying the placeholder text.
func (s *Session) AppendPendingTurn(speaker string) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(speaker, TranscribingPlaceholder)
}

func (s *Session) appendLocked(speaker, text string) Turn {
	s.lastTurnID++
	turn := Turn{
		ID:        s.lastTurnID,
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now(),
	}
	s.turns = append(s.turns, turn)
	s.lastActivity = turn.Timestamp
	return turn
}

// FinalizeTurn replaces the placeholder text of a pending turn. It reports
// false when the turn does not exist or was already finalized; a finalized
// turn is never overwritten.
func (s *Session) FinalizeTurn(turnID int, text string) (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.turns {
		if s.turns[i].ID != turnID {
			continue
		}
		if s.turns[i].Text != TranscribingPlaceholder {
			return s.turns[i], false
		}
		s.turns[i].Text = text
		s.lastActivity = time.Now()
		return s.turns[i], true
	}
	return Turn{}, false
}

func (s *Session) Turn(turnID int) (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.turns {
		if t.ID == turnID {
			return t, true
		}
	}
	return Turn{}, false
}

func (s *Session) HasTurn(turnID int) bool {
	_, ok := s.Turn(turnID)
	return ok
}

// Turns returns a copy of the transcript in turn order.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Session) TranscriptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

func (s *Session) LastTurnID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTurnID
}

// ContextTurns renders the transcript as classifier context, oldest first.
func (s *Session) ContextTurns() []argmap.ContextTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]argmap.ContextTurn, 0, len(s.turns))
	for _, t := range s.turns {
		out = append(out, argmap.ContextTurn{Speaker: t.Speaker, Transcript: t.Text})
	}
	return out
}

// AddAnchor records the anchor, stamping it. It reports false when the
// referenced turn does not exist.
func (s *Session) AddAnchor(a Anchor) (Anchor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, t := range s.turns {
		if t.ID == a.TurnID {
			found = true
			break
		}
	}
	if !found {
		return Anchor{}, false
	}
	a.Timestamp = time.Now()
	s.anchors = append(s.anchors, a)
	return a, true
}

// RemoveAnchor drops the anchor matching all four identity fields and
// returns it. A miss reports false.
func (s *Session) RemoveAnchor(turnID, position, length int, ownerID string) (Anchor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.anchors {
		if a.TurnID == turnID && a.Position == position && a.Length == length && a.OwnerID == ownerID {
			s.anchors = append(s.anchors[:i], s.anchors[i+1:]...)
			return a, true
		}
	}
	return Anchor{}, false
}

func (s *Session) Anchors() []Anchor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Anchor, len(s.anchors))
	copy(out, s.anchors)
	return out
}

// IsInactive reports whether the session qualifies for eviction: no
// connected clients, no participants, and no activity for longer than the
// idle threshold.
func (s *Session) IsInactive(now time.Time, idle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedClients <= 0 &&
		len(s.participants) == 0 &&
		now.Sub(s.lastActivity) > idle
}

// Snapshot serializes the full session state. For archived snapshots the
// archive timestamp is recorded and the flag set.
func (s *Session) Snapshot(archived bool, archivedAt time.Time) Snapshot {
	graph := s.mapper.Graph().Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	anchors := make([]Anchor, len(s.anchors))
	copy(anchors, s.anchors)

	md := Metadata{
		SessionID:        s.ID,
		CreatedAt:        s.CreatedAt,
		Participants:     s.participantsLocked(),
		IsArchived:       archived,
		TranscriptCount:  len(s.turns),
		ParticipantCount: len(s.participants),
	}
	if archived {
		md.ArchivedAt = &archivedAt
	}

	return Snapshot{
		Transcripts:   turns,
		Anchors:       anchors,
		ArgumentGraph: graph,
		Metadata:      md,
	}
}

// GoAnalysis runs fn on a tracked goroutine. WaitAnalyses blocks until all
// tracked goroutines finish.
func (s *Session) GoAnalysis(fn func()) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		fn()
	}()
}

func (s *Session) WaitAnalyses() {
	s.inflight.Wait()
}

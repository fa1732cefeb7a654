package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

func (m *Manager) runSweep(ctx context.Context) {
	defer close(m.sweepDone)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", m.cfg.SweepInterval).
		Dur("inactive_timeout", m.cfg.InactiveTimeout).
		Msg("session sweep started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("session sweep stopped")
			return
		case <-ticker.C:
			m.sweepOnce(time.Now())
		}
	}
}

// sweepOnce evicts every session that has gone inactive. A failure on one
// session never prevents the others from being checked.
func (m *Manager) sweepOnce(now time.Time) {
	m.mu.Lock()
	candidates := make([]string, 0)
	for id, s := range m.sessions {
		if s.IsInactive(now, m.cfg.InactiveTimeout) {
			candidates = append(candidates, id)
		}
	}
	m.mu.Unlock()

	for _, id := range candidates {
		log.Info().Str("session_id", id).Msg("cleaning up inactive session")
		if err := m.RemoveSession(id); err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("inactive session cleanup failed")
		}
	}
}

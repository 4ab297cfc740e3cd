package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dataforeman/connectivity/internal/adapters/bus"
	"github.com/dataforeman/connectivity/internal/adapters/observability"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/log"
)

// Status publishes connection status events and remembers the last state
// published for each connection.
type Status struct {
	bus    ports.Bus
	obs    ports.Observability
	now    func() time.Time
	logger zerolog.Logger

	mu     sync.RWMutex
	states map[string]domain.ConnectionState
}

func NewStatus(b ports.Bus, obs ports.Observability) *Status {
	if obs == nil {
		obs = observability.Nop{}
	}
	return &Status{
		bus:    b,
		obs:    obs,
		now:    time.Now,
		logger: log.WithComponent("status"),
		states: make(map[string]domain.ConnectionState),
	}
}

// Publish emits a status event. Publishing the same state twice is harmless.
func (s *Status) Publish(ctx context.Context, connectionID string, state domain.ConnectionState, reason string, stats *domain.Stats) {
	ev := domain.StatusEvent{
		Schema: domain.StatusSchema,
		TS:     s.now().UTC(),
		ID:     connectionID,
		State:  state,
		Reason: reason,
		Stats:  stats,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", connectionID).Msg("encode status")
		return
	}

	s.mu.Lock()
	s.states[connectionID] = state
	s.mu.Unlock()

	up := 0.0
	if state == domain.StateConnected {
		up = 1
	}
	s.obs.SetConnGauge(observability.ConnUp, connectionID, up)

	if err := s.bus.Publish(ctx, bus.StatusSubject(connectionID), data); err != nil {
		s.obs.IncCounter(observability.PublishErrors, 1)
		s.logger.Warn().Err(err).Str("connection_id", connectionID).Str("state", string(state)).Msg("status publish failed")
	}
}

// State returns the last published state of a connection.
func (s *Status) State(connectionID string) (domain.ConnectionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[connectionID]
	return st, ok
}

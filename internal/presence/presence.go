// Package presence advertises which backend each player is on. Records are
// advisory: nothing blocks on them, and heartbeat failures are dropped.
package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/chumbucket/rtpd/internal/conf"
	"github.com/chumbucket/rtpd/internal/game"
	"github.com/chumbucket/rtpd/internal/keyspace"
	"github.com/chumbucket/rtpd/internal/metrics"
	"github.com/chumbucket/rtpd/internal/store"
)

const (
	// TTL is the lifetime of one presence record.
	TTL = 90 * time.Second
	// HeartbeatTicks is the refresh period for all online players.
	HeartbeatTicks = 30 * game.TicksPerSecond
)

// Deps carries the collaborators of the presence service.
type Deps struct {
	Store     store.Store
	Keys      keyspace.Keys
	Config    *conf.Provider
	Scheduler game.Scheduler
	Host      game.Host
	Logger    pslog.Logger
	Metrics   *metrics.Metrics
}

// Service writes presence:<uuid> records on join and on a periodic heartbeat,
// and deletes them on quit.
type Service struct {
	store   store.Store
	keys    keyspace.Keys
	cfg     *conf.Provider
	sched   game.Scheduler
	host    game.Host
	logger  pslog.Logger
	metrics *metrics.Metrics

	task game.Task
}

// New builds the service.
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = pslog.NoopLogger()
	}
	return &Service{
		store:   d.Store,
		keys:    d.Keys,
		cfg:     d.Config,
		sched:   d.Scheduler,
		host:    d.Host,
		logger:  d.Logger,
		metrics: d.Metrics,
	}
}

// Start arms the heartbeat timer on the game thread. The snapshot of online
// players happens there; the store writes happen in a worker.
func (s *Service) Start() {
	s.task = s.sched.RunGameTimer(HeartbeatTicks, HeartbeatTicks, s.heartbeat)
}

// Stop cancels the heartbeat.
func (s *Service) Stop() {
	if s.task != nil {
		s.task.Cancel()
		s.task = nil
	}
}

// OnJoin writes the player's presence record in a worker.
func (s *Service) OnJoin(p game.Player) {
	id := p.ID()
	s.sched.RunWorker(func() {
		s.write([]uuid.UUID{id})
	})
}

// OnQuit deletes the player's presence record in a worker.
func (s *Service) OnQuit(id uuid.UUID) {
	s.sched.RunWorker(func() {
		if !s.store.Running() {
			return
		}
		if err := s.store.Del(context.Background(), s.keys.Presence(id)); err != nil {
			s.logger.Debug("presence.quit.del_failed", "player", id, "error", err)
		}
	})
}

func (s *Service) heartbeat() {
	players := s.host.OnlinePlayers()
	ids := make([]uuid.UUID, 0, len(players))
	for _, p := range players {
		ids = append(ids, p.ID())
	}
	if len(ids) == 0 {
		return
	}
	s.sched.RunWorker(func() {
		s.write(ids)
	})
}

func (s *Service) write(ids []uuid.UUID) {
	if !s.store.Running() {
		return
	}
	server := s.cfg.Get().ServerName
	ctx := context.Background()
	for _, id := range ids {
		if err := s.store.SetEx(ctx, s.keys.Presence(id), TTL, server); err != nil {
			s.logger.Debug("presence.write_failed", "player", id, "error", err)
			continue
		}
		s.metrics.PresenceWritten()
	}
}

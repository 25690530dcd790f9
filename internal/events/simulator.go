package events

import (
	"context"
	"math/rand"
	"strconv"

	"go.uber.org/zap"

	"github.com/sensortree/sensortree/internal/dataset"
	"github.com/sensortree/sensortree/internal/metrics"
	"github.com/sensortree/sensortree/pkg/protocol"
)

// Simulator fabricates rename events for demo purposes.
type Simulator struct {
	data      *dataset.Dataset
	sink      *Broadcaster
	maxEvents int
	persist   bool
	rng       *rand.Rand
	logger    *zap.Logger
}

// SimulatorOptions configures a Simulator.
type SimulatorOptions struct {
	// MaxEvents bounds the events generated per tick (inclusive).
	MaxEvents int
	// Persist also renames the node in the dataset.
	Persist bool
	// Seed makes the event stream reproducible when non-zero.
	Seed   int64
	Logger *zap.Logger
}

// NewSimulator creates a simulator that enqueues into sink.
func NewSimulator(d *dataset.Dataset, sink *Broadcaster, opts SimulatorOptions) *Simulator {
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Simulator{
		data:      d,
		sink:      sink,
		maxEvents: opts.MaxEvents,
		persist:   opts.Persist,
		rng:       rand.New(rand.NewSource(seed)),
		logger:    opts.Logger,
	}
}

// Tick generates between 0 and MaxEvents renames of random nodes and
// enqueues them.
func (s *Simulator) Tick(ctx context.Context) []protocol.NodeUpdate {
	if s.maxEvents <= 0 {
		return nil
	}
	n := s.rng.Intn(s.maxEvents + 1)
	if n == 0 {
		return nil
	}
	ids := s.data.IDs()
	if len(ids) == 0 {
		return nil
	}

	updates := make([]protocol.NodeUpdate, 0, n)
	for i := 0; i < n; i++ {
		u := protocol.NodeUpdate{
			ID:      ids[s.rng.Intn(len(ids))],
			NewName: "UpdatedName-" + strconv.FormatInt(s.rng.Int63n(1<<30), 36),
		}
		if s.persist {
			if err := s.data.Rename(ctx, u.ID, u.NewName); err != nil {
				s.logger.Warn("simulated rename failed", zap.String("id", u.ID), zap.Error(err))
				continue
			}
		}
		updates = append(updates, u)
	}

	s.sink.Enqueue(updates...)
	metrics.RecordSimulatedEvents(len(updates))
	s.logger.Debug("generated update events", zap.Int("count", len(updates)))
	return updates
}

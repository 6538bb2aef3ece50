package trust

import (
	"context"
	"log"
	"time"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/projection"
)

// Scheduler re-scores every non-terminal node on an interval so behavior
// degrades when heartbeats stop and security penalties fall away once their
// window expires. Without it, a node that goes dark would keep its last
// score forever.
type Scheduler struct {
	engine   *Engine
	state    *projection.State
	interval time.Duration
	stopCh   chan struct{}
	logger   *log.Logger
}

// NewScheduler creates and starts the background re-evaluation loop.
func NewScheduler(engine *Engine, state *projection.State, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s := &Scheduler{
		engine:   engine,
		state:    state,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.New(log.Writer(), "[TRUST-SCHED] ", log.LstdFlags),
	}
	go s.run()
	return s
}

// Stop halts the loop. Safe to call once.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Printf("Started trust re-evaluation loop (interval=%s)", s.interval)

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopCh:
			s.logger.Println("Trust re-evaluation loop stopped")
			return
		}
	}
}

// Sweep re-evaluates every active and suspended node once. It returns how
// many scores moved. Suspended nodes keep getting scored so their history
// stays honest, but only an admin resume reactivates them.
func (s *Scheduler) Sweep(ctx context.Context) int {
	changed := 0
	for _, status := range []core.Status{core.StatusActive, core.StatusSuspended} {
		for _, node := range s.state.ListNodes(projection.NodeFilter{Status: status}) {
			snap, err := s.engine.Evaluate(ctx, node.ID)
			if err != nil {
				s.logger.Printf("⚠️ re-evaluate %s failed: %v", node.ID, err)
				continue
			}
			if snap.Score != snap.Previous {
				changed++
			}
		}
	}
	if changed > 0 {
		s.logger.Printf("Sweep complete: %d scores moved", changed)
	}
	return changed
}

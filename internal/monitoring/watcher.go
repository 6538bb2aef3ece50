package monitoring

import (
	"time"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/events"
	"github.com/ztmesh/ztmesh/internal/ipam"
	"github.com/ztmesh/ztmesh/internal/projection"
)

// Watcher tails the event bus and keeps the event-driven metrics current:
// per-type append counters, the log head gauge, trust gauges, and the
// node/pool population gauges. It never blocks commits; a lagged
// subscription just means slightly stale gauges until the next event.
type Watcher struct {
	metrics *Metrics
	state   *projection.State
	alloc   *ipam.Allocator
	bus     *events.Bus
	sub     *events.Subscription
	stopCh  chan struct{}
}

// NewWatcher subscribes to bus and starts observing immediately.
func NewWatcher(m *Metrics, state *projection.State, alloc *ipam.Allocator, bus *events.Bus) *Watcher {
	w := &Watcher{
		metrics: m,
		state:   state,
		alloc:   alloc,
		bus:     bus,
		sub:     bus.Subscribe(),
		stopCh:  make(chan struct{}),
	}
	go w.run()
	return w
}

// Stop detaches from the bus and ends the observer goroutine.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.bus.Unsubscribe(w.sub)
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.sub.C:
			if !ok {
				return
			}
			w.observe(ev)
		}
	}
}

func (w *Watcher) observe(ev *events.Event) {
	w.metrics.EventsAppended.WithLabelValues(string(ev.Type)).Inc()
	w.metrics.LastEventID.Set(float64(ev.ID))

	switch ev.Type {
	case events.TypeTrustScoreChanged:
		var p events.TrustScoreChanged
		if ev.Decode(&p) == nil {
			w.metrics.RecordTrustEvaluation(ev.AggregateID, p.Score, p.Action)
		}
	case events.TypeIPAMExhausted:
		var p events.IPAMExhausted
		if ev.Decode(&p) == nil {
			w.metrics.RecordPoolExhausted(p.Pool)
		}
	case events.TypeNodeRegistered, events.TypeNodeApproved, events.TypeNodeSuspended,
		events.TypeNodeResumed, events.TypeNodeRevoked,
		events.TypeIPAllocated, events.TypeIPReleased:
		w.refreshPopulation()
	}
}

func (w *Watcher) refreshPopulation() {
	for _, st := range []core.Status{core.StatusPending, core.StatusActive, core.StatusSuspended, core.StatusRevoked} {
		n := len(w.state.ListNodes(projection.NodeFilter{Status: st}))
		w.metrics.Nodes.WithLabelValues(string(st)).Set(float64(n))
	}
	now := time.Now().UTC()
	for _, pool := range []ipam.Pool{ipam.PoolNode, ipam.PoolClient} {
		_, free := w.alloc.Capacity(pool, now)
		w.metrics.PoolFree.WithLabelValues(string(pool)).Set(float64(free))
	}
}

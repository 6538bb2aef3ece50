// Package webhooks pushes committed events to admin-registered HTTP
// endpoints. Endpoints live in the event log like everything else; the
// dispatcher tails the bus, signs each delivery, and retries in-process.
package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ztmesh/ztmesh/internal/circuitbreaker"
	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/events"
	"github.com/ztmesh/ztmesh/internal/monitoring"
	"github.com/ztmesh/ztmesh/internal/projection"
)

const (
	maxAttempts  = 3
	queueDepth   = 1000
	deliverLimit = 10 * time.Second
)

// Dispatcher fans committed events out to matching endpoints with a
// background worker pool.
type Dispatcher struct {
	state      *projection.State
	bus        *events.Bus
	sub        *events.Subscription
	breakers   *circuitbreaker.Manager
	metrics    *monitoring.Metrics
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
	stopCh     chan struct{}
	pumpDone   chan struct{}

	// sleep is swapped out in tests so retries do not stall the suite.
	sleep func(time.Duration)
}

type deliveryJob struct {
	endpoint core.WebhookEndpoint
	event    *events.Event
	body     []byte
}

// NewDispatcher subscribes to bus and starts the pump plus workers
// immediately. metrics may be nil.
func NewDispatcher(state *projection.State, bus *events.Bus, metrics *monitoring.Metrics, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		state:    state,
		bus:      bus,
		sub:      bus.Subscribe(),
		breakers: circuitbreaker.NewManager(circuitbreaker.EndpointConfig()),
		metrics:  metrics,
		httpClient: &http.Client{
			Timeout: deliverLimit,
		},
		queue:    make(chan *deliveryJob, queueDepth),
		logger:   log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
		pumpDone: make(chan struct{}),
		sleep:    time.Sleep,
	}

	go d.pump()
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// pump turns each committed event into one job per matching endpoint.
func (d *Dispatcher) pump() {
	defer close(d.pumpDone)
	for {
		select {
		case <-d.stopCh:
			return
		case ev, ok := <-d.sub.C:
			if !ok {
				return
			}
			d.fanOut(ev)
		}
	}
}

func (d *Dispatcher) fanOut(ev *events.Event) {
	endpoints := d.state.ListWebhooks()
	if len(endpoints) == 0 {
		return
	}

	var body []byte
	for _, ep := range endpoints {
		if !matches(ep, ev.Type) {
			continue
		}
		if body == nil {
			var err error
			body, err = json.Marshal(ev)
			if err != nil {
				d.logger.Printf("❌ Cannot marshal event %d for delivery: %v", ev.ID, err)
				return
			}
		}
		select {
		case d.queue <- &deliveryJob{endpoint: ep, event: ev, body: body}:
		default:
			d.logger.Printf("⚠️ Delivery queue full, dropping event %d for %s", ev.ID, ep.ID)
			d.record("dead")
		}
	}
}

// matches applies the endpoint's event filter; an empty filter takes all.
func matches(ep core.WebhookEndpoint, t events.Type) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, want := range ep.Events {
		if want == string(t) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

// deliver attempts a job up to maxAttempts times, sleeping attempt² seconds
// between tries. The endpoint's breaker stops deliveries to a dead remote
// until its probe window opens again.
func (d *Dispatcher) deliver(job *deliveryJob) {
	cb := d.breakers.Get(job.endpoint.ID)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := cb.Allow(); err != nil {
			d.logger.Printf("🚫 Skipping event %d for %s: %v", job.event.ID, job.endpoint.ID, err)
			d.record("dead")
			return
		}
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, d.post(job, attempt)
		})
		if err == nil {
			d.logger.Printf("✅ Delivered %s (event %d) → %s", job.event.Type, job.event.ID, job.endpoint.URL)
			d.record("delivered")
			return
		}
		d.logger.Printf("❌ Delivery attempt %d/%d failed: %s → %v", attempt, maxAttempts, job.endpoint.URL, err)
		if attempt < maxAttempts {
			d.record("retried")
			d.sleep(time.Duration(attempt*attempt) * time.Second)
		}
	}
	d.record("dead")
}

func (d *Dispatcher) post(job *deliveryJob, attempt int) error {
	req, err := http.NewRequest("POST", job.endpoint.URL, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ZTMesh-Event", string(job.event.Type))
	req.Header.Set("X-ZTMesh-Event-ID", fmt.Sprintf("%d", job.event.ID))
	req.Header.Set("X-ZTMesh-Delivery-Attempt", fmt.Sprintf("%d", attempt))
	if job.endpoint.Secret != "" {
		req.Header.Set("X-ZTMesh-Signature", "sha256="+SignPayload(job.body, job.endpoint.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) record(outcome string) {
	if d.metrics != nil {
		d.metrics.RecordWebhookDelivery(outcome)
	}
}

// Stats reports per-endpoint breaker state for the status endpoint.
func (d *Dispatcher) Stats() map[string]string {
	out := make(map[string]string)
	for name, st := range d.breakers.Stats() {
		out[name] = st.State.String()
	}
	return out
}

// Shutdown detaches from the bus, drains queued jobs, and waits for the
// workers to finish. The queue closes only after the pump has exited so no
// job is enqueued against a closed channel.
func (d *Dispatcher) Shutdown() {
	close(d.stopCh)
	d.bus.Unsubscribe(d.sub)
	<-d.pumpDone
	close(d.queue)
	d.wg.Wait()
}

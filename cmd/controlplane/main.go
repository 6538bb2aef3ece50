// Controller entrypoint. Bootstraps the event log, replays the projection,
// wires the engines, and serves the HTTP API until SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ztmesh/ztmesh/internal/api"
	"github.com/ztmesh/ztmesh/internal/config"
	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/database"
	"github.com/ztmesh/ztmesh/internal/devices"
	"github.com/ztmesh/ztmesh/internal/eventstore"
	"github.com/ztmesh/ztmesh/internal/events"
	"github.com/ztmesh/ztmesh/internal/ipam"
	"github.com/ztmesh/ztmesh/internal/monitoring"
	"github.com/ztmesh/ztmesh/internal/policy"
	"github.com/ztmesh/ztmesh/internal/projection"
	"github.com/ztmesh/ztmesh/internal/security"
	"github.com/ztmesh/ztmesh/internal/topology"
	"github.com/ztmesh/ztmesh/internal/trust"
	"github.com/ztmesh/ztmesh/internal/webhooks"
)

// seedActor labels the events a virgin-log policy seed appends.
const seedActor = "seed"

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("❌ Configuration: %v", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage: Postgres when DATABASE_URL is set, otherwise in-memory.
	var store eventstore.Store
	var migratedFrom, migratedTo int
	if cfg.Database.URL != "" {
		db, err := database.Open(ctx, cfg.Database.URL)
		if err != nil {
			log.Printf("❌ Database: %v", err)
			return 5
		}
		defer db.Close()

		if migratedFrom, migratedTo, err = database.Migrate(ctx, db); err != nil {
			log.Printf("❌ Migration: %v", err)
			return 1
		}

		pg, err := eventstore.NewPostgresStore(ctx, db)
		if err != nil {
			if core.IsKind(err, core.KindInvariant) {
				path := "(dump unavailable)"
				if evs, lerr := eventstore.LoadLog(ctx, db); lerr == nil {
					path = dumpLog(evs)
				}
				log.Printf("❌ Event log integrity: %v — dump: %s", err, path)
				return 10
			}
			log.Printf("❌ Event store: %v", err)
			return 1
		}
		store = pg
	} else {
		log.Println("⚠️ DATABASE_URL not set, running on the in-memory store")
		store = eventstore.NewMemoryStore()
	}

	evs, err := store.ReadFrom(ctx, 0, 0)
	if err != nil {
		log.Printf("❌ Event store read: %v", err)
		return 1
	}
	state, err := projection.Replay(evs)
	if err != nil {
		log.Printf("❌ Replay: %v — dump: %s", err, dumpLog(evs))
		return 10
	}
	virgin := len(evs) == 0
	log.Printf("✅ Projection ready (%d events replayed)", len(evs))

	bus := events.NewBus(cfg.Stream.Buffer)
	var publisher events.Publisher = bus
	if cfg.Bus.Backend == "redis" {
		rb, err := events.NewRedisBus(cfg.Bus.RedisURL, bus)
		if err != nil {
			log.Printf("❌ Redis bus: %v", err)
			return 5
		}
		defer rb.Close()
		publisher = rb
	}

	committer := eventstore.NewCommitter(store, state, publisher)

	if cfg.Audit.Topic != "" {
		exporter, err := events.NewAuditExporter(cfg.Audit.Project, cfg.Audit.Topic, cfg.Audit.CredentialsFile, bus)
		if err != nil {
			log.Printf("❌ Audit exporter: %v", err)
			return 5
		}
		defer exporter.Close()
	}

	if migratedTo > migratedFrom {
		ev := events.MustNew(events.TypeSchemaMigrated, events.AggregateSystem, "schema", "controller", "",
			events.SchemaMigrated{From: migratedFrom, To: migratedTo})
		if _, err := committer.Commit(ctx, eventstore.Any(), ev); err != nil {
			log.Printf("⚠️ Recording migration %d→%d failed: %v", migratedFrom, migratedTo, err)
		}
	}

	if virgin {
		n, err := seedPolicies(ctx, cfg, committer)
		if err != nil {
			log.Printf("❌ Policy seed: %v", err)
			if cfg.PolicyFile != "" {
				return 2
			}
			return 1
		}
		log.Printf("✅ Seeded %d policies onto the empty log", n)
	}

	alloc, err := ipam.New(cfg.Overlay.Network,
		cfg.Overlay.NodePoolStart, cfg.Overlay.NodePoolEnd,
		cfg.Clients.PoolStart, cfg.Clients.PoolEnd,
		time.Duration(cfg.Overlay.CooldownHours)*time.Hour, state)
	if err != nil {
		log.Printf("❌ IPAM: %v", err)
		return 2
	}

	synth := topology.NewSynthesizer(state, alloc, cfg.Overlay.WGPort)
	engine := trust.NewEngine(state, committer, trust.Config{})
	scheduler := trust.NewScheduler(engine, state, cfg.Trust.ReevalInterval)
	defer scheduler.Stop()

	deviceSvc := devices.NewService(state, committer, alloc, synth,
		security.NewKeyCrypt(cfg.Server.SecretKey), devices.Config{
			MaxPerUser:    cfg.Clients.MaxDevicesPerUser,
			DefaultExpiry: time.Duration(cfg.Clients.DefaultExpireDays) * 24 * time.Hour,
			DNS:           cfg.Clients.DNS,
		})
	sweeper := devices.NewSweeper(deviceSvc, 0)
	defer sweeper.Stop()

	metrics := monitoring.NewMetrics()
	watcher := monitoring.NewWatcher(metrics, state, alloc, bus)
	defer watcher.Stop()

	dispatcher := webhooks.NewDispatcher(state, bus, metrics, cfg.Webhooks.Workers)
	defer dispatcher.Shutdown()

	server := api.NewServer(api.Deps{
		Config:    cfg,
		State:     state,
		Committer: committer,
		Store:     store,
		Alloc:     alloc,
		Synth:     synth,
		Trust:     engine,
		Access:    policy.NewEvaluator(state),
		Devices:   deviceSvc,
		Broker:    security.NewTokenBroker(cfg.Server.SecretKey, cfg.Server.PrevSecretKey, 0),
		Bus:       bus,
		Metrics:   metrics,
	})

	log.Printf("🚀 ztmesh controller: overlay=%s wg_port=%d bus=%s", cfg.Overlay.Network, cfg.Overlay.WGPort, cfg.Bus.Backend)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Println("⚠️ Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Printf("❌ HTTP server: %v", err)
			return 1
		}
		return 0
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		log.Printf("⚠️ Drain incomplete: %v", err)
		return 1
	}
	log.Println("Controller stopped")
	return 0
}

// seedPolicies commits the declarative baseline. POLICY_FILE replaces the
// built-in table; seeding happens once, so a policy deleted later never
// comes back on restart.
func seedPolicies(ctx context.Context, cfg *config.Config, committer *eventstore.Committer) (int, error) {
	seed := policy.DefaultSeed(cfg.Overlay.WGPort)
	if cfg.PolicyFile != "" {
		loaded, err := policy.LoadSeed(cfg.PolicyFile)
		if err != nil {
			return 0, err
		}
		seed = loaded
	}

	n := 0
	for _, row := range seed.NetworkPolicies {
		id := uuid.New().String()
		p := row.Core(id)
		ev := events.MustNew(events.TypeNetworkPolicyCreated, events.AggregateNetworkPolicy, id, seedActor, "",
			events.NetworkPolicyChange{
				Name:     p.Name,
				SrcRole:  p.SrcRole,
				DstRole:  p.DstRole,
				Protocol: p.Protocol,
				Port:     p.Port,
				Action:   p.Action,
				Priority: p.Priority,
				Enabled:  true,
			})
		if _, err := committer.Commit(ctx, eventstore.Expect(events.AggregateNetworkPolicy, id, 0), ev); err != nil {
			return n, err
		}
		n++
	}
	for _, row := range seed.AccessPolicies {
		id := uuid.New().String()
		p := row.Core(id)
		ev := events.MustNew(events.TypeAccessPolicyCreated, events.AggregateAccessPolicy, id, seedActor, "",
			events.AccessPolicyChange{
				Name:     p.Name,
				Subject:  p.Subject,
				Resource: p.Resource,
				Action:   p.Action,
				Priority: p.Priority,
				Enabled:  true,
			})
		if _, err := committer.Commit(ctx, eventstore.Expect(events.AggregateAccessPolicy, id, 0), ev); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// dumpLog flushes the log as NDJSON for offline inspection and returns the
// path. Exit code 10 always points the operator at a dump.
func dumpLog(evs []*events.Event) string {
	f, err := os.CreateTemp("", "ztmesh-eventlog-*.ndjson")
	if err != nil {
		return "(dump failed: " + err.Error() + ")"
	}
	defer f.Close()
	for _, ev := range evs {
		line, err := ev.NDJSON()
		if err != nil {
			continue
		}
		f.Write(line)
	}
	return f.Name()
}

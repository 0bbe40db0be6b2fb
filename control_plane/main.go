package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/testmesh/orchestrator/control_plane/agents"
	"github.com/testmesh/orchestrator/control_plane/coordination"
	"github.com/testmesh/orchestrator/control_plane/dispatch"
	"github.com/testmesh/orchestrator/control_plane/jobs"
	"github.com/testmesh/orchestrator/control_plane/middleware"
	"github.com/testmesh/orchestrator/control_plane/queue"
	"github.com/testmesh/orchestrator/control_plane/scheduler"
	"github.com/testmesh/orchestrator/control_plane/store"
	"github.com/testmesh/orchestrator/control_plane/streaming"
	"github.com/testmesh/orchestrator/control_plane/timeline"
	"github.com/testmesh/orchestrator/control_plane/transport/wsfeed"
)

// nodeID identifies this process to the leader elector; unique-enough for
// a single deployment without pulling in a hostname-resolution dependency.
func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "node-" + time.Now().Format("150405.000")
	}
	return host
}

func main() {
	configPath := flag.String("config", os.Getenv("ORCHESTRATOR_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("orchestrator: failed to load config %s: %v", *configPath, err)
	}

	s, coord, epochs := newStore(cfg)

	q := queue.New(s)
	jobReg := jobs.NewRegistry(s, q)
	agentReg := agents.NewRegistry(s).WithRecordTTL(cfg.agentRecordTTL())
	groups := dispatch.NewGroupTable()
	tl := timeline.NewStore()

	publisher := streaming.Publisher(streaming.NewLogPublisher())
	hub := wsfeed.NewHub(publisher)
	publisher = hub
	defer publisher.Close()

	jobReg.WithPublisher(publisher)
	dispatcher := dispatch.New(jobReg, agentReg, q, groups, publisher, tl)

	schedCfg := scheduler.Config{
		TickInterval:  cfg.tickInterval(),
		LivenessTTL:   cfg.livenessTTL(),
		JobMaxRuntime: cfg.jobMaxRuntime(),
		GroupMaxIdle:  cfg.groupMaxIdle(),
		TenantWeights: cfg.TenantWeights,
	}
	sched := scheduler.New(jobReg, agentReg, q, dispatcher, schedCfg)
	jobReg.WithAdmission(sched.Admission, func(ctx context.Context) (int, float64, error) {
		depths, err := q.Depths(ctx)
		if err != nil {
			return 0, 0, err
		}
		backlog := depths[jobs.PriorityLow] + depths[jobs.PriorityMedium]

		live, err := agentReg.LiveAgents(ctx, schedCfg.LivenessTTL)
		if err != nil {
			return 0, 0, err
		}
		if len(live) == 0 {
			return backlog, 1.0, nil
		}
		busy := 0
		for _, a := range live {
			if a.State == agents.StateBusy {
				busy++
			}
		}
		return backlog, float64(busy) / float64(len(live)), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runActiveDuties := func(ctx context.Context) {
		go sched.Run(ctx)
		go runReconciliationLoop(ctx, dispatcher, cfg.reconcileInterval(), schedCfg.LivenessTTL, schedCfg.JobMaxRuntime)
	}

	if cfg.HA.Enabled && coord != nil && epochs != nil {
		elector := coordination.NewLeaderElector(coord, epochs, "node-"+nodeID(), time.Duration(cfg.HA.LeaseTTLSeconds)*time.Second)
		elector.SetCallbacks(func(electedCtx context.Context) {
			log.Println("orchestrator: elected leader, starting scheduler and reconciliation")
			runActiveDuties(electedCtx)
		}, func() {
			log.Println("orchestrator: leadership lost")
		})
		elector.Start(ctx)

		janitorInterval := time.Duration(cfg.HA.JanitorIntervalSeconds) * time.Second
		if janitorInterval <= 0 {
			janitorInterval = 60 * time.Second
		}
		coordination.NewLockJanitor(coord, epochs, janitorInterval).Start(ctx)
	} else {
		log.Println("orchestrator: HA disabled, running as the single active instance")
		runActiveDuties(ctx)
	}

	liveness := coordination.NewLivenessObserver(agentReg, schedCfg.LivenessTTL, schedCfg.LivenessTTL)
	liveness.Start(ctx)

	api := &API{Jobs: jobReg, Agents: agentReg, Queues: q, Dispatcher: dispatcher, LivenessTTL: schedCfg.LivenessTTL}
	mux := newMux(api, hub)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: middleware.RequestID(mux),
	}

	go func() {
		log.Printf("orchestrator: listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("orchestrator: server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("orchestrator: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("orchestrator: graceful shutdown failed: %v", err)
	}
	cancel()
}

// newStore selects the State Store backend from env vars: Redis is the
// default per spec.md §4.1, with Postgres and an in-memory fallback for
// development. When HA mode asks for both a Redis coordinator and a
// Postgres durable epoch store, both are dialed regardless of which one
// backs the State Store itself.
func newStore(cfg Config) (s store.Store, coord store.Coordinator, epochs store.DurableEpochStore) {
	ctx := context.Background()

	backend := os.Getenv("ORCHESTRATOR_STORE")
	if backend == "" {
		backend = "redis"
	}

	redisAddr := cfg.HA.RedisAddr
	if redisAddr == "" {
		redisAddr = os.Getenv("REDIS_ADDR")
	}
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	switch backend {
	case "redis":
		redisStore, err := store.NewRedisStore(ctx, redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("orchestrator: failed to connect to redis at %s: %v", redisAddr, err)
		}
		s = redisStore
		coord = redisStore
	case "postgres":
		connStr := cfg.HA.PostgresConnStr
		if connStr == "" {
			connStr = os.Getenv("POSTGRES_CONN_STR")
		}
		pg, err := store.NewPostgresStore(ctx, connStr)
		if err != nil {
			log.Fatalf("orchestrator: failed to connect to postgres: %v", err)
		}
		s = pg
		epochs = pg
	case "memory":
		mem := store.NewMemoryStore()
		s = mem
		epochs = mem
	default:
		log.Fatalf("orchestrator: unknown ORCHESTRATOR_STORE %q (want redis, postgres, or memory)", backend)
	}

	if cfg.HA.Enabled {
		if coord == nil {
			redisStore, err := store.NewRedisStore(ctx, redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
			if err != nil {
				log.Fatalf("orchestrator: HA mode requires redis for coordination: %v", err)
			}
			coord = redisStore
		}
		if epochs == nil {
			connStr := cfg.HA.PostgresConnStr
			if connStr == "" {
				connStr = os.Getenv("POSTGRES_CONN_STR")
			}
			pg, err := store.NewPostgresStore(ctx, connStr)
			if err != nil {
				log.Fatalf("orchestrator: HA mode requires postgres for durable epochs: %v", err)
			}
			epochs = pg
		}
	}

	return s, coord, epochs
}

func runReconciliationLoop(ctx context.Context, d *dispatch.Dispatcher, interval, livenessTTL, jobMaxRuntime time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reverted, err := d.Reconcile(ctx, dispatch.ReconcileOpts{LivenessTTL: livenessTTL, JobMaxRuntime: jobMaxRuntime})
			if err != nil {
				log.Printf("orchestrator: reconciliation sweep aborted: %v", err)
				continue
			}
			if reverted > 0 {
				log.Printf("orchestrator: reconciliation reverted %d job(s) to pending", reverted)
			}
		}
	}
}

func newMux(api *API, hub *wsfeed.Hub) http.Handler {
	mux := http.NewServeMux()

	heartbeatLimiter := rate.NewLimiter(rate.Limit(100), 200)
	submitLimiter := rate.NewLimiter(rate.Limit(50), 100)

	mux.HandleFunc("/health", api.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws/feed", hub)

	mux.Handle("/jobs", middleware.TenantMiddleware(middleware.RateLimit(submitLimiter, "submit")(http.HandlerFunc(api.handleJobs))))
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.Path) >= len("/transition") && r.URL.Path[len(r.URL.Path)-len("/transition"):] == "/transition" {
			api.handleTransitionJob(w, r)
			return
		}
		api.handleJobByID(w, r)
	})

	mux.HandleFunc("/agents", api.handleListAgents)
	mux.HandleFunc("/agents/register", api.handleRegisterAgent)
	mux.Handle("/agents/heartbeat", middleware.RateLimit(heartbeatLimiter, "heartbeat")(http.HandlerFunc(api.handleHeartbeatAgent)))
	mux.HandleFunc("/agents/state", api.handleSetAgentState)

	mux.HandleFunc("/claim", api.handleClaimJob)
	mux.HandleFunc("/complete", api.handleCompleteJob)
	mux.HandleFunc("/queue/snapshot", api.handleQueueSnapshot)

	return middleware.CORSMiddleware(mux)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"

	"hydrovox/internal/persistence/chunkcache"
	"hydrovox/internal/persistence/chunkdb"
	persistlog "hydrovox/internal/persistence/log"
	"hydrovox/internal/protocol"
	"hydrovox/internal/sim/engine"
	"hydrovox/internal/sim/tuning"
	"hydrovox/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", "", "http listen address (empty keeps the tuning value)")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		seed       = flag.Int64("seed", 0, "terrain seed override (0 keeps the tuning value)")
		viewer     = flag.String("viewer", "", "fixed viewpoint \"x,y,z\" kept resident alongside observer reports")
		logDir     = flag.String("log_dir", "", "telemetry directory override (empty keeps the tuning value)")
		disableDB  = flag.Bool("disable_db", false, "keep the chunk cache memory-only even when tuning sets a sqlite path")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}
	if *seed != 0 {
		tune.Terrain.Seed = *seed
	}
	if strings.TrimSpace(*addr) != "" {
		tune.Server.Addr = strings.TrimSpace(*addr)
	}
	if strings.TrimSpace(*logDir) != "" {
		tune.Server.LogDir = strings.TrimSpace(*logDir)
	}
	if err := tune.Validate(); err != nil {
		logger.Fatalf("tuning: %v", err)
	}

	cfg := tune.EngineConfig()

	// Durable chunk tier below the memory cache.
	var spill chunkcache.Store
	var db *chunkdb.DB
	if cfg.EnablePersistence && !*disableDB {
		path := strings.TrimSpace(tune.Persistence.Path)
		if path == "" {
			path = filepath.Join(*dataDir, "chunks.db")
		}
		db, err = chunkdb.Open(path)
		if err != nil {
			logger.Fatalf("open chunk store: %v", err)
		}
		defer db.Close()
		spill = db
		logger.Printf("chunk store at %s", path)
	}

	wsSrv := ws.NewServer(protocol.WorldParams{
		TickRateHz: tune.Server.TickRateHz,
		CellSize:   cfg.CellSize,
		ChunkSize:  cfg.ChunkSize,
		IsoLevel:   cfg.IsoLevel,
		Seed:       tune.Terrain.Seed,
	}, logger)

	viewers := engine.ViewerProvider(wsSrv)
	if strings.TrimSpace(*viewer) != "" {
		p, err := parseViewer(*viewer)
		if err != nil {
			logger.Fatalf("viewer: %v", err)
		}
		viewers = viewerUnion{fixed: engine.FixedViewers{p}, live: wsSrv}
	}

	var statsLog *persistlog.StatsLogger
	var disturbLog *persistlog.DisturbanceLogger
	if dir := strings.TrimSpace(tune.Server.LogDir); dir != "" {
		statsLog = persistlog.NewStatsLogger(dir)
		defer statsLog.Close()
		disturbLog = persistlog.NewDisturbanceLogger(dir)
		defer disturbLog.Close()
	}

	var statsMu sync.Mutex
	var lastStats engine.Stats
	statsSink := func(s engine.Stats) {
		statsMu.Lock()
		lastStats = s
		statsMu.Unlock()
		wsSrv.BroadcastStats(s, "")
		if statsLog != nil {
			if err := statsLog.WriteSample(time.Now(), s, ""); err != nil {
				logger.Printf("stats log: %v", err)
			}
		}
	}

	eng, err := engine.New(cfg, engine.Deps{
		Terrain:   tune.Sampler(),
		Viewers:   viewers,
		Sink:      wsSrv,
		Spill:     spill,
		Logger:    logger,
		StatsSink: statsSink,
	})
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}
	for _, r := range tune.Regions() {
		eng.Water().Add(r)
	}

	ctx, cancel := signalContext()
	defer cancel()

	sim := loggedSim{eng: eng, log: disturbLog}
	dt := time.Second / time.Duration(tune.Server.TickRateHz)
	go func() {
		ticker := time.NewTicker(dt)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				eng.Tick(now, dt)
				wsSrv.Dispatch(sim)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		statsMu.Lock()
		s := lastStats
		statsMu.Unlock()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP hydrovox_frame Current simulation frame.\n")
		fmt.Fprintf(rw, "# TYPE hydrovox_frame counter\n")
		fmt.Fprintf(rw, "hydrovox_frame %d\n", s.Frame)

		fmt.Fprintf(rw, "# HELP hydrovox_chunks Chunk count per streaming state.\n")
		fmt.Fprintf(rw, "# TYPE hydrovox_chunks gauge\n")
		fmt.Fprintf(rw, "hydrovox_chunks{state=%q} %d\n", "loaded", s.Loaded)
		fmt.Fprintf(rw, "hydrovox_chunks{state=%q} %d\n", "active", s.Active)
		fmt.Fprintf(rw, "hydrovox_chunks{state=%q} %d\n", "inactive", s.Inactive)
		fmt.Fprintf(rw, "hydrovox_chunks{state=%q} %d\n", "border_only", s.BorderOnly)
		fmt.Fprintf(rw, "hydrovox_chunks{state=%q} %d\n", "cached", s.Cached)

		fmt.Fprintf(rw, "# HELP hydrovox_queue_depth Streaming queue backlog.\n")
		fmt.Fprintf(rw, "# TYPE hydrovox_queue_depth gauge\n")
		fmt.Fprintf(rw, "hydrovox_queue_depth{queue=%q} %d\n", "load", s.QueuedLoads)
		fmt.Fprintf(rw, "hydrovox_queue_depth{queue=%q} %d\n", "unload", s.QueuedUnloads)

		fmt.Fprintf(rw, "# HELP hydrovox_fluid_volume Total fluid volume across loaded chunks.\n")
		fmt.Fprintf(rw, "# TYPE hydrovox_fluid_volume gauge\n")
		fmt.Fprintf(rw, "hydrovox_fluid_volume %f\n", s.TotalVolume)

		fmt.Fprintf(rw, "# HELP hydrovox_dropped_volume_total Fluid volume lost to unloaded space.\n")
		fmt.Fprintf(rw, "# TYPE hydrovox_dropped_volume_total counter\n")
		fmt.Fprintf(rw, "hydrovox_dropped_volume_total %f\n", s.DroppedVolume)

		fmt.Fprintf(rw, "# HELP hydrovox_step_ms Mean fluid step duration in the last sample window.\n")
		fmt.Fprintf(rw, "# TYPE hydrovox_step_ms gauge\n")
		fmt.Fprintf(rw, "hydrovox_step_ms %.3f\n", s.StepMillis)

		fmt.Fprintf(rw, "# HELP hydrovox_mesh_rebuilds_total Mesh rebuilds since start.\n")
		fmt.Fprintf(rw, "# TYPE hydrovox_mesh_rebuilds_total counter\n")
		fmt.Fprintf(rw, "hydrovox_mesh_rebuilds_total %d\n", s.MeshRebuilds)

		fmt.Fprintf(rw, "# HELP hydrovox_active_regions Live activation regions.\n")
		fmt.Fprintf(rw, "# TYPE hydrovox_active_regions gauge\n")
		fmt.Fprintf(rw, "hydrovox_active_regions %d\n", s.ActiveRegions)

		fmt.Fprintf(rw, "# HELP hydrovox_errors_total Recoverable errors per class.\n")
		fmt.Fprintf(rw, "# TYPE hydrovox_errors_total counter\n")
		fmt.Fprintf(rw, "hydrovox_errors_total{class=%q} %d\n", "terrain", s.Counters.Terrain)
		fmt.Fprintf(rw, "hydrovox_errors_total{class=%q} %d\n", "persistence", s.Counters.Persistence)
		fmt.Fprintf(rw, "hydrovox_errors_total{class=%q} %d\n", "mesh_build", s.Counters.MeshBuild)
		fmt.Fprintf(rw, "hydrovox_errors_total{class=%q} %d\n", "bounds", s.Counters.Bounds)

		fmt.Fprintf(rw, "# HELP hydrovox_observers Connected observer sessions.\n")
		fmt.Fprintf(rw, "# TYPE hydrovox_observers gauge\n")
		fmt.Fprintf(rw, "hydrovox_observers %d\n", wsSrv.ClientCount())

		if db != nil {
			fmt.Fprintf(rw, "# HELP hydrovox_chunkdb_dropped_total Writes shed because the store queue was full.\n")
			fmt.Fprintf(rw, "# TYPE hydrovox_chunkdb_dropped_total counter\n")
			fmt.Fprintf(rw, "hydrovox_chunkdb_dropped_total %d\n", db.Dropped())

			fmt.Fprintf(rw, "# HELP hydrovox_chunkdb_write_errors_total Failed chunk store writes.\n")
			fmt.Fprintf(rw, "# TYPE hydrovox_chunkdb_write_errors_total counter\n")
			fmt.Fprintf(rw, "hydrovox_chunkdb_write_errors_total %d\n", db.WriteErrors())
		}
	})
	if envBool("HV_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (HV_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              tune.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (tick %d Hz, seed %d)", tune.Server.Addr, tune.Server.TickRateHz, tune.Terrain.Seed)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// loggedSim records disturbance outcomes on their way to the engine.
type loggedSim struct {
	eng *engine.Engine
	log *persistlog.DisturbanceLogger
}

func (s loggedSim) Disturb(pos mgl32.Vec3, radius, magnitude float32) (uuid.UUID, bool) {
	id, ok := s.eng.Disturb(pos, radius, magnitude)
	if s.log != nil {
		rec := persistlog.DisturbanceRecord{
			X:         pos[0],
			Y:         pos[1],
			Z:         pos[2],
			Radius:    radius,
			Magnitude: magnitude,
			Accepted:  ok,
		}
		if ok {
			rec.ID = id.String()
		}
		_ = s.log.WriteDisturbance(time.Now(), rec)
	}
	return id, ok
}

// viewerUnion keeps a fixed viewpoint resident alongside live
// observer reports, so the world near it survives client churn.
type viewerUnion struct {
	fixed engine.FixedViewers
	live  *ws.Server
}

func (v viewerUnion) ViewerPositions() []mgl32.Vec3 {
	out := append([]mgl32.Vec3(nil), v.fixed...)
	return append(out, v.live.ViewerPositions()...)
}

func parseViewer(s string) (mgl32.Vec3, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return mgl32.Vec3{}, fmt.Errorf("want \"x,y,z\", got %q", s)
	}
	var out mgl32.Vec3
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return mgl32.Vec3{}, fmt.Errorf("coordinate %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

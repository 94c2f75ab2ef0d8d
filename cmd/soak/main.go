// Command soak drives the engine headless: one scripted viewer moving
// in a straight line over procedural terrain, with periodic pours and
// wake requests. It checks the streaming bounds every tick and prints
// a stats line per simulated second, so regressions in chunk churn or
// volume accounting fail the run instead of hiding in a soak log. The
// clock is logical, so two runs with equal flags end on equal digests.
package main

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"hydrovox/internal/sim/chunk"
	"hydrovox/internal/sim/engine"
	"hydrovox/internal/sim/mesh"
	"hydrovox/internal/sim/tuning"
	"hydrovox/internal/sim/water"
)

func main() {
	var (
		ticks        = flag.Int("ticks", 1800, "ticks to run")
		rateHz       = flag.Int("rate", 0, "tick rate override in Hz (0 keeps the tuning value)")
		configDir    = flag.String("configs", "./configs", "config directory")
		tuningPath   = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		seed         = flag.Int64("seed", 0, "terrain seed override (0 keeps the tuning value)")
		speed        = flag.Float64("speed", 150, "viewer speed in world units per second along +x")
		disturbEvery = flag.Int("disturb_every", 120, "ticks between scripted pours and wakes (0 disables)")
		pour         = flag.Float64("pour", 40, "fluid units added per scripted pour")
		wantDigest   = flag.String("digest", "", "expected final state digest (optional)")
	)
	flag.Parse()

	if *ticks <= 0 {
		fmt.Fprintln(os.Stderr, "ticks must be positive")
		os.Exit(2)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			tune = tuning.Defaults()
		} else {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
	}
	if *seed != 0 {
		tune.Terrain.Seed = *seed
	}
	if *rateHz != 0 {
		tune.Server.TickRateHz = *rateHz
	}
	if err := tune.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "tuning:", err)
		os.Exit(1)
	}

	cfg := tune.EngineConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "engine config:", err)
		os.Exit(1)
	}

	sampler := tune.Sampler()
	view := &movingViewer{pos: mgl32.Vec3{0, 0, sampler.SampleHeight(0, 0) + 2*cfg.CellSize}}
	sink := &countSink{}

	eng, err := engine.New(cfg, engine.Deps{
		Terrain: sampler,
		Viewers: view,
		Sink:    sink,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "engine:", err)
		os.Exit(1)
	}

	regions := tune.Regions()
	if len(regions) == 0 && *disturbEvery > 0 {
		// Without water the wake requests have nothing to hit, so lay
		// a lake across the path at the local terrain height.
		mid := float32(*speed) * float32(*ticks) / float32(2*tune.Server.TickRateHz)
		regions = append(regions, water.Region{
			Min:   mgl32.Vec2{mid - 2000, -2000},
			Max:   mgl32.Vec2{mid + 2000, 2000},
			Level: sampler.SampleHeight(mid, 0),
			Depth: 4 * cfg.CellSize,
		})
	}
	for _, r := range regions {
		eng.Water().Add(r)
	}

	dt := time.Second / time.Duration(tune.Server.TickRateHz)
	now := time.Unix(0, 0).UTC()
	vel := mgl32.Vec3{float32(*speed), 0, 0}

	// The streaming limiter refills at 2*MaxChunksPerFrame per update
	// interval with an equal burst. Net loaded movement per second
	// stays under refill+burst; anything past that is a leak.
	budget := int(2*float64(cfg.MaxChunksPerFrame)/cfg.ChunkUpdateInterval.Seconds()) + 2*cfg.MaxChunksPerFrame

	fmt.Printf("soak: ticks=%d rate=%dHz seed=%d speed=%g max_loaded=%d churn_budget=%d/s\n",
		*ticks, tune.Server.TickRateHz, tune.Terrain.Seed, *speed, cfg.MaxLoadedChunks, budget)

	var (
		poured      float64
		wakes       int
		prevLoaded  int
		prevDropped float64
	)
	for i := 1; i <= *ticks; i++ {
		now = now.Add(dt)
		view.pos = view.pos.Add(vel.Mul(float32(dt.Seconds())))
		view.pos[2] = sampler.SampleHeight(view.pos.X(), view.pos.Y()) + 2*cfg.CellSize

		if *disturbEvery > 0 && i%*disturbEvery == 0 {
			at := view.pos
			eng.AddFluidAt(at, float32(*pour))
			poured += *pour
			if _, ok := eng.Disturb(at, 3*cfg.CellSize, 1); ok {
				wakes++
			}
		}

		eng.Tick(now, dt)

		s := eng.Stats()
		if s.Loaded > cfg.MaxLoadedChunks {
			fmt.Fprintf(os.Stderr, "tick %d: loaded=%d exceeds max_loaded_chunks=%d\n", i, s.Loaded, cfg.MaxLoadedChunks)
			os.Exit(1)
		}
		if math.IsNaN(float64(s.TotalVolume)) || s.TotalVolume < 0 {
			fmt.Fprintf(os.Stderr, "tick %d: total volume %g out of range\n", i, s.TotalVolume)
			os.Exit(1)
		}
		if s.DroppedVolume+1e-6 < prevDropped {
			fmt.Fprintf(os.Stderr, "tick %d: dropped volume went backwards (%g -> %g)\n", i, prevDropped, s.DroppedVolume)
			os.Exit(1)
		}
		prevDropped = s.DroppedVolume

		if i%tune.Server.TickRateHz == 0 {
			churn := s.Loaded - prevLoaded
			if churn < 0 {
				churn = -churn
			}
			if i > tune.Server.TickRateHz && churn > budget {
				fmt.Fprintf(os.Stderr, "tick %d: loaded set moved by %d in one second (budget %d)\n", i, churn, budget)
				os.Exit(1)
			}
			prevLoaded = s.Loaded
			fmt.Printf("t=%4ds loaded=%d active=%d border=%d cached=%d vol=%.1f dropped=%.1f step=%.2fms meshes=%d regions=%d\n",
				i/tune.Server.TickRateHz, s.Loaded, s.Active, s.BorderOnly, s.Cached,
				s.TotalVolume, s.DroppedVolume, s.StepMillis, s.MeshRebuilds, s.ActiveRegions)
		}
	}

	final := eng.Stats()
	digest := eng.Digest()
	fmt.Printf("soak ok: frames=%d loaded=%d cached=%d vol=%.1f dropped=%.1f poured=%.1f wakes=%d submits=%d clears=%d tris=%d errs={terrain=%d persistence=%d mesh=%d bounds=%d}\n",
		final.Frame, final.Loaded, final.Cached, final.TotalVolume, final.DroppedVolume,
		poured, wakes, sink.submits, sink.clears, sink.triangles,
		final.Counters.Terrain, final.Counters.Persistence, final.Counters.MeshBuild, final.Counters.Bounds)
	fmt.Printf("digest=%s\n", digest)

	if *wantDigest != "" && digest != *wantDigest {
		fmt.Fprintf(os.Stderr, "digest mismatch: got=%s want=%s\n", digest, *wantDigest)
		os.Exit(1)
	}
}

// movingViewer is the scripted camera. The drive loop mutates pos
// between ticks; the engine reads it on the same goroutine.
type movingViewer struct {
	pos mgl32.Vec3
}

func (v *movingViewer) ViewerPositions() []mgl32.Vec3 { return []mgl32.Vec3{v.pos} }

// countSink tallies mesh traffic instead of rendering it.
type countSink struct {
	submits   int
	clears    int
	triangles int
}

func (s *countSink) SubmitChunkMesh(c chunk.Coord, m *mesh.Mesh, lod int) {
	s.submits++
	s.triangles += len(m.Indices) / 3
}

func (s *countSink) ClearChunkMesh(chunk.Coord) { s.clears++ }

// Command admin pokes a running daemon or its local data: subscribe to
// stats over the websocket, send a single disturbance, inspect or prune
// the sqlite chunk store, read the compressed telemetry logs back, and
// hit the health and metrics endpoints.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"

	persistlog "hydrovox/internal/persistence/log"
	"hydrovox/internal/protocol"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "stats":
			statsCmd(os.Args[2:])
			return
		case "disturb":
			disturbCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "logs":
			logsCmd(os.Args[2:])
			return
		case "health":
			healthCmd(os.Args[2:])
			return
		case "metrics":
			metricsCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: admin <stats|disturb|db|logs|health|metrics> [flags]")
	os.Exit(2)
}

func statsCmd(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8764/v1/ws", "ws url")
	count := fs.Int("count", 5, "stats frames to print before exiting (0 = until interrupted)")
	_ = fs.Parse(args)

	conn := dial(*url, protocol.HelloSubscribe{Stats: true})
	defer conn.Close()

	printed := 0
	for *count == 0 || printed < *count {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.Type != protocol.TypeStats {
			continue
		}
		var st protocol.StatsMsg
		if err := json.Unmarshal(msg, &st); err != nil {
			continue
		}
		fmt.Printf("frame=%d loaded=%d active=%d border=%d cached=%d vol=%.1f dropped=%.1f step=%.2fms meshes=%d regions=%d errs={terrain=%d persistence=%d mesh=%d bounds=%d}\n",
			st.Frame, st.Chunks.Loaded, st.Chunks.Active, st.Chunks.BorderOnly, st.Chunks.Cached,
			st.Fluid.TotalVolume, st.Fluid.DroppedVolume, st.StepMillis, st.MeshRebuilds, st.ActiveRegions,
			st.Errors.Terrain, st.Errors.Persistence, st.Errors.MeshBuild, st.Errors.Bounds)
		printed++
	}
}

func disturbCmd(args []string) {
	fs := flag.NewFlagSet("disturb", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8764/v1/ws", "ws url")
	at := fs.String("at", "", "world position \"x,y,z\" (required)")
	radius := fs.Float64("radius", 300, "disturbance radius in world units")
	magnitude := fs.Float64("magnitude", 1, "disturbance magnitude")
	timeout := fs.Duration("timeout", 5*time.Second, "ack wait")
	_ = fs.Parse(args)

	if strings.TrimSpace(*at) == "" {
		fmt.Fprintln(os.Stderr, "missing -at")
		os.Exit(2)
	}
	pos, err := parsePoint(*at)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -at:", err)
		os.Exit(2)
	}

	conn := dial(*url, protocol.HelloSubscribe{})
	defer conn.Close()

	req := protocol.DisturbMsg{
		Type:            protocol.TypeDisturb,
		ProtocolVersion: protocol.Version,
		ReqID:           "admin-1",
		Pos:             pos,
		Radius:          float32(*radius),
		Magnitude:       float32(*magnitude),
	}
	if err := conn.WriteJSON(req); err != nil {
		fmt.Fprintln(os.Stderr, "send DISTURB:", err)
		os.Exit(1)
	}

	_ = conn.SetReadDeadline(time.Now().Add(*timeout))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.Type != protocol.TypeAck {
			continue
		}
		var ack protocol.AckMsg
		if err := json.Unmarshal(msg, &ack); err != nil {
			fmt.Fprintln(os.Stderr, "decode ACK:", err)
			os.Exit(1)
		}
		if ack.Accepted {
			fmt.Printf("accepted region=%s\n", ack.RegionID)
			return
		}
		fmt.Fprintf(os.Stderr, "rejected code=%s msg=%s\n", ack.Code, ack.Message)
		os.Exit(1)
	}
}

func logsCmd(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	dir := fs.String("dir", "", "telemetry directory the daemon wrote to (required)")
	kind := fs.String("kind", "stats", "log stream: stats or disturbances")
	from := fs.String("from", "", "skip samples before this RFC3339 time (optional)")
	to := fs.String("to", "", "stop at this RFC3339 time (optional)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*dir) == "" {
		fmt.Fprintln(os.Stderr, "missing -dir")
		os.Exit(2)
	}
	if *kind != "stats" && *kind != "disturbances" {
		fmt.Fprintln(os.Stderr, "bad -kind:", *kind)
		os.Exit(2)
	}
	fromT, toT, err := parseRange(*from, *to)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad range:", err)
		os.Exit(1)
	}

	files, err := listLogFiles(filepath.Join(*dir, *kind), *kind)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list logs:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no", *kind, "files found in", *dir)
		os.Exit(1)
	}

	var lines int
	for _, path := range files {
		n, err := dumpFile(path, *kind, fromT, toT)
		if err != nil {
			fmt.Fprintln(os.Stderr, "logs:", err)
			os.Exit(1)
		}
		lines += n
	}
	fmt.Printf("logs ok: files=%d samples=%d\n", len(files), lines)
}

func listLogFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

func dumpFile(path, kind string, from, to time.Time) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	n := 0
	for sc.Scan() {
		line := sc.Bytes()
		if kind == "stats" {
			var s persistlog.StatsSample
			if err := json.Unmarshal(line, &s); err != nil {
				return n, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			if !inRange(s.TS, from, to) {
				continue
			}
			fmt.Printf("%s frame=%d loaded=%d active=%d border=%d cached=%d vol=%.1f dropped=%.1f step=%.2fms meshes=%d regions=%d\n",
				s.TS, s.Frame, s.Loaded, s.Active, s.BorderOnly, s.Cached,
				s.TotalVolume, s.DroppedVolume, s.StepMillis, s.MeshRebuilds, s.ActiveRegions)
		} else {
			var d persistlog.DisturbanceRecord
			if err := json.Unmarshal(line, &d); err != nil {
				return n, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			if !inRange(d.TS, from, to) {
				continue
			}
			fmt.Printf("%s pos=(%.0f,%.0f,%.0f) radius=%.0f magnitude=%.2f accepted=%t id=%s\n",
				d.TS, d.X, d.Y, d.Z, d.Radius, d.Magnitude, d.Accepted, d.ID)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, err
	}
	return n, nil
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	var f, t time.Time
	var err error
	if from != "" {
		if f, err = time.Parse(time.RFC3339, from); err != nil {
			return f, t, err
		}
	}
	if to != "" {
		if t, err = time.Parse(time.RFC3339, to); err != nil {
			return f, t, err
		}
	}
	return f, t, nil
}

func inRange(ts string, from, to time.Time) bool {
	if from.IsZero() && to.IsZero() {
		return true
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return true
	}
	if !from.IsZero() && at.Before(from) {
		return false
	}
	if !to.IsZero() && at.After(to) {
		return false
	}
	return true
}

// dial connects, completes the handshake and returns the session.
func dial(url string, sub protocol.HelloSubscribe) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      "admin",
		Subscribe:       sub,
	}
	if err := conn.WriteJSON(hello); err != nil {
		fmt.Fprintln(os.Stderr, "send HELLO:", err)
		os.Exit(1)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		fmt.Fprintln(os.Stderr, "read WELCOME:", err)
		os.Exit(1)
	}
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil || w.Type != protocol.TypeWelcome {
		fmt.Fprintln(os.Stderr, "handshake: unexpected first message")
		os.Exit(1)
	}
	fmt.Printf("connected: session=%s tick_rate=%d seed=%d\n",
		w.SessionID, w.WorldParams.TickRateHz, w.WorldParams.Seed)
	_ = conn.SetReadDeadline(time.Time{})
	return conn
}

func parsePoint(s string) ([3]float32, error) {
	var v [3]float32
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("expected x,y,z")
	}
	for i := 0; i < 3; i++ {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 32)
		if err != nil {
			return v, err
		}
		v[i] = float32(f)
	}
	return v, nil
}

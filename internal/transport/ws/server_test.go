package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hydrovox/internal/protocol"
	"hydrovox/internal/sim/chunk"
	"hydrovox/internal/sim/engine"
	"hydrovox/internal/sim/mesh"
)

type fakeSim struct {
	mu    sync.Mutex
	calls []mgl32.Vec3
	id    uuid.UUID
	ok    bool
}

func (f *fakeSim) Disturb(pos mgl32.Vec3, radius, magnitude float32) (uuid.UUID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pos)
	return f.id, f.ok
}

func (f *fakeSim) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testParams() protocol.WorldParams {
	return protocol.WorldParams{TickRateHz: 30, CellSize: 100, ChunkSize: 32, IsoLevel: 0.1, Seed: 7}
}

func startServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(testParams(), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialRaw(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMsg(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
}

func connect(t *testing.T, ts *httptest.Server, sub protocol.HelloSubscribe) *websocket.Conn {
	t.Helper()
	conn := dialRaw(t, ts)
	writeMsg(t, conn, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      "test-observer",
		Subscribe:       sub,
	})
	var welcome protocol.WelcomeMsg
	readMsg(t, conn, &welcome)
	if welcome.Type != protocol.TypeWelcome {
		t.Fatalf("first message = %q, want WELCOME", welcome.Type)
	}
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func sampleMesh() *mesh.Mesh {
	return &mesh.Mesh{
		Positions: []mgl32.Vec3{{0, 0, 0}, {100, 0, 0}, {0, 100, 0}},
		Normals:   []mgl32.Vec3{{0, 0, 1}, {0, 0, 1}, {0, 0, 1}},
		UVs:       []mgl32.Vec2{{0, 0}, {1, 0}, {0, 1}},
		Colors:    []mgl32.Vec4{{0, 0.3, 1, 0.9}, {0, 0.3, 1, 0.9}, {0, 0.3, 1, 0.9}},
		Indices:   []uint32{0, 2, 1},
	}
}

func TestHandshake(t *testing.T) {
	srv, ts := startServer(t)
	conn := dialRaw(t, ts)
	writeMsg(t, conn, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Subscribe:       protocol.HelloSubscribe{Mesh: true, Stats: true},
	})

	var welcome protocol.WelcomeMsg
	readMsg(t, conn, &welcome)
	if welcome.Type != protocol.TypeWelcome {
		t.Fatalf("type = %q, want WELCOME", welcome.Type)
	}
	if _, err := uuid.Parse(welcome.SessionID); err != nil {
		t.Fatalf("session id %q: %v", welcome.SessionID, err)
	}
	if welcome.WorldParams != testParams() {
		t.Fatalf("world params = %+v", welcome.WorldParams)
	}
	waitFor(t, "registration", func() bool { return srv.ClientCount() == 1 })
}

func TestRejectsWrongVersion(t *testing.T) {
	_, ts := startServer(t)
	conn := dialRaw(t, ts)
	writeMsg(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection closed")
	}
}

func TestRejectsNonHelloFirst(t *testing.T) {
	_, ts := startServer(t)
	conn := dialRaw(t, ts)
	writeMsg(t, conn, protocol.ViewerMsg{
		Type:            protocol.TypeViewer,
		ProtocolVersion: protocol.Version,
		Pos:             [3]float32{1, 2, 3},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection closed")
	}
}

func TestViewerReportsFeedStreaming(t *testing.T) {
	srv, ts := startServer(t)
	conn := connect(t, ts, protocol.HelloSubscribe{})

	if got := srv.ViewerPositions(); len(got) != 0 {
		t.Fatalf("positions before any report = %v", got)
	}

	writeMsg(t, conn, protocol.ViewerMsg{
		Type:            protocol.TypeViewer,
		ProtocolVersion: protocol.Version,
		Pos:             [3]float32{100, 200, 300},
	})
	want := mgl32.Vec3{100, 200, 300}
	waitFor(t, "viewer position", func() bool {
		got := srv.ViewerPositions()
		return len(got) == 1 && got[0] == want
	})

	second := connect(t, ts, protocol.HelloSubscribe{})
	writeMsg(t, second, protocol.ViewerMsg{
		Type:            protocol.TypeViewer,
		ProtocolVersion: protocol.Version,
		Pos:             [3]float32{-500, 0, 50},
	})
	waitFor(t, "two viewer positions", func() bool {
		return len(srv.ViewerPositions()) == 2
	})
}

func TestDisturbAccepted(t *testing.T) {
	fake := &fakeSim{id: uuid.New(), ok: true}
	srv, ts := startServer(t)
	conn := connect(t, ts, protocol.HelloSubscribe{})

	writeMsg(t, conn, protocol.DisturbMsg{
		Type:            protocol.TypeDisturb,
		ProtocolVersion: protocol.Version,
		ReqID:           "d-1",
		Pos:             [3]float32{150, 150, 250},
		Radius:          120,
		Magnitude:       0.4,
	})
	waitFor(t, "disturb applied", func() bool {
		srv.Dispatch(fake)
		return fake.callCount() == 1
	})

	var ack protocol.AckMsg
	readMsg(t, conn, &ack)
	if ack.Type != protocol.TypeAck || ack.AckFor != protocol.TypeDisturb {
		t.Fatalf("ack = %+v", ack)
	}
	if !ack.Accepted || ack.ReqID != "d-1" {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.RegionID != fake.id.String() {
		t.Fatalf("region id = %q, want %q", ack.RegionID, fake.id)
	}

	fake.mu.Lock()
	pos := fake.calls[0]
	fake.mu.Unlock()
	if pos != (mgl32.Vec3{150, 150, 250}) {
		t.Fatalf("disturb pos = %v", pos)
	}
}

func TestDisturbRejectedByEngine(t *testing.T) {
	fake := &fakeSim{ok: false}
	srv, ts := startServer(t)
	conn := connect(t, ts, protocol.HelloSubscribe{})

	writeMsg(t, conn, protocol.DisturbMsg{
		Type:            protocol.TypeDisturb,
		ProtocolVersion: protocol.Version,
		ReqID:           "d-2",
		Pos:             [3]float32{0, 0, 0},
		Radius:          10,
		Magnitude:       0.01,
	})
	waitFor(t, "disturb applied", func() bool {
		srv.Dispatch(fake)
		return fake.callCount() == 1
	})

	var ack protocol.AckMsg
	readMsg(t, conn, &ack)
	if ack.Accepted || ack.Code != protocol.ErrRejected {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.RegionID != "" {
		t.Fatalf("region id = %q for rejected disturb", ack.RegionID)
	}
}

func TestDisturbValidation(t *testing.T) {
	fake := &fakeSim{ok: true}
	_, ts := startServer(t)
	conn := connect(t, ts, protocol.HelloSubscribe{})

	writeMsg(t, conn, protocol.DisturbMsg{
		Type:            protocol.TypeDisturb,
		ProtocolVersion: protocol.Version,
		ReqID:           "bad",
		Pos:             [3]float32{0, 0, 0},
		Radius:          10,
		Magnitude:       0,
	})

	var ack protocol.AckMsg
	readMsg(t, conn, &ack)
	if ack.Accepted || ack.Code != protocol.ErrBadRequest {
		t.Fatalf("ack = %+v", ack)
	}
	if fake.callCount() != 0 {
		t.Fatalf("engine called %d times for invalid request", fake.callCount())
	}
}

func TestDisturbRateLimit(t *testing.T) {
	fake := &fakeSim{ok: true}
	_, ts := startServer(t)
	conn := connect(t, ts, protocol.HelloSubscribe{})

	// Past the burst allowance, requests bounce without touching the
	// queue. Dispatch never runs here, so any ack that arrives is an
	// immediate reject.
	for i := 0; i < 15; i++ {
		writeMsg(t, conn, protocol.DisturbMsg{
			Type:            protocol.TypeDisturb,
			ProtocolVersion: protocol.Version,
			Pos:             [3]float32{1, 1, 1},
			Radius:          10,
			Magnitude:       0.5,
		})
	}

	var ack protocol.AckMsg
	readMsg(t, conn, &ack)
	if ack.Accepted || ack.Code != protocol.ErrRateLimit {
		t.Fatalf("ack = %+v, want rate limit reject", ack)
	}
	if fake.callCount() != 0 {
		t.Fatalf("engine called without Dispatch")
	}
}

func TestMeshReplayOnConnect(t *testing.T) {
	srv, ts := startServer(t)
	coord := chunk.Coord{X: -2, Y: 0, Z: 1}
	src := sampleMesh()
	srv.SubmitChunkMesh(coord, src, 1)

	conn := connect(t, ts, protocol.HelloSubscribe{Mesh: true})

	var frame protocol.MeshMsg
	readMsg(t, conn, &frame)
	if frame.Type != protocol.TypeMesh {
		t.Fatalf("type = %q", frame.Type)
	}
	if frame.Chunk != [3]int32{-2, 0, 1} || frame.LOD != 1 || frame.Removed {
		t.Fatalf("frame = %+v", frame)
	}
	if frame.VertexCount != 3 || frame.IndexCount != 3 {
		t.Fatalf("counts = %d / %d", frame.VertexCount, frame.IndexCount)
	}

	pos, err := protocol.DecodeFloats(frame.Positions)
	if err != nil {
		t.Fatalf("decode positions: %v", err)
	}
	if len(pos) != 9 || pos[3] != 100 || pos[7] != 100 {
		t.Fatalf("positions = %v", pos)
	}
	idx, err := protocol.DecodeIndices(frame.Indices)
	if err != nil {
		t.Fatalf("decode indices: %v", err)
	}
	if len(idx) != 3 || idx[0] != 0 || idx[1] != 2 || idx[2] != 1 {
		t.Fatalf("indices = %v", idx)
	}

	srv.ClearChunkMesh(coord)
	var removed protocol.MeshMsg
	readMsg(t, conn, &removed)
	if !removed.Removed || removed.Chunk != frame.Chunk {
		t.Fatalf("removal frame = %+v", removed)
	}
}

func TestStreamsRespectSubscription(t *testing.T) {
	srv, ts := startServer(t)
	conn := connect(t, ts, protocol.HelloSubscribe{Stats: true})
	waitFor(t, "registration", func() bool { return srv.ClientCount() == 1 })

	srv.SubmitChunkMesh(chunk.Coord{X: 1}, sampleMesh(), 0)

	var st engine.Stats
	st.Frame = 77
	st.Loaded = 12
	st.TotalVolume = 64.5
	st.Counters.Bounds = 3
	srv.BroadcastStats(st, "cafe01")

	// The stats-only session must see STATS first: the mesh frame
	// submitted before it was never queued for this client.
	var msg protocol.StatsMsg
	readMsg(t, conn, &msg)
	if msg.Type != protocol.TypeStats {
		t.Fatalf("type = %q, want STATS", msg.Type)
	}
	if msg.Frame != 77 || msg.Chunks.Loaded != 12 {
		t.Fatalf("stats = %+v", msg)
	}
	if msg.Fluid.TotalVolume != 64.5 || msg.Errors.Bounds != 3 {
		t.Fatalf("stats = %+v", msg)
	}
	if msg.Digest != "cafe01" {
		t.Fatalf("digest = %q", msg.Digest)
	}
}

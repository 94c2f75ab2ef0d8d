// Package ws serves the observer protocol over websockets. Clients
// announce themselves with HELLO, then receive the streams they
// subscribed to; VIEWER reports steer chunk streaming and DISTURB
// requests are queued for the simulation goroutine.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"hydrovox/internal/protocol"
	"hydrovox/internal/sim/chunk"
	"hydrovox/internal/sim/engine"
	"hydrovox/internal/sim/mesh"
)

// Sim is the engine surface client requests drive. Calls happen on
// the goroutine that invokes Dispatch, never on connection goroutines.
type Sim interface {
	Disturb(pos mgl32.Vec3, radius, magnitude float32) (uuid.UUID, bool)
}

const (
	outBuffer     = 256
	pendingBuffer = 256
	disturbRate   = rate.Limit(5)
	disturbBurst  = 10
)

type pendingDisturb struct {
	c   *client
	msg protocol.DisturbMsg
}

// Server fans engine output out to observer sessions. It is the
// engine's RenderSink and ViewerProvider.
type Server struct {
	params protocol.WorldParams
	log    *log.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*client]struct{}
	lastMesh map[chunk.Coord][]byte

	pending chan pendingDisturb
}

var (
	_ engine.RenderSink     = (*Server)(nil)
	_ engine.ViewerProvider = (*Server)(nil)
)

func NewServer(params protocol.WorldParams, logger *log.Logger) *Server {
	return &Server{
		params: params,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		clients:  make(map[*client]struct{}),
		lastMesh: make(map[chunk.Coord][]byte),
		pending:  make(chan pendingDisturb, pendingBuffer),
	}
}

// ClientCount reports connected sessions.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ViewerPositions returns the latest position of every session that
// has sent a VIEWER report.
func (s *Server) ViewerPositions() []mgl32.Vec3 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mgl32.Vec3
	for cl := range s.clients {
		if p, ok := cl.position(); ok {
			out = append(out, p)
		}
	}
	return out
}

// SubmitChunkMesh encodes the mesh once and hands it to every mesh
// subscriber. The latest frame per chunk is kept for replay to
// sessions that connect later.
func (s *Server) SubmitChunkMesh(c chunk.Coord, m *mesh.Mesh, lod int) {
	b, err := json.Marshal(meshFrame(c, m, lod))
	if err != nil {
		s.warnf("encode mesh %v: %v", c, err)
		return
	}
	s.mu.Lock()
	s.lastMesh[c] = b
	for cl := range s.clients {
		if cl.subMesh {
			cl.trySend(b)
		}
	}
	s.mu.Unlock()
}

// ClearChunkMesh broadcasts a removal frame and drops the chunk from
// the replay cache.
func (s *Server) ClearChunkMesh(c chunk.Coord) {
	b, err := json.Marshal(protocol.MeshMsg{
		Type:            protocol.TypeMesh,
		ProtocolVersion: protocol.Version,
		Chunk:           [3]int32{c.X, c.Y, c.Z},
		Removed:         true,
	})
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.lastMesh, c)
	for cl := range s.clients {
		if cl.subMesh {
			cl.trySend(b)
		}
	}
	s.mu.Unlock()
}

// BroadcastStats sends the per-second sample to stats subscribers.
func (s *Server) BroadcastStats(st engine.Stats, digest string) {
	msg := protocol.StatsMsg{
		Type:            protocol.TypeStats,
		ProtocolVersion: protocol.Version,
		Frame:           st.Frame,
		Chunks: protocol.ChunkStats{
			Loaded:        st.Loaded,
			Active:        st.Active,
			Inactive:      st.Inactive,
			BorderOnly:    st.BorderOnly,
			Cached:        st.Cached,
			QueuedLoads:   st.QueuedLoads,
			QueuedUnloads: st.QueuedUnloads,
		},
		Fluid: protocol.FluidStats{
			TotalVolume:   st.TotalVolume,
			DroppedVolume: st.DroppedVolume,
		},
		StepMillis:    st.StepMillis,
		MeshRebuilds:  st.MeshRebuilds,
		ActiveRegions: st.ActiveRegions,
		Errors: protocol.ErrorStats{
			Terrain:     st.Counters.Terrain,
			Persistence: st.Counters.Persistence,
			MeshBuild:   st.Counters.MeshBuild,
			Bounds:      st.Counters.Bounds,
		},
		Digest: digest,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	for cl := range s.clients {
		if cl.subStats {
			cl.trySend(b)
		}
	}
	s.mu.Unlock()
}

// Dispatch applies queued client requests to sim. Call it from the
// goroutine that owns the engine, between ticks.
func (s *Server) Dispatch(sim Sim) {
	for {
		select {
		case p := <-s.pending:
			s.applyDisturb(sim, p)
		default:
			return
		}
	}
}

func (s *Server) applyDisturb(sim Sim, p pendingDisturb) {
	m := p.msg
	id, ok := sim.Disturb(mgl32.Vec3{m.Pos[0], m.Pos[1], m.Pos[2]}, m.Radius, m.Magnitude)
	ack := protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          protocol.TypeDisturb,
		ReqID:           m.ReqID,
		Accepted:        ok,
	}
	if ok {
		ack.RegionID = id.String()
	} else {
		ack.Code = protocol.ErrRejected
		ack.Message = "no dormant water in range"
	}
	p.c.sendAck(ack)
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		cl := s.handshake(conn)
		if cl == nil {
			return
		}

		s.mu.Lock()
		s.clients[cl] = struct{}{}
		var replay [][]byte
		if cl.subMesh {
			replay = make([][]byte, 0, len(s.lastMesh))
			for _, b := range s.lastMesh {
				replay = append(replay, b)
			}
		}
		s.mu.Unlock()
		defer s.removeClient(cl)

		// Frames submitted during the replay queue up in cl.out and
		// follow it, so the client converges on the live state.
		for _, b := range replay {
			if err := writeRaw(conn, b); err != nil {
				return
			}
		}

		cl.run(conn, s)
	}
}

func (s *Server) removeClient(cl *client) {
	s.mu.Lock()
	delete(s.clients, cl)
	s.mu.Unlock()
}

func (s *Server) handshake(conn *websocket.Conn) *client {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closePolicy(conn, "expected HELLO")
		return nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closePolicy(conn, "bad protocol_version")
		return nil
	}

	cl := newClient(hello)
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       cl.id,
		WorldParams:     s.params,
	}
	b, err := json.Marshal(welcome)
	if err != nil {
		return nil
	}
	if err := writeRaw(conn, b); err != nil {
		return nil
	}
	return cl
}

// enqueueDisturb hands a validated request to the simulation side.
// False means the queue is full.
func (s *Server) enqueueDisturb(cl *client, m protocol.DisturbMsg) bool {
	select {
	case s.pending <- pendingDisturb{c: cl, msg: m}:
		return true
	default:
		return false
	}
}

func (s *Server) warnf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf("ws: "+format, args...)
	}
}

func meshFrame(c chunk.Coord, m *mesh.Mesh, lod int) protocol.MeshMsg {
	pos := make([]float32, 0, 3*len(m.Positions))
	for _, v := range m.Positions {
		pos = append(pos, v[0], v[1], v[2])
	}
	nrm := make([]float32, 0, 3*len(m.Normals))
	for _, v := range m.Normals {
		nrm = append(nrm, v[0], v[1], v[2])
	}
	uv := make([]float32, 0, 2*len(m.UVs))
	for _, v := range m.UVs {
		uv = append(uv, v[0], v[1])
	}
	col := make([]float32, 0, 4*len(m.Colors))
	for _, v := range m.Colors {
		col = append(col, v[0], v[1], v[2], v[3])
	}
	return protocol.MeshMsg{
		Type:            protocol.TypeMesh,
		ProtocolVersion: protocol.Version,
		Chunk:           [3]int32{c.X, c.Y, c.Z},
		LOD:             lod,
		VertexCount:     len(m.Positions),
		IndexCount:      len(m.Indices),
		Positions:       protocol.EncodeFloats(pos),
		Normals:         protocol.EncodeFloats(nrm),
		UVs:             protocol.EncodeFloats(uv),
		Colors:          protocol.EncodeFloats(col),
		Indices:         protocol.EncodeIndices(m.Indices),
	}
}

func writeRaw(conn *websocket.Conn, b []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
}

package ws

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"hydrovox/internal/protocol"
)

type client struct {
	id  string
	out chan []byte

	subMesh  bool
	subStats bool

	limiter *rate.Limiter

	mu     sync.Mutex
	hasPos bool
	pos    mgl32.Vec3
}

func newClient(hello protocol.HelloMsg) *client {
	return &client{
		id:       uuid.New().String(),
		out:      make(chan []byte, outBuffer),
		subMesh:  hello.Subscribe.Mesh,
		subStats: hello.Subscribe.Stats,
		limiter:  rate.NewLimiter(disturbRate, disturbBurst),
	}
}

// trySend queues b without blocking, shedding the oldest queued frame
// when the session cannot keep up.
func (c *client) trySend(b []byte) {
	for {
		select {
		case c.out <- b:
			return
		default:
		}
		select {
		case <-c.out:
		default:
		}
	}
}

func (c *client) sendAck(ack protocol.AckMsg) {
	b, err := json.Marshal(ack)
	if err != nil {
		return
	}
	c.trySend(b)
}

func (c *client) position() (mgl32.Vec3, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos, c.hasPos
}

func (c *client) setPosition(p mgl32.Vec3) {
	c.mu.Lock()
	c.pos = p
	c.hasPos = true
	c.mu.Unlock()
}

// run pumps the connection until it drops: one goroutine drains the
// send queue, the calling goroutine reads client messages.
func (c *client) run(conn *websocket.Conn, s *Server) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-c.out:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeViewer:
			c.handleViewer(msg)
		case protocol.TypeDisturb:
			c.handleDisturb(msg, s)
		default:
			// Unknown types are ignored so the protocol can grow.
		}
	}
}

func (c *client) handleViewer(msg []byte) {
	var m protocol.ViewerMsg
	if err := json.Unmarshal(msg, &m); err != nil {
		return
	}
	if m.ProtocolVersion != protocol.Version {
		return
	}
	if !finite(m.Pos[0]) || !finite(m.Pos[1]) || !finite(m.Pos[2]) {
		return
	}
	c.setPosition(mgl32.Vec3{m.Pos[0], m.Pos[1], m.Pos[2]})
}

func (c *client) handleDisturb(msg []byte, s *Server) {
	var m protocol.DisturbMsg
	if err := json.Unmarshal(msg, &m); err != nil {
		c.reject("", protocol.ErrProtoBadRequest, "malformed DISTURB")
		return
	}
	if m.ProtocolVersion != protocol.Version {
		c.reject(m.ReqID, protocol.ErrProtoBadRequest, "bad protocol_version")
		return
	}
	if !finite(m.Pos[0]) || !finite(m.Pos[1]) || !finite(m.Pos[2]) ||
		!finite(m.Radius) || !finite(m.Magnitude) ||
		m.Radius <= 0 || m.Magnitude <= 0 {
		c.reject(m.ReqID, protocol.ErrBadRequest, "radius and magnitude must be positive")
		return
	}
	if !c.limiter.Allow() {
		c.reject(m.ReqID, protocol.ErrRateLimit, "too many disturbances")
		return
	}
	if !s.enqueueDisturb(c, m) {
		c.reject(m.ReqID, protocol.ErrRateLimit, "disturbance queue full")
	}
}

func (c *client) reject(reqID, code, message string) {
	c.sendAck(protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          protocol.TypeDisturb,
		ReqID:           reqID,
		Accepted:        false,
		Code:            code,
		Message:         message,
	})
}

func finite(f float32) bool {
	f64 := float64(f)
	return !math.IsNaN(f64) && !math.IsInf(f64, 0)
}

package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"hydrovox/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	asAny := func(v any) any {
		t.Helper()
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return out
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(asAny(v)); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	helloSchema := compile("hello.schema.json")
	welcomeSchema := compile("welcome.schema.json")
	meshSchema := compile("mesh.schema.json")
	statsSchema := compile("stats.schema.json")
	viewerSchema := compile("viewer.schema.json")
	disturbSchema := compile("disturb.schema.json")
	ackSchema := compile("ack.schema.json")

	validate(helloSchema, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      "observer-1",
		Subscribe:       protocol.HelloSubscribe{Mesh: true, Stats: true},
	})

	validate(welcomeSchema, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       "7f3c0b1e",
		WorldParams: protocol.WorldParams{
			TickRateHz: 30,
			CellSize:   100,
			ChunkSize:  32,
			IsoLevel:   0.1,
			Seed:       1337,
		},
	})

	validate(meshSchema, protocol.MeshMsg{
		Type:            protocol.TypeMesh,
		ProtocolVersion: protocol.Version,
		Chunk:           [3]int32{-2, 0, 1},
		LOD:             1,
		VertexCount:     3,
		IndexCount:      3,
		Positions:       protocol.EncodeFloats([]float32{0, 0, 0, 1, 0, 0, 0, 1, 0}),
		Normals:         protocol.EncodeFloats([]float32{0, 0, 1, 0, 0, 1, 0, 0, 1}),
		UVs:             protocol.EncodeFloats([]float32{0, 0, 1, 0, 0, 1}),
		Colors:          protocol.EncodeFloats([]float32{0, 0.3, 1, 0.8, 0, 0.3, 1, 0.8, 0, 0.3, 1, 0.8}),
		Indices:         protocol.EncodeIndices([]uint32{0, 1, 2}),
	})

	validate(meshSchema, protocol.MeshMsg{
		Type:            protocol.TypeMesh,
		ProtocolVersion: protocol.Version,
		Chunk:           [3]int32{4, 4, 0},
		Removed:         true,
	})

	validate(statsSchema, protocol.StatsMsg{
		Type:            protocol.TypeStats,
		ProtocolVersion: protocol.Version,
		Frame:           9000,
		Chunks: protocol.ChunkStats{
			Loaded: 120, Active: 40, Inactive: 70, BorderOnly: 10, Cached: 300,
			QueuedLoads: 2, QueuedUnloads: 0,
		},
		Fluid:         protocol.FluidStats{TotalVolume: 5120.5, DroppedVolume: 0.75},
		StepMillis:    2.4,
		MeshRebuilds:  811,
		ActiveRegions: 1,
		Errors:        protocol.ErrorStats{Persistence: 1},
		Digest:        "0a1b2c",
	})

	validate(viewerSchema, protocol.ViewerMsg{
		Type:            protocol.TypeViewer,
		ProtocolVersion: protocol.Version,
		Pos:             [3]float32{100.5, -200, 350},
	})

	validate(disturbSchema, protocol.DisturbMsg{
		Type:            protocol.TypeDisturb,
		ProtocolVersion: protocol.Version,
		ReqID:           "d-17",
		Pos:             [3]float32{150, 150, 250},
		Radius:          120,
		Magnitude:       0.4,
	})

	validate(ackSchema, protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          protocol.TypeDisturb,
		ReqID:           "d-17",
		Accepted:        false,
		Code:            protocol.ErrRejected,
		Message:         "no dormant water in range",
	})

	// A zero-magnitude disturbance must not pass.
	if err := disturbSchema.Validate(asAny(protocol.DisturbMsg{
		Type:            protocol.TypeDisturb,
		ProtocolVersion: protocol.Version,
		Pos:             [3]float32{0, 0, 0},
		Radius:          10,
		Magnitude:       0,
	})); err == nil {
		t.Fatalf("expected zero magnitude rejected")
	}
}

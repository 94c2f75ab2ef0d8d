package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// MESH (server -> client): one chunk's fluid surface. Array fields
// are base64 of little-endian float32 (positions xyz, normals xyz,
// uvs uv, colors rgba) or little-endian uint32 (indices). Removed
// means the chunk no longer has a mesh and the arrays are absent.
type MeshMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Chunk           [3]int32 `json:"chunk"`
	LOD             int      `json:"lod"`
	Removed         bool     `json:"removed,omitempty"`
	VertexCount     int      `json:"vertex_count,omitempty"`
	IndexCount      int      `json:"index_count,omitempty"`
	Positions       string   `json:"positions,omitempty"`
	Normals         string   `json:"normals,omitempty"`
	UVs             string   `json:"uvs,omitempty"`
	Colors          string   `json:"colors,omitempty"`
	Indices         string   `json:"indices,omitempty"`
}

// EncodeFloats packs vals as little-endian float32 and base64s them.
func EncodeFloats(vals []float32) string {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func DecodeFloats(s string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("float payload length %d not a multiple of 4", len(buf))
	}
	vals := make([]float32, len(buf)/4)
	for i := range vals {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vals, nil
}

// EncodeIndices packs vals as little-endian uint32 and base64s them.
func EncodeIndices(vals []uint32) string {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func DecodeIndices(s string) ([]uint32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("index payload length %d not a multiple of 4", len(buf))
	}
	vals := make([]uint32, len(buf)/4)
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	return vals, nil
}

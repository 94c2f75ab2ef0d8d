package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	ClientName      string         `json:"client_name,omitempty"`
	Subscribe       HelloSubscribe `json:"subscribe"`
}

// HelloSubscribe selects the server->client streams a session wants.
// The zero value subscribes to nothing; the server still answers acks.
type HelloSubscribe struct {
	Mesh  bool `json:"mesh,omitempty"`
	Stats bool `json:"stats,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	WorldParams     WorldParams `json:"world_params"`
}

type WorldParams struct {
	TickRateHz int     `json:"tick_rate_hz"`
	CellSize   float32 `json:"cell_size"`
	ChunkSize  int     `json:"chunk_size"`
	IsoLevel   float32 `json:"iso_level"`
	Seed       int64   `json:"seed"`
}

// VIEWER (client -> server): where this session's viewpoint is.
// Streaming follows the union of all reported viewpoints.
type ViewerMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Pos             [3]float32 `json:"pos"`
}

// DISTURB (client -> server): poke the water at a world position.
type DisturbMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ReqID           string     `json:"req_id,omitempty"`
	Pos             [3]float32 `json:"pos"`
	Radius          float32    `json:"radius"`
	Magnitude       float32    `json:"magnitude"`
}

// ACK (server -> client)
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	ReqID           string `json:"req_id,omitempty"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	RegionID        string `json:"region_id,omitempty"`
}

// STATS (server -> client): the per-second engine sample.
type StatsMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Frame           uint64     `json:"frame"`
	Chunks          ChunkStats `json:"chunks"`
	Fluid           FluidStats `json:"fluid"`
	StepMillis      float64    `json:"step_ms"`
	MeshRebuilds    uint64     `json:"mesh_rebuilds"`
	ActiveRegions   int        `json:"active_regions"`
	Errors          ErrorStats `json:"errors"`
	Digest          string     `json:"digest,omitempty"`
}

type ChunkStats struct {
	Loaded        int `json:"loaded"`
	Active        int `json:"active"`
	Inactive      int `json:"inactive"`
	BorderOnly    int `json:"border_only"`
	Cached        int `json:"cached"`
	QueuedLoads   int `json:"queued_loads"`
	QueuedUnloads int `json:"queued_unloads"`
}

type FluidStats struct {
	TotalVolume   float32 `json:"total_volume"`
	DroppedVolume float64 `json:"dropped_volume"`
}

type ErrorStats struct {
	Terrain     uint64 `json:"terrain"`
	Persistence uint64 `json:"persistence"`
	MeshBuild   uint64 `json:"mesh_build"`
	Bounds      uint64 `json:"bounds"`
}

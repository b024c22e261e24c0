package server

import (
	"github.com/halftermeyer/linkforest/pkg/core/types"
)

// EventRequest is the shared body of POST /events (ingest) and
// POST /events/score (real-time scoring). An empty ID is filled with a
// generated UUID. Timestamp is unix milliseconds.
type EventRequest struct {
	ID        string         `json:"id,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Type      string         `json:"type,omitempty"`
	Amount    float64        `json:"amount,omitempty"`
	Entities  []types.Entity `json:"entities"`
}

// IngestResponse confirms a stored event.
type IngestResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

// ScoreResponse carries the real-time feature record. The event is NOT
// stored: scoring is read-only and the caller decides whether to ingest.
type ScoreResponse struct {
	Features *types.FeatureRecord `json:"features"`
}

// LinkResponse reports one chain-builder run.
type LinkResponse struct {
	Status       string `json:"status"`
	EdgesChanged int    `json:"edges_changed"`
}

// ComputeMetricsResponse reports one metrics-engine run.
type ComputeMetricsResponse struct {
	Status           string `json:"status"`
	SnapshotsWritten int    `json:"snapshots_written"`
}

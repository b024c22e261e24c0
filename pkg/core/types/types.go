// Package types defines the shared value types exchanged between the store,
// the engine and the HTTP layer. Keeping them here avoids import cycles
// between pkg/core and pkg/engine.
package types

import "fmt"

// EntityKind is the type tag of an identifying entity. Entities are modeled
// as one sum-typed value (kind + natural key) instead of per-kind structs, so
// touch edges and indexes can treat them generically.
type EntityKind string

const (
	KindCard    EntityKind = "card"
	KindIP      EntityKind = "ip"
	KindEmail   EntityKind = "email"
	KindPhone   EntityKind = "phone"
	KindDevice  EntityKind = "device"
	KindSession EntityKind = "session"
	KindAccount EntityKind = "account"
)

// Entity is an identifying entity, keyed by its natural value.
// Entities are created on first reference and never deleted.
type Entity struct {
	Kind EntityKind `json:"kind"`
	Key  string     `json:"key"`
}

// ID returns the canonical store key for the entity ("kind:key").
func (e Entity) ID() string {
	return fmt.Sprintf("%s:%s", e.Kind, e.Key)
}

// Event is an immutable interaction record. Timestamp is unix milliseconds.
// Amount is optional (0 when absent). Only derived state (component metrics,
// processed flag) is ever attached after creation.
type Event struct {
	ID        string  `json:"id"`
	Timestamp int64   `json:"timestamp"`
	Type      string  `json:"type"`
	Amount    float64 `json:"amount,omitempty"`
}

// Before reports whether e precedes other in the canonical (timestamp, id)
// order. Every chronological sort in the system uses this comparator so that
// timestamp ties break identically everywhere.
func (e Event) Before(other Event) bool {
	if e.Timestamp != other.Timestamp {
		return e.Timestamp < other.Timestamp
	}
	return e.ID < other.ID
}

// DiameterUndefined is the sentinel recorded when a component's
// micro-projection has no touch edges at all.
const DiameterUndefined = -1

// ComponentMetrics is the as-of snapshot persisted on a processed event:
// the size, diameter and velocity of its component as it existed up to and
// including the event's own timestamp. Computed once, immutable thereafter.
type ComponentMetrics struct {
	Size     int     `json:"component_size"`
	Diameter int     `json:"component_diameter"`
	Velocity float64 `json:"component_velocity"`
}

// FeatureRecord is the flat record consumed by the downstream ML pipeline.
// The training (backward) and real-time (forward) paths emit this exact
// schema. The max fields are nil when the event bridges no prior components.
type FeatureRecord struct {
	EventID                string   `json:"event_id"`
	MaxComponentSize       *int     `json:"max_component_size"`
	MaxComponentDiameter   *int     `json:"max_component_diameter"`
	MaxComponentVelocity   *float64 `json:"max_component_velocity"`
	DistinctComponentCount int      `json:"distinct_component_count"`
}

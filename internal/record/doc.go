// Package record defines the data model the engine moves around: typed
// field values, Entities, ordered Snapshots and Mutations.
//
// Values are a sealed set (Null, String, Int, Bool, List, Object). There is
// no float type: monetary and measured quantities are stored as Int in
// minor units, which keeps comparisons and hashing exact.
//
// Entities captured into a Snapshot are treated as immutable. Derive a
// changed copy with Entity.With rather than writing to Fields directly.
//
// MarshalCanonical produces a deterministic JSON encoding (sorted keys,
// NFC-normalized strings, no HTML escaping) used for content hashes, the
// SQLite store and golden traces.
package record

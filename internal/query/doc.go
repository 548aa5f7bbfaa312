// Package query defines the query descriptor handed to the external query
// interface.
//
// The descriptor is deliberately small: a Select over one entity type with
// a conjunction of equality and membership predicates, ordered by ID with
// keyset pagination. That fragment is enough for bulk key lookups
// (In over a collected key set) and restartable chunked scans, and it maps
// directly onto SQL (see package querysql) or an in-memory filter (Apply).
package query

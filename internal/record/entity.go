package record

import (
	"fmt"
	"iter"
	"slices"
)

// Operation is the kind of lifecycle change an Event or Mutation carries.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// Entity is a typed record: a unique ID, typed field values, an optimistic
// concurrency version and named relationships to other entities.
//
// Parents maps a relationship name to the ID of the referenced entity
// (for example "account" -> "001..."). Children maps a relationship name to
// the related child entities, populated only when a query asks for them.
type Entity struct {
	ID       string
	Type     string
	Version  int64
	Fields   Object
	Parents  map[string]string
	Children map[string][]Entity
}

// NewEntity builds an Entity with the given fields.
func NewEntity(entityType, id string, fields Object) Entity {
	if fields == nil {
		fields = Object{}
	}
	return Entity{ID: id, Type: entityType, Fields: fields}
}

// Get returns a field value, or Null when the field is absent.
func (e Entity) Get(field string) Value {
	if v, ok := e.Fields[field]; ok && v != nil {
		return v
	}
	return Null{}
}

// String returns a String field, or "" when absent or of another type.
func (e Entity) String(field string) string {
	s, _ := e.Get(field).(String)
	return string(s)
}

// Int returns an Int field, or 0 when absent or of another type.
func (e Entity) Int(field string) int64 {
	n, _ := e.Get(field).(Int)
	return int64(n)
}

// Parent returns the ID referenced by a parent relationship.
func (e Entity) Parent(rel string) (string, bool) {
	id, ok := e.Parents[rel]
	return id, ok && id != ""
}

// With returns a copy of e with field set to v. e itself is not modified.
func (e Entity) With(field string, v Value) Entity {
	out := e.Clone()
	out.Fields[field] = v
	return out
}

// WithParent returns a copy of e referencing parentID through rel.
func (e Entity) WithParent(rel, parentID string) Entity {
	out := e.Clone()
	if out.Parents == nil {
		out.Parents = make(map[string]string, 1)
	}
	out.Parents[rel] = parentID
	return out
}

// Clone returns a deep copy of e.
func (e Entity) Clone() Entity {
	out := Entity{
		ID:      e.ID,
		Type:    e.Type,
		Version: e.Version,
		Fields:  e.Fields.Clone(),
	}
	if e.Parents != nil {
		out.Parents = make(map[string]string, len(e.Parents))
		for k, v := range e.Parents {
			out.Parents[k] = v
		}
	}
	if e.Children != nil {
		out.Children = make(map[string][]Entity, len(e.Children))
		for rel, kids := range e.Children {
			cp := make([]Entity, len(kids))
			for i, k := range kids {
				cp[i] = k.Clone()
			}
			out.Children[rel] = cp
		}
	}
	return out
}

// Size estimates the in-memory footprint of e in bytes. The estimate is
// used for heap quota accounting; it is deterministic, not exact.
func (e Entity) Size() int64 {
	const header = 64
	n := int64(header + len(e.ID) + len(e.Type))
	n += SizeOf(e.Fields)
	for k, v := range e.Parents {
		n += int64(len(k) + len(v) + 16)
	}
	for rel, kids := range e.Children {
		n += int64(len(rel) + 24)
		for _, k := range kids {
			n += k.Size()
		}
	}
	return n
}

// SizeOf estimates the footprint of a value in bytes.
func SizeOf(v Value) int64 {
	switch val := v.(type) {
	case nil, Null:
		return 8
	case String:
		return int64(16 + len(val))
	case Int, Bool:
		return 8
	case List:
		n := int64(24)
		for _, elem := range val {
			n += SizeOf(elem)
		}
		return n
	case Object:
		n := int64(48)
		for k, elem := range val {
			n += int64(16+len(k)) + SizeOf(elem)
		}
		return n
	default:
		return 8
	}
}

// SizeOfAll sums Size over entities.
func SizeOfAll(entities []Entity) int64 {
	var n int64
	for _, e := range entities {
		n += e.Size()
	}
	return n
}

// Snapshot is an immutable, insertion-ordered mapping from ID to Entity.
// Iteration always follows the order the entities were captured in, so any
// computation over a Snapshot is deterministic.
type Snapshot struct {
	order []string
	byID  map[string]Entity
}

// NewSnapshot captures entities into a Snapshot. Entities are copied; later
// changes to the arguments do not affect the snapshot. Duplicate or empty
// IDs are rejected.
func NewSnapshot(entities ...Entity) (Snapshot, error) {
	s := Snapshot{
		order: make([]string, 0, len(entities)),
		byID:  make(map[string]Entity, len(entities)),
	}
	for i, e := range entities {
		if e.ID == "" {
			return Snapshot{}, fmt.Errorf("entity %d has empty ID", i)
		}
		if _, dup := s.byID[e.ID]; dup {
			return Snapshot{}, fmt.Errorf("duplicate entity ID %q", e.ID)
		}
		s.order = append(s.order, e.ID)
		s.byID[e.ID] = e.Clone()
	}
	return s, nil
}

// MustSnapshot is like NewSnapshot but panics on error.
// Use only in tests or with known-good input.
func MustSnapshot(entities ...Entity) Snapshot {
	s, err := NewSnapshot(entities...)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of entities.
func (s Snapshot) Len() int { return len(s.order) }

// Get looks up an entity by ID in O(1).
func (s Snapshot) Get(id string) (Entity, bool) {
	e, ok := s.byID[id]
	return e, ok
}

// Has reports whether id is present.
func (s Snapshot) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// IDs returns the IDs in capture order.
func (s Snapshot) IDs() []string {
	return slices.Clone(s.order)
}

// Entities returns the entities in capture order.
func (s Snapshot) Entities() []Entity {
	out := make([]Entity, len(s.order))
	for i, id := range s.order {
		out[i] = s.byID[id]
	}
	return out
}

// All iterates (id, entity) pairs in capture order.
func (s Snapshot) All() iter.Seq2[string, Entity] {
	return func(yield func(string, Entity) bool) {
		for _, id := range s.order {
			if !yield(id, s.byID[id]) {
				return
			}
		}
	}
}

// Replace returns a new Snapshot with the entity of the same ID swapped for
// e, keeping its position. The receiver is unchanged.
func (s Snapshot) Replace(e Entity) (Snapshot, error) {
	if _, ok := s.byID[e.ID]; !ok {
		return Snapshot{}, fmt.Errorf("entity %q not in snapshot", e.ID)
	}
	out := Snapshot{
		order: s.order,
		byID:  make(map[string]Entity, len(s.byID)),
	}
	for id, existing := range s.byID {
		out.byID[id] = existing
	}
	out.byID[e.ID] = e.Clone()
	return out, nil
}

// SameKeys reports whether s and other hold exactly the same set of IDs.
func (s Snapshot) SameKeys(other Snapshot) bool {
	if len(s.order) != len(other.order) {
		return false
	}
	for _, id := range s.order {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// Chunk splits entities into consecutive slices of at most size elements,
// preserving order. size <= 0 yields a single chunk.
func Chunk(entities []Entity, size int) [][]Entity {
	if len(entities) == 0 {
		return nil
	}
	if size <= 0 || size >= len(entities) {
		return [][]Entity{entities}
	}
	chunks := make([][]Entity, 0, (len(entities)+size-1)/size)
	for start := 0; start < len(entities); start += size {
		end := min(start+size, len(entities))
		chunks = append(chunks, entities[start:end])
	}
	return chunks
}

// Mutation is a single write against the store.
type Mutation struct {
	Op     Operation
	Entity Entity
}

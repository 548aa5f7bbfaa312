package record

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntity_WithDoesNotMutate(t *testing.T) {
	e := NewEntity("Opportunity", "o1", Object{"stage": String("Open")})
	changed := e.With("stage", String("Won"))

	assert.Equal(t, "Open", e.String("stage"))
	assert.Equal(t, "Won", changed.String("stage"))
}

func TestEntity_Accessors(t *testing.T) {
	e := NewEntity("Opportunity", "o1", Object{"amount": Int(500), "name": String("deal")}).
		WithParent("account", "a1")

	assert.Equal(t, int64(500), e.Int("amount"))
	assert.Equal(t, "deal", e.String("name"))
	assert.Equal(t, Null{}, e.Get("missing"))
	assert.Equal(t, int64(0), e.Int("name"))

	parent, ok := e.Parent("account")
	assert.True(t, ok)
	assert.Equal(t, "a1", parent)

	_, ok = e.Parent("owner")
	assert.False(t, ok)
}

func TestEntity_Size(t *testing.T) {
	small := NewEntity("T", "1", Object{})
	big := NewEntity("T", "1", Object{"blob": String(string(make([]byte, 1000)))})
	assert.Greater(t, big.Size(), small.Size()+1000)
	assert.Equal(t, small.Size()+big.Size(), SizeOfAll([]Entity{small, big}))
}

func TestSnapshot_PreservesOrder(t *testing.T) {
	var entities []Entity
	for i := range 50 {
		entities = append(entities, NewEntity("T", fmt.Sprintf("id-%02d", 49-i), nil))
	}
	s := MustSnapshot(entities...)

	require.Equal(t, 50, s.Len())
	ids := s.IDs()
	assert.Equal(t, "id-49", ids[0])
	assert.Equal(t, "id-00", ids[49])

	var iterated []string
	for id := range s.All() {
		iterated = append(iterated, id)
	}
	assert.Equal(t, ids, iterated)
}

func TestSnapshot_RejectsDuplicates(t *testing.T) {
	_, err := NewSnapshot(NewEntity("T", "a", nil), NewEntity("T", "a", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	_, err = NewSnapshot(NewEntity("T", "", nil))
	assert.Error(t, err)
}

func TestSnapshot_IsolatedFromCaller(t *testing.T) {
	e := NewEntity("T", "a", Object{"n": Int(1)})
	s := MustSnapshot(e)
	e.Fields["n"] = Int(99)

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Int("n"))
}

func TestSnapshot_Replace(t *testing.T) {
	s := MustSnapshot(NewEntity("T", "a", nil), NewEntity("T", "b", nil))
	next, err := s.Replace(NewEntity("T", "b", Object{"x": Int(1)}))
	require.NoError(t, err)

	orig, _ := s.Get("b")
	updated, _ := next.Get("b")
	assert.Equal(t, int64(0), orig.Int("x"))
	assert.Equal(t, int64(1), updated.Int("x"))
	assert.Equal(t, s.IDs(), next.IDs())

	_, err = s.Replace(NewEntity("T", "zzz", nil))
	assert.Error(t, err)
}

func TestSnapshot_SameKeys(t *testing.T) {
	a := MustSnapshot(NewEntity("T", "1", nil), NewEntity("T", "2", nil))
	b := MustSnapshot(NewEntity("T", "2", nil), NewEntity("T", "1", nil))
	c := MustSnapshot(NewEntity("T", "1", nil))
	assert.True(t, a.SameKeys(b))
	assert.False(t, a.SameKeys(c))
}

func TestChunk(t *testing.T) {
	entities := make([]Entity, 450)
	for i := range entities {
		entities[i] = NewEntity("T", fmt.Sprint(i), nil)
	}
	chunks := Chunk(entities, 200)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 200)
	assert.Len(t, chunks[1], 200)
	assert.Len(t, chunks[2], 50)
	assert.Equal(t, "400", chunks[2][0].ID)

	assert.Nil(t, Chunk(nil, 200))
	assert.Len(t, Chunk(entities, 0), 1)
}

package transition

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govern/internal/record"
)

func opp(id, stage string) record.Entity {
	return record.NewEntity("Opportunity", id, record.Object{"stage": record.String(stage)})
}

// batch builds 200 opportunities, all Open before; every fifth one is Won
// after, the rest either stay Open or move to Lost.
func batch() (record.Snapshot, record.Snapshot, []string) {
	var olds, news []record.Entity
	var won []string
	for i := 0; i < 200; i++ {
		// Reverse ID order so the result order proves it follows the
		// snapshot and not a sort.
		id := fmt.Sprintf("o%03d", 199-i)
		olds = append(olds, opp(id, "Open"))
		switch {
		case i%5 == 0:
			news = append(news, opp(id, "Won"))
			won = append(won, id)
		case i%7 == 0:
			news = append(news, opp(id, "Lost"))
		default:
			news = append(news, opp(id, "Open"))
		}
	}
	return record.MustSnapshot(olds...), record.MustSnapshot(news...), won
}

func ids(entities []record.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.ID
	}
	return out
}

func TestFind_OpenToWon(t *testing.T) {
	oldState, newState, won := batch()
	got := Find(oldState, newState, FieldTransitioned("stage", record.String("Open"), record.String("Won")))

	require.Len(t, got, 40)
	assert.Equal(t, won, ids(got))
}

func TestFind_Idempotent(t *testing.T) {
	oldState, newState, _ := batch()
	pred := FieldChanged("stage")

	first := Find(oldState, newState, pred)
	second := Find(oldState, newState, pred)
	assert.Equal(t, first, second)
}

func TestFind_SkipsIDsMissingFromOld(t *testing.T) {
	oldState := record.MustSnapshot(opp("o1", "Open"))
	newState := record.MustSnapshot(opp("o1", "Won"), opp("o2", "Won"))

	got := Find(oldState, newState, FieldChanged("stage"))
	assert.Equal(t, []string{"o1"}, ids(got))
}

func TestFieldEntered(t *testing.T) {
	terminal := FieldEntered("stage", record.String("Won"), record.String("Lost"))

	assert.True(t, terminal(opp("o", "Open"), opp("o", "Lost")))
	assert.False(t, terminal(opp("o", "Won"), opp("o", "Lost")), "already terminal")
	assert.False(t, terminal(opp("o", "Open"), opp("o", "Open")))
}

func TestAll(t *testing.T) {
	p := All(FieldChanged("stage"), FieldEntered("stage", record.String("Won")))
	assert.True(t, p(opp("o", "Open"), opp("o", "Won")))
	assert.False(t, p(opp("o", "Open"), opp("o", "Lost")))
}

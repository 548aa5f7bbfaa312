package guard

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuard_AllowsUpToCeiling(t *testing.T) {
	for _, ceiling := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("ceiling=%d", ceiling), func(t *testing.T) {
			g := New(ceiling)
			for n := 1; n <= ceiling+3; n++ {
				assert.Equal(t, n <= ceiling, g.Allow("Account", "before_mutate"), "call %d", n)
			}
			assert.Equal(t, ceiling, g.Count("Account", "before_mutate"))
		})
	}
}

func TestGuard_KeysAreIndependent(t *testing.T) {
	g := New(1)
	assert.True(t, g.Allow("Account", "before_mutate"))
	assert.True(t, g.Allow("Account", "after_mutate"))
	assert.True(t, g.Allow("Contact", "before_mutate"))
	assert.False(t, g.Allow("Account", "before_mutate"))
}

func TestGuard_ResetStartsFresh(t *testing.T) {
	g := New(2)
	g.Allow("Account", "after_mutate")
	g.Allow("Account", "after_mutate")
	assert.False(t, g.Allow("Account", "after_mutate"))

	g.Reset()

	assert.True(t, g.Allow("Account", "after_mutate"))
	assert.Equal(t, 1, g.Count("Account", "after_mutate"))
}

func TestGuard_DefaultCeiling(t *testing.T) {
	assert.Equal(t, DefaultCeiling, New(0).Ceiling())
	assert.Equal(t, DefaultCeiling, New(-3).Ceiling())
}

func TestGuard_Concurrent(t *testing.T) {
	g := New(10)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Allow("Account", "before_validate") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestRecursionLimitError(t *testing.T) {
	err := fmt.Errorf("skip: %w", &RecursionLimitError{EntityType: "Account", Stage: "after_mutate", Ceiling: 2})
	assert.True(t, IsRecursionLimit(err))
	assert.Contains(t, err.Error(), "Account/after_mutate")
}

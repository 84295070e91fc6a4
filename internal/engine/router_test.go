package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stripedb/stripedb/internal/model"
)

func TestRouter_Deterministic(t *testing.T) {
	r := NewRouter(256)

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		first := r.Route(key)
		for j := 0; j < 10; j++ {
			assert.Equal(t, first, r.Route(key))
		}
	}
}

func TestRouter_StaysInRange(t *testing.T) {
	for _, count := range []int{1, 4, 256, 1024} {
		r := NewRouter(count)
		for i := 0; i < 1000; i++ {
			stripe := r.Route([]byte(fmt.Sprintf("key-%d", i)))
			assert.Less(t, uint32(stripe), uint32(count))
		}
	}
}

func TestRouter_SpreadsKeys(t *testing.T) {
	r := NewRouter(4)
	seen := make(map[model.StripeID]int)
	for i := 0; i < 1000; i++ {
		seen[r.Route([]byte(fmt.Sprintf("key-%d", i)))]++
	}

	assert.Len(t, seen, 4, "a thousand keys should land on every stripe")
	for stripe, n := range seen {
		assert.Greater(t, n, 100, "stripe %d is starved", stripe)
	}
}

package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeBackoffSequence(t *testing.T) {
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		got := computeBackoff(i + 1)
		assert.Equal(t, w, got, "attempt %d", i+1)
	}
}

func TestComputeBackoffFloorsAtOne(t *testing.T) {
	assert.Equal(t, 1*time.Second, computeBackoff(0))
	assert.Equal(t, 1*time.Second, computeBackoff(-5))
}

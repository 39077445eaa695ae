// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForEach(t *testing.T) {
	for _, parallelism := range []int{0, 1, 4, -1} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		results := make([]int, 100)
		var count atomic.Int32
		pool.ForEach(len(results), func(i int) {
			results[i] = i * i
			count.Add(1)
		})
		assert.Equal(t, int32(100), count.Load(), "parallelism=%d", parallelism)
		for i, v := range results {
			assert.Equal(t, i*i, v)
		}
	}
}

func TestStartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(0)
	assert.False(t, pool.StartIfAvailable(func() {}))

	pool.SetMaxParallelism(1)
	release := make(chan struct{})
	done := make(chan struct{})
	assert.True(t, pool.StartIfAvailable(func() {
		<-release
		close(done)
	}))
	assert.False(t, pool.StartIfAvailable(func() {}), "pool must be full")
	close(release)
	<-done
}

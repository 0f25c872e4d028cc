package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan(t *testing.T) {
	t.Run("splits 10 MiB into four equal chunks", func(t *testing.T) {
		ranges := Plan(10<<20, 1<<20, 8, 4)
		require.Len(t, ranges, 4)
		for i, r := range ranges {
			assert.Equal(t, int64(i)*2621440, r.Start)
			assert.Equal(t, int64(i+1)*2621440, r.End)
		}
	})

	t.Run("last chunk absorbs the remainder", func(t *testing.T) {
		ranges := Plan(10<<20+3, 1<<20, 8, 4)
		require.Len(t, ranges, 4)
		assert.Equal(t, int64(2621440), ranges[0].End-ranges[0].Start)
		last := ranges[3]
		assert.Equal(t, int64(10<<20+3), last.End)
		assert.Equal(t, int64(2621443), last.End-last.Start)
	})

	t.Run("small file yields a single range", func(t *testing.T) {
		ranges := Plan(1000, 1<<20, 8, 4)
		require.Len(t, ranges, 1)
		assert.Equal(t, Range{Start: 0, End: 1000}, ranges[0])
	})

	t.Run("chunk count bounded by min chunk size", func(t *testing.T) {
		// 5 MiB at a 1 MiB minimum supports at most 5 chunks.
		ranges := Plan(5<<20, 1<<20, 16, 16)
		assert.Len(t, ranges, 5)
	})

	t.Run("chunk count bounded by max chunks", func(t *testing.T) {
		ranges := Plan(100<<20, 1<<20, 8, 32)
		assert.Len(t, ranges, 8)
	})

	t.Run("zero size yields one empty range", func(t *testing.T) {
		ranges := Plan(0, 1<<20, 8, 4)
		require.Len(t, ranges, 1)
		assert.Equal(t, Range{Start: 0, End: 0}, ranges[0])
	})

	t.Run("ranges partition the file exactly", func(t *testing.T) {
		sizes := []int64{1, 1023, 1<<20 - 1, 1 << 20, 5<<20 + 7, 100<<20 + 123}
		targets := []int{1, 4, 16}
		maxes := []int{2, 8}
		for _, size := range sizes {
			for _, target := range targets {
				for _, max := range maxes {
					ranges := Plan(size, 1<<20, max, target)
					require.NotEmpty(t, ranges)
					assert.LessOrEqual(t, len(ranges), max)
					assert.LessOrEqual(t, len(ranges), target)
					assert.Zero(t, ranges[0].Start)
					for i := 1; i < len(ranges); i++ {
						assert.Equal(t, ranges[i-1].End, ranges[i].Start,
							"size=%d target=%d max=%d chunk %d", size, target, max, i)
					}
					assert.Equal(t, size, ranges[len(ranges)-1].End)
				}
			}
		}
	})

	t.Run("identical inputs produce identical plans", func(t *testing.T) {
		a := Plan(33<<20+11, 1<<20, 8, 4)
		b := Plan(33<<20+11, 1<<20, 8, 4)
		assert.Equal(t, a, b)
	})
}

func TestSequentialPlan(t *testing.T) {
	t.Run("unknown size streams to EOF", func(t *testing.T) {
		ranges := SequentialPlan(-1)
		require.Len(t, ranges, 1)
		assert.Equal(t, Range{Start: 0, End: -1}, ranges[0])
	})

	t.Run("known size covers the file", func(t *testing.T) {
		ranges := SequentialPlan(4096)
		require.Len(t, ranges, 1)
		assert.Equal(t, Range{Start: 0, End: 4096}, ranges[0])
	})
}

func TestChunksFromPlan(t *testing.T) {
	chunks := chunksFromPlan(Plan(4<<20, 1<<20, 8, 4))
	require.Len(t, chunks, 4)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, ChunkPending, c.Status)
		assert.Zero(t, c.BytesDownloaded)
		assert.Zero(t, c.Attempts)
	}
	assert.Equal(t, int64(4<<20), chunks[3].End)
}

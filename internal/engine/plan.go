package engine

// Range is one half-open byte interval [Start, End) of a chunk plan.
type Range struct {
	Start int64
	End   int64
}

// Plan splits totalSize bytes into at most min(targetChunks, maxChunks)
// contiguous non-overlapping ranges, each at least minChunkSize long, sized
// by integer division with the last range absorbing the remainder. A file
// smaller than minChunkSize yields a single range. Plan is pure: identical
// inputs always produce identical plans, so a resumed task rebuilds the
// exact boundaries it persisted.
func Plan(totalSize, minChunkSize int64, maxChunks, targetChunks int) []Range {
	if totalSize <= 0 {
		return []Range{{Start: 0, End: totalSize}}
	}
	n := targetChunks
	if maxChunks > 0 && n > maxChunks {
		n = maxChunks
	}
	if minChunkSize > 0 {
		if byMin := totalSize / minChunkSize; int64(n) > byMin {
			n = int(byMin)
		}
	}
	if n < 1 {
		n = 1
	}

	size := totalSize / int64(n)
	ranges := make([]Range, n)
	var offset int64
	for i := 0; i < n; i++ {
		end := offset + size
		if i == n-1 {
			end = totalSize
		}
		ranges[i] = Range{Start: offset, End: end}
		offset = end
	}
	return ranges
}

// SequentialPlan returns the single-range plan used for resources that do
// not accept partial ranges or whose size is unknown (End = -1 streams to
// EOF).
func SequentialPlan(totalSize int64) []Range {
	if totalSize < 0 {
		return []Range{{Start: 0, End: -1}}
	}
	return []Range{{Start: 0, End: totalSize}}
}

// chunksFromPlan materializes pending chunk states from a plan.
func chunksFromPlan(ranges []Range) []ChunkState {
	chunks := make([]ChunkState, len(ranges))
	for i, r := range ranges {
		chunks[i] = ChunkState{
			Index:  i,
			Start:  r.Start,
			End:    r.End,
			Status: ChunkPending,
		}
	}
	return chunks
}

package engine

const (
	// speedWindowSize is the number of trailing throughput samples kept per
	// task. Scaling decisions compare the two halves of a full window, so
	// one decision spans speedWindowSize * SpeedSampleInterval of history.
	speedWindowSize = 8

	// adjustThreshold is the hysteresis band for worker scaling. Throughput
	// must move more than this fraction between half-windows before the
	// worker count changes.
	adjustThreshold = 0.10
)

// speedWindow keeps a trailing window of aggregate throughput samples for
// one task. Comparing half-window means instead of instantaneous values
// keeps the dynamic chunk adjustment from oscillating on noise.
type speedWindow struct {
	samples []float64
	size    int
}

func newSpeedWindow(size int) *speedWindow {
	if size < 4 {
		size = 4
	}
	if size%2 != 0 {
		size++
	}
	return &speedWindow{samples: make([]float64, 0, size), size: size}
}

// add records a throughput sample in bytes per second.
func (w *speedWindow) add(sample float64) {
	if len(w.samples) == w.size {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:len(w.samples)-1]
	}
	w.samples = append(w.samples, sample)
}

// latest returns the most recent sample, or zero before any arrive.
func (w *speedWindow) latest() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	return w.samples[len(w.samples)-1]
}

// trend compares the newer half of a full window against the older half and
// returns the relative change. Not ready until the window has filled once.
func (w *speedWindow) trend() (float64, bool) {
	if len(w.samples) < w.size {
		return 0, false
	}
	half := w.size / 2
	older := mean(w.samples[:half])
	recent := mean(w.samples[half:])
	if older <= 0 {
		if recent > 0 {
			return 1, true
		}
		return 0, true
	}
	return (recent - older) / older, true
}

// reset clears history, used after the worker count changes so the next
// decision is based entirely on post-change samples.
func (w *speedWindow) reset() {
	w.samples = w.samples[:0]
}

func mean(s []float64) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s))
}

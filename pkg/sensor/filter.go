package sensor

import "fmt"

// Filter smooths a stream of valid values. Filters are owned by a single
// channel and are not safe for concurrent use.
type Filter interface {
	Apply(v float32) float32
	Reset()
}

// LowPass is a first order exponential smoothing filter.
type LowPass struct {
	alpha  float32
	y      float32
	primed bool
}

// NewLowPass creates a low-pass filter. alpha is the weight of the newest
// sample and must be in (0,1]; 1 disables smoothing.
func NewLowPass(alpha float32) (*LowPass, error) {
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("low-pass alpha must be in (0,1], got %g", alpha)
	}
	return &LowPass{alpha: alpha}, nil
}

// Apply feeds v and returns the smoothed value. The first sample after a
// reset passes through unchanged.
func (f *LowPass) Apply(v float32) float32 {
	if !f.primed {
		f.y = v
		f.primed = true
		return f.y
	}
	f.y += f.alpha * (v - f.y)
	return f.y
}

// Reset forgets the filter history.
func (f *LowPass) Reset() {
	f.y = 0
	f.primed = false
}

// Median is a sliding-window median filter. It rejects short spikes such as
// mechanical knocks on a load cell. Buffers are allocated once.
type Median struct {
	window  []float32
	scratch []float32
	next    int
	count   int
}

// NewMedian creates a median filter over size samples.
func NewMedian(size int) (*Median, error) {
	if size <= 0 {
		return nil, fmt.Errorf("median window must be positive, got %d", size)
	}
	return &Median{
		window:  make([]float32, size),
		scratch: make([]float32, size),
	}, nil
}

// Apply feeds v and returns the median of the current window. For an even
// number of samples the two middle values are averaged.
func (f *Median) Apply(v float32) float32 {
	f.window[f.next] = v
	f.next = (f.next + 1) % len(f.window)
	if f.count < len(f.window) {
		f.count++
	}

	s := f.scratch[:f.count]
	copy(s, f.window[:f.count])
	// Insertion sort, windows are tiny
	for i := 1; i < len(s); i++ {
		x := s[i]
		j := i - 1
		for j >= 0 && s[j] > x {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = x
	}

	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}

// Reset forgets the filter history.
func (f *Median) Reset() {
	f.next = 0
	f.count = 0
}

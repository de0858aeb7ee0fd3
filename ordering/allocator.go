// Package ordering computes fractional order keys for sibling entities.
package ordering

import "math"

const (
	DefaultBase            = 1024.0
	DefaultStride          = 1024.0
	DefaultEpsilon         = 1e-6
	DefaultRelativeEpsilon = 1e-9
)

// Allocation is the outcome of a single allocation. When NeedsReindex is set
// Key is meaningless and the caller must renumber the siblings first.
type Allocation struct {
	Key          float64
	NeedsReindex bool
}

// Allocator produces keys between neighbors. The zero value is not usable;
// use NewAllocator or DefaultAllocator.
type Allocator struct {
	Base            float64
	Stride          float64
	Epsilon         float64
	RelativeEpsilon float64
}

// DefaultAllocator returns an allocator with base and stride 1024.
func DefaultAllocator() Allocator {
	return Allocator{
		Base:            DefaultBase,
		Stride:          DefaultStride,
		Epsilon:         DefaultEpsilon,
		RelativeEpsilon: DefaultRelativeEpsilon,
	}
}

// NewAllocator fills unset parameters with the defaults.
func NewAllocator(stride, epsilon float64) Allocator {
	a := DefaultAllocator()
	if stride > 0 {
		a.Base = stride
		a.Stride = stride
	}
	if epsilon > 0 {
		a.Epsilon = epsilon
	}
	return a
}

// Allocate returns a key strictly between prev and next (either may be nil).
func (a Allocator) Allocate(prev, next *float64) Allocation {
	switch {
	case prev == nil && next == nil:
		return Allocation{Key: a.Base}
	case next == nil:
		return Allocation{Key: *prev + a.Stride}
	case prev == nil:
		return a.prepend(*next)
	default:
		return a.between(*prev, *next)
	}
}

func (a Allocator) prepend(next float64) Allocation {
	if k := next - a.Stride; k > 0 {
		return Allocation{Key: k}
	}
	k := next / 2
	if k <= 0 || next-k < a.minGap(0, next) {
		return Allocation{NeedsReindex: true}
	}
	return Allocation{Key: k}
}

func (a Allocator) between(prev, next float64) Allocation {
	if next <= prev || next-prev < a.minGap(prev, next) {
		return Allocation{NeedsReindex: true}
	}
	k := prev + (next-prev)/2
	// guard against the midpoint rounding onto a neighbor
	if k <= prev || k >= next {
		return Allocation{NeedsReindex: true}
	}
	return Allocation{Key: k}
}

func (a Allocator) minGap(prev, next float64) float64 {
	scale := math.Max(math.Abs(prev), math.Abs(next))
	return math.Max(a.Epsilon, a.RelativeEpsilon*scale)
}

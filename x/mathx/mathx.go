package mathx

import "golang.org/x/exp/constraints"

// Clamp limits v to [lo, hi]. If lo > hi, the bounds are swapped.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if hi < lo {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Between reports lo <= v && v <= hi (order-insensitive).
func Between[T constraints.Ordered](v, lo, hi T) bool {
	if hi < lo {
		lo, hi = hi, lo
	}
	return v >= lo && v <= hi
}

// CeilDiv returns ceil(a/b) for non-negative integers; b == 0 yields 0.
func CeilDiv[T constraints.Integer](a, b T) T {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// RoundUp rounds a up to the next multiple of m (m > 0).
func RoundUp[T constraints.Integer](a, m T) T {
	return CeilDiv(a, m) * m
}

// Number covers everything an accumulator can sum.
type Number interface {
	constraints.Integer | constraints.Float
}

// Acc sums samples of T into a wider S and reports their mean.
// The zero value is empty and ready to use.
type Acc[T, S Number] struct {
	Sum S
	N   uint32
}

func (a *Acc[T, S]) Add(v T) { a.Sum += S(v); a.N++ }

// Mean returns Sum/N, or zero for an empty accumulator.
func (a *Acc[T, S]) Mean() S {
	if a.N == 0 {
		return 0
	}
	return a.Sum / S(a.N)
}

func (a *Acc[T, S]) Reset() { *a = Acc[T, S]{} }

// Package math32 provides float32 vector operations shared by the vector
// index and its tests.
package math32

import "math"

// Dot calculates the dot product of two vectors. Both must have the same
// length.
func Dot(a, b []float32) float32 {
	var ret float32
	for i := range a {
		ret += a[i] * b[i]
	}
	return ret
}

// SquaredL2 calculates the squared L2 distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	var distance float32
	for i := range a {
		d := a[i] - b[i]
		distance += d * d
	}
	return distance
}

// Norm calculates the Euclidean norm of a vector.
func Norm(a []float32) float32 {
	return float32(math.Sqrt(float64(Dot(a, a))))
}

// ScaleInPlace multiplies all elements of a by scalar.
func ScaleInPlace(a []float32, scalar float32) {
	for i := range a {
		a[i] *= scalar
	}
}

// NormalizeInPlace scales a to unit length. Zero vectors are left as is.
func NormalizeInPlace(a []float32) {
	n := Norm(a)
	if n == 0 {
		return
	}
	ScaleInPlace(a, 1/n)
}

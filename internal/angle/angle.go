// Package angle provides arithmetic on the [0, 360) degree circle.
package angle

import "math"

// Normalize maps deg onto [0, 360).
func Normalize(deg float64) float64 {
	m := math.Mod(deg, 360)
	if m < 0 {
		m += 360
	}
	return m
}

// Distance returns the shortest separation between two angles in degrees,
// accounting for wrap at 0/360. The result is in [0, 180].
func Distance(a, b float64) float64 {
	d := math.Abs(Normalize(a) - Normalize(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// Delta returns the signed shortest rotation that moves from angle a to
// angle b, in (-180, 180].
func Delta(a, b float64) float64 {
	d := math.Mod(Normalize(b)-Normalize(a)+540, 360) - 180
	if d == -180 {
		return 180
	}
	return d
}

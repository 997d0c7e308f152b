package angle

import (
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	for _, tc := range []struct {
		in, want float64
	}{
		{0, 0},
		{360, 0},
		{720, 0},
		{-30, 330},
		{-390, 330},
		{359.5, 359.5},
		{540, 180},
	} {
		if got := Normalize(tc.in); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Normalize(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestDistance(t *testing.T) {
	for _, tc := range []struct {
		a, b, want float64
	}{
		{0, 0, 0},
		{359, 1, 2},
		{1, 359, 2},
		{0, 360, 0},
		{-45, 45, 90},
		{0, 180, 180},
		{350, 10, 20},
		{30, 30.05, 0.05},
		{-69, 45, 114},
	} {
		if got := Distance(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Distance(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestDelta(t *testing.T) {
	for _, tc := range []struct {
		a, b, want float64
	}{
		{0, 10, 10},
		{10, 0, -10},
		{350, 10, 20},
		{10, 350, -20},
		{0, 180, 180},
		{180, 0, 180},
		{0, 190, -170},
	} {
		if got := Delta(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Delta(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

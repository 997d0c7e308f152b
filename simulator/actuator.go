package simulator

import (
	"math"
	"time"

	"github.com/beamcal/cbp_interface/internal/angle"
)

// actuator models one linear axis moving at a fixed speed between limits.
// Positions are interpolated against the wall clock, so there is no stepping
// goroutine.
type actuator struct {
	min, max float64
	speed    float64 // units per second
	pos      float64 // position when the current move began
	target   float64
	setTime  time.Time
}

func newActuator(min, max, speed, start float64) *actuator {
	return &actuator{min: min, max: max, speed: speed, pos: start, target: start}
}

func (a *actuator) position(now time.Time) float64 {
	remaining := a.target - a.pos
	if remaining == 0 {
		return a.target
	}
	travel := a.speed * now.Sub(a.setTime).Seconds()
	if travel >= math.Abs(remaining) {
		return a.target
	}
	if remaining < 0 {
		travel = -travel
	}
	return a.pos + travel
}

// set starts a move to value, silently constrained to the limits.
func (a *actuator) set(value float64, now time.Time) {
	a.pos = a.position(now)
	a.setTime = now
	a.target = math.Min(math.Max(value, a.min), a.max)
}

// circularActuator models the rotating mask axis. Moves take the shortest
// path around the 0/360 seam.
type circularActuator struct {
	speed   float64 // degrees per second
	pos     float64 // position when the current move began
	delta   float64 // signed travel remaining from pos
	setTime time.Time
}

func newCircularActuator(speed, start float64) *circularActuator {
	return &circularActuator{speed: speed, pos: angle.Normalize(start)}
}

func (a *circularActuator) position(now time.Time) float64 {
	need := math.Abs(a.delta)
	if need == 0 {
		return a.pos
	}
	travel := a.speed * now.Sub(a.setTime).Seconds()
	if travel >= need {
		return angle.Normalize(a.pos + a.delta)
	}
	if a.delta < 0 {
		travel = -travel
	}
	return angle.Normalize(a.pos + travel)
}

func (a *circularActuator) set(value float64, now time.Time) {
	cur := a.position(now)
	a.pos = cur
	a.setTime = now
	a.delta = angle.Delta(cur, angle.Normalize(value))
}

package cbp

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/beamcal/cbp_interface/dmc"
	"github.com/beamcal/cbp_interface/internal/angle"
)

// runTelemetry polls the device until cancelled or until a cycle stops the
// loop. The first poll runs immediately so Enable produces a snapshot right
// away.
func (c *CBP) runTelemetry(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.TelemetryPeriod)
	defer ticker.Stop()
	for {
		if !c.pollCycle(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollCycle runs one full telemetry read and publishes the results. It
// returns false when the loop should stop: on cancellation, when the
// controller has left Enabled, or after latching a fault. Any readback
// failure is fatal here; unlike a failed command, broken telemetry means
// nobody is watching the hardware.
func (c *CBP) pollCycle(ctx context.Context) bool {
	var p pending
	defer func() { c.emit(p) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil || c.status.State != Enabled {
		return false
	}
	if err := c.refreshLocked(); err != nil {
		if ctx.Err() != nil {
			// Standby or Disable yanked the session mid-poll.
			return false
		}
		c.faultLocked(&p, fmt.Sprintf("telemetry failed: %v", err))
		return false
	}
	if c.status.Panic {
		c.faultLocked(&p, "device panic, check hardware and reset the controller")
		return false
	}
	c.inPositionLocked(&p)
	s := c.status
	p.status = &s
	return true
}

// refreshLocked reads the full device state in the controller's canonical
// order: watchdog, encoder statuses, park flags, then the five axes. Callers
// hold mu.
func (c *CBP) refreshLocked() error {
	panicked, err := c.queryBool(dmc.CmdPanic)
	if err != nil {
		return err
	}
	c.status.Panic = panicked

	encoders := [...]*bool{
		&c.status.AzimuthEncoderError,
		&c.status.ElevationEncoderError,
		&c.status.MaskEncoderError,
		&c.status.MaskRotationEncoderError,
		&c.status.FocusEncoderError,
	}
	for i, kw := range dmc.StatusKeywords {
		v, err := c.queryBool(kw)
		if err != nil {
			return err
		}
		*encoders[i] = v
	}

	if err := c.refreshParkLocked(); err != nil {
		return err
	}

	el, err := c.queryFloat(dmc.CmdElevation)
	if err != nil {
		return err
	}
	c.status.Elevation = el

	az, err := c.queryFloat(dmc.CmdAzimuth)
	if err != nil {
		return err
	}
	c.status.Azimuth = az

	foc, err := c.queryFloat(dmc.CmdFocus)
	if err != nil {
		return err
	}
	c.status.Focus = foc

	mask, err := c.queryInt(dmc.CmdMask)
	if err != nil {
		return err
	}
	c.status.Mask = maskName(c.byID, mask)

	rot, err := c.queryFloat(dmc.CmdMaskRotation)
	if err != nil {
		return err
	}
	c.status.MaskRotation = rot
	return nil
}

func (c *CBP) refreshParkLocked() error {
	parked, err := c.queryBool(dmc.CmdPark)
	if err != nil {
		return err
	}
	auto, err := c.queryBool(dmc.CmdAutoPark)
	if err != nil {
		return err
	}
	c.status.Parked = parked
	c.status.AutoParked = auto
	return nil
}

// inPositionLocked recomputes the in-position flags from the latest reads
// and queues change notifications. Azimuth and elevation are evaluated and
// published as a pair, so observers never see one mount axis settle without
// word on the other. Callers hold mu.
func (c *CBP) inPositionLocked(p *pending) {
	az := angle.Distance(c.status.Azimuth, c.status.AzimuthTarget) < c.cfg.MountTolerance
	el := angle.Distance(c.status.Elevation, c.status.ElevationTarget) < c.cfg.MountTolerance
	if az != c.status.AzimuthInPosition || el != c.status.ElevationInPosition {
		p.mount = &MountInPosition{Azimuth: az, Elevation: el}
	}
	c.status.AzimuthInPosition = az
	c.status.ElevationInPosition = el

	rot := angle.Distance(c.status.MaskRotation, c.status.MaskRotationTarget) < c.cfg.RotationTolerance
	if rot != c.status.MaskRotationInPosition {
		p.maskRot = &rot
	}
	c.status.MaskRotationInPosition = rot

	mask := c.status.Mask == c.status.MaskTarget
	if mask != c.status.MaskInPosition {
		p.mask = &mask
	}
	c.status.MaskInPosition = mask

	focus := math.Abs(c.status.Focus-c.status.FocusTarget) < c.cfg.FocusTolerance
	if focus != c.status.FocusInPosition {
		p.focus = &focus
	}
	c.status.FocusInPosition = focus
}

// primeLocked seeds the targets from the device's reported positions, so a
// freshly connected controller is in position everywhere instead of chasing
// stale targets, then publishes the first snapshot. Callers hold mu.
func (c *CBP) primeLocked(p *pending) error {
	if err := c.refreshLocked(); err != nil {
		return err
	}
	c.status.AzimuthTarget = c.status.Azimuth
	c.status.ElevationTarget = c.status.Elevation
	c.status.FocusTarget = c.status.Focus
	c.status.MaskTarget = c.status.Mask
	c.status.MaskRotationTarget = c.status.MaskRotation
	c.inPositionLocked(p)
	p.target = c.targetLocked()
	s := c.status
	p.status = &s
	return nil
}

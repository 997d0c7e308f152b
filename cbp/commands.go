package cbp

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/beamcal/cbp_interface/dmc"
	"github.com/beamcal/cbp_interface/internal/angle"
	"github.com/beamcal/cbp_interface/internal/transport"
)

// Move aims the mount at the given azimuth and elevation, in degrees. Both
// in-position flags drop together, so observers see a single "mount moving"
// notification, and the commanded targets are announced once before the
// device starts traveling.
func (c *CBP) Move(azimuth, elevation float64) error {
	var p pending
	defer func() { c.emit(p) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.motionAllowedLocked("move"); err != nil {
		return err
	}
	if !c.cfg.AzimuthLimits.contains(azimuth) {
		return &RangeError{Param: "azimuth", Value: azimuth, Min: c.cfg.AzimuthLimits.Min, Max: c.cfg.AzimuthLimits.Max}
	}
	if !c.cfg.ElevationLimits.contains(elevation) {
		return &RangeError{Param: "elevation", Value: elevation, Min: c.cfg.ElevationLimits.Min, Max: c.cfg.ElevationLimits.Max}
	}

	c.status.AzimuthTarget = azimuth
	c.status.ElevationTarget = elevation
	c.status.AzimuthInPosition = false
	c.status.ElevationInPosition = false
	p.mount = &MountInPosition{}
	p.target = c.targetLocked()
	c.log.WithFields(logrus.Fields{"azimuth": azimuth, "elevation": elevation}).Info("move")

	if err := c.ack(dmc.SetFloat(dmc.CmdNewAzimuth, azimuth), c.cfg.ResponseTimeout); err != nil {
		c.commandFailureLocked(&p, err)
		return fmt.Errorf("move azimuth: %w", err)
	}
	if err := c.ack(dmc.SetFloat(dmc.CmdNewElevation, elevation), c.cfg.ResponseTimeout); err != nil {
		c.commandFailureLocked(&p, err)
		return fmt.Errorf("move elevation: %w", err)
	}
	c.snapshotLocked(&p)
	return nil
}

// SetMaskRotation rotates the mask to the given angle in degrees [0, 360].
// The rotator is slow and may cross the 0/360 seam, so the acknowledgement
// waits on the long response timeout.
func (c *CBP) SetMaskRotation(deg float64) error {
	var p pending
	defer func() { c.emit(p) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.motionAllowedLocked("setMaskRotation"); err != nil {
		return err
	}
	if deg < 0 || deg > 360 {
		return &RangeError{Param: "mask rotation", Value: deg, Min: 0, Max: 360}
	}
	c.setMaskRotationLocked(&p, deg)
	if err := c.sendMaskRotationLocked(&p); err != nil {
		return err
	}
	c.snapshotLocked(&p)
	return nil
}

// SetMask selects the named mask from the configured inventory and then
// rotates it to its home angle.
func (c *CBP) SetMask(name string) error {
	var p pending
	defer func() { c.emit(p) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.motionAllowedLocked("setMask"); err != nil {
		return err
	}
	mask, ok := c.byName[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownMask, name)
	}

	c.status.MaskTarget = mask.Name
	c.status.MaskInPosition = false
	off := false
	p.mask = &off
	c.setMaskRotationLocked(&p, mask.Rotation)
	c.log.WithFields(logrus.Fields{"mask": mask.Name, "slot": mask.ID}).Info("select mask")

	if err := c.ack(dmc.SetInt(dmc.CmdNewMask, mask.ID), c.cfg.LongResponseTimeout); err != nil {
		c.commandFailureLocked(&p, err)
		return fmt.Errorf("select mask: %w", err)
	}
	if err := c.sendMaskRotationLocked(&p); err != nil {
		return err
	}
	c.snapshotLocked(&p)
	return nil
}

// SetFocus moves the focus stage to the given position in microns.
func (c *CBP) SetFocus(microns float64) error {
	var p pending
	defer func() { c.emit(p) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.motionAllowedLocked("setFocus"); err != nil {
		return err
	}
	if !c.cfg.FocusLimits.contains(microns) {
		return &RangeError{Param: "focus", Value: microns, Min: c.cfg.FocusLimits.Min, Max: c.cfg.FocusLimits.Max}
	}

	c.status.FocusTarget = microns
	c.status.FocusInPosition = false
	off := false
	p.focus = &off
	p.target = c.targetLocked()
	c.log.WithField("focus", microns).Info("set focus")

	// The stage takes whole microns.
	if err := c.ack(dmc.SetInt(dmc.CmdNewFocus, int(math.Round(microns))), c.cfg.ResponseTimeout); err != nil {
		c.commandFailureLocked(&p, err)
		return fmt.Errorf("set focus: %w", err)
	}
	c.snapshotLocked(&p)
	return nil
}

// Park stows the mount. Motion commands are refused until Unpark.
func (c *CBP) Park() error {
	return c.park("park", true)
}

// Unpark releases a parked mount.
func (c *CBP) Unpark() error {
	return c.park("unpark", false)
}

func (c *CBP) park(op string, parked bool) error {
	var p pending
	defer func() { c.emit(p) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State != Enabled {
		return &InvalidStateError{Op: op, State: c.status.State}
	}
	c.log.Info(op)
	if err := c.setParkLocked(&p, parked); err != nil {
		c.commandFailureLocked(&p, err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// setParkLocked commands the park state and reads the flags back, since the
// controller may refuse or auto-park on its own. Callers hold mu.
func (c *CBP) setParkLocked(p *pending, parked bool) error {
	v := 0
	if parked {
		v = 1
	}
	if err := c.ack(dmc.SetInt(dmc.CmdPark, v), c.cfg.LongResponseTimeout); err != nil {
		return err
	}
	if err := c.refreshParkLocked(); err != nil {
		return err
	}
	c.snapshotLocked(p)
	return nil
}

// motionAllowedLocked gates the motion commands: the controller must be
// Enabled and the device unparked. Callers hold mu.
func (c *CBP) motionAllowedLocked(op string) error {
	if c.status.State != Enabled {
		return &InvalidStateError{Op: op, State: c.status.State}
	}
	if c.status.Parked || c.status.AutoParked {
		return ErrParked
	}
	return nil
}

// setMaskRotationLocked records the new rotation target and drops its
// in-position flag; sendMaskRotationLocked puts it on the wire. Split so
// SetMask can fold the rotation into its own target announcement.
func (c *CBP) setMaskRotationLocked(p *pending, deg float64) {
	c.status.MaskRotationTarget = angle.Normalize(deg)
	c.status.MaskRotationInPosition = false
	off := false
	p.maskRot = &off
	p.target = c.targetLocked()
}

func (c *CBP) sendMaskRotationLocked(p *pending) error {
	deg := c.status.MaskRotationTarget
	c.log.WithField("rotation", deg).Info("rotate mask")
	if err := c.ack(dmc.SetFloat(dmc.CmdNewMaskRotation, deg), c.cfg.LongResponseTimeout); err != nil {
		c.commandFailureLocked(p, err)
		return fmt.Errorf("rotate mask: %w", err)
	}
	return nil
}

// commandFailureLocked handles an error from a command exchange. Losing the
// connection faults the controller; a refused or garbled reply is the
// caller's problem and leaves the lifecycle alone. Callers hold mu.
func (c *CBP) commandFailureLocked(p *pending, err error) {
	var ce *transport.ConnectionError
	if errors.As(err, &ce) {
		// A nil session means Standby (or an earlier fault) detached it
		// while this command was on the wire: the aborted read is the
		// operator's doing, not a device failure.
		if c.session() == nil {
			c.log.WithError(err).Debug("command aborted")
			return
		}
		c.faultLocked(p, fmt.Sprintf("connection lost: %v", err))
		return
	}
	c.log.WithError(err).Warn("command failed")
}

func (c *CBP) targetLocked() *Target {
	return &Target{
		Azimuth:      c.status.AzimuthTarget,
		Elevation:    c.status.ElevationTarget,
		Focus:        c.status.FocusTarget,
		Mask:         c.status.MaskTarget,
		MaskRotation: c.status.MaskRotationTarget,
	}
}

func (c *CBP) snapshotLocked(p *pending) {
	s := c.status
	p.status = &s
}

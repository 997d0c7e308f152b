// Package cbp drives the Collimated Beam Projector: a two-axis mount that
// aims a light projector, plus a focus stage, a five-slot mask changer and a
// mask rotator, all run by a single DMC motion controller reachable over TCP
// or a serial line.
//
// The controller follows a small lifecycle: Standby (disconnected), Disabled
// (connected, passive), Enabled (accepting motion commands, polling
// telemetry) and Fault. Any connection loss, device panic or telemetry
// failure latches Fault; Standby is the only way back out.
package cbp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/beamcal/cbp_interface/dmc"
	"github.com/beamcal/cbp_interface/internal/transport"
)

// CBP is the device controller. All methods are safe for concurrent use.
type CBP struct {
	cfg    Config
	log    *logrus.Logger
	events Events
	dialer transport.Dialer

	byID   map[int]Mask
	byName map[string]Mask

	// mu guards status and serializes use of the wire: a command holds it
	// across its request/reply exchanges and the status mutation they imply,
	// and a telemetry cycle holds it end to end. Replies therefore always
	// match the command just sent.
	mu     sync.Mutex
	status Status

	// ctl guards the session handle and background task lifetimes, so
	// Standby and faults can abort work blocked on the wire without waiting
	// for mu. Lock order is mu before ctl.
	ctl        sync.Mutex
	conn       *transport.Conn
	dialCancel context.CancelFunc
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New builds a controller for the configured device. Events callbacks may be
// nil. A nil log falls back to a default logger.
func New(cfg Config, events Events, log *logrus.Logger) (*CBP, error) {
	cfg.fillDefaults()
	byID, byName, err := cfg.maskTables()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	c := &CBP{
		cfg:    cfg,
		log:    log,
		events: events,
		dialer: cfg.dialer(),
		byID:   byID,
		byName: byName,
	}
	c.status.State = Standby
	c.status.Host = cfg.deviceAddr()
	c.status.SimulationMode = cfg.SimulationMode
	return c, nil
}

// Status returns a copy of the current snapshot.
func (c *CBP) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns the current lifecycle state.
func (c *CBP) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.State
}

func (c *CBP) stateChangeLocked() *StateChange {
	return &StateChange{
		State:          c.status.State,
		Reason:         c.status.FaultReason,
		Host:           c.status.Host,
		SimulationMode: c.status.SimulationMode,
	}
}

// Start connects to the device and reads its initial state, moving the
// controller from Standby to Disabled. The device's reported positions
// become the targets, so a freshly started controller is in position
// everywhere. A connection or readback failure latches Fault; a concurrent
// Standby aborts the attempt and returns ErrAborted instead.
func (c *CBP) Start(ctx context.Context) error {
	var p pending
	defer func() { c.emit(p) }()

	c.mu.Lock()
	if c.status.State != Standby {
		st := c.status.State
		c.mu.Unlock()
		return &InvalidStateError{Op: "start", State: st}
	}
	dialCtx, cancel := context.WithCancel(ctx)
	c.ctl.Lock()
	if c.dialCancel != nil {
		c.ctl.Unlock()
		c.mu.Unlock()
		cancel()
		return errors.New("cbp: start already in progress")
	}
	c.dialCancel = cancel
	c.ctl.Unlock()
	addr := c.cfg.deviceAddr()
	c.mu.Unlock()

	// Dial without holding mu; Standby cancels dialCtx to abort us.
	conn, err := c.dialer.Dial(dialCtx, addr)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctl.Lock()
	aborted := c.dialCancel == nil
	c.dialCancel = nil
	c.ctl.Unlock()
	cancel()
	if aborted {
		if conn != nil {
			conn.Close()
		}
		return ErrAborted
	}
	if err != nil {
		c.faultLocked(&p, fmt.Sprintf("connection failed: %v", err))
		return err
	}
	c.ctl.Lock()
	c.conn = conn
	c.ctl.Unlock()

	c.status.State = Disabled
	p.state = c.stateChangeLocked()
	c.log.WithFields(logrus.Fields{
		"addr":       addr,
		"simulation": c.cfg.SimulationMode,
	}).Info("connected")

	if err := c.primeLocked(&p); err != nil {
		c.faultLocked(&p, fmt.Sprintf("initial status read failed: %v", err))
		return err
	}
	return nil
}

// Enable starts accepting motion commands and begins the telemetry loop. If
// the device reports itself parked it is unparked first; failing that, the
// controller stays Disabled. Enable in Enabled is a no-op.
func (c *CBP) Enable() error {
	var p pending
	defer func() { c.emit(p) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status.State {
	case Enabled:
		return nil
	case Disabled:
	default:
		return &InvalidStateError{Op: "enable", State: c.status.State}
	}

	if c.status.Parked || c.status.AutoParked {
		if err := c.setParkLocked(&p, false); err != nil {
			c.commandFailureLocked(&p, err)
			return fmt.Errorf("unpark: %w", err)
		}
	}

	c.status.State = Enabled
	p.state = c.stateChangeLocked()
	if p.status != nil {
		s := c.status
		p.status = &s
	}
	c.log.Info("enabled")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.ctl.Lock()
	c.loopCancel = cancel
	c.loopDone = done
	c.ctl.Unlock()
	go c.runTelemetry(ctx, done)
	return nil
}

// Disable stops the telemetry loop and motion commands but keeps the
// session, returning to Disabled. The device holds whatever motion is in
// flight. Disable in Disabled is a no-op.
func (c *CBP) Disable() error {
	c.mu.Lock()
	st := c.status.State
	c.mu.Unlock()
	switch st {
	case Disabled:
		return nil
	case Enabled:
	default:
		return &InvalidStateError{Op: "disable", State: st}
	}

	c.stopTelemetry()

	var p pending
	defer func() { c.emit(p) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	// The loop may have faulted before it saw the stop.
	if c.status.State != Enabled {
		return &InvalidStateError{Op: "disable", State: c.status.State}
	}
	c.status.State = Disabled
	p.state = c.stateChangeLocked()
	c.log.Info("disabled")
	return nil
}

// Standby drops the session and returns to the initial state from anywhere.
// It is the only way out of Fault, and called during Start it aborts the
// connection attempt. Standby in Standby is a no-op.
func (c *CBP) Standby() error {
	// Detach the session and cancel background work first, without mu, so a
	// command or poll blocked on the wire aborts instead of blocking us.
	c.ctl.Lock()
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	cancel, done := c.loopCancel, c.loopDone
	c.loopCancel, c.loopDone = nil, nil
	if cancel != nil {
		cancel()
	}
	conn := c.conn
	c.conn = nil
	c.ctl.Unlock()
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}

	var p pending
	defer func() { c.emit(p) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State == Standby {
		return nil
	}
	c.status.State = Standby
	c.status.FaultReason = ""
	p.state = c.stateChangeLocked()
	c.log.Info("standby")
	return nil
}

func (c *CBP) stopTelemetry() {
	c.ctl.Lock()
	cancel, done := c.loopCancel, c.loopDone
	c.loopCancel, c.loopDone = nil, nil
	c.ctl.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// faultLocked latches Fault: it cancels background work, drops the session
// and records the reason. Later faults are collapsed into the first. Callers
// hold mu.
func (c *CBP) faultLocked(p *pending, reason string) {
	if c.status.State == Fault {
		return
	}
	c.ctl.Lock()
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.loopCancel != nil {
		// The loop exits on its own once it observes the cancel; it may be
		// the caller of this very function.
		c.loopCancel()
		c.loopCancel = nil
		c.loopDone = nil
	}
	conn := c.conn
	c.conn = nil
	c.ctl.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.status.State = Fault
	c.status.FaultReason = reason
	p.state = c.stateChangeLocked()
	c.log.WithField("reason", reason).Error("fault")
}

var errNotConnected = errors.New("not connected")

func (c *CBP) session() *transport.Conn {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	return c.conn
}

// exchange sends one command and decodes its single reply line. Callers hold
// mu, so request/reply pairs never interleave.
func (c *CBP) exchange(cmd dmc.Command, timeout time.Duration) (dmc.Reply, error) {
	conn := c.session()
	if conn == nil {
		return dmc.Reply{}, &transport.ConnectionError{Op: "send", Err: errNotConnected}
	}
	if err := conn.Send(cmd.Encode()); err != nil {
		return dmc.Reply{}, err
	}
	line, err := conn.ReadLine(timeout)
	if err != nil {
		return dmc.Reply{}, err
	}
	return dmc.Decode(line), nil
}

func (c *CBP) queryFloat(keyword string) (float64, error) {
	r, err := c.exchange(dmc.Query(keyword), c.cfg.ResponseTimeout)
	if err != nil {
		return 0, err
	}
	return r.Float()
}

func (c *CBP) queryInt(keyword string) (int, error) {
	r, err := c.exchange(dmc.Query(keyword), c.cfg.ResponseTimeout)
	if err != nil {
		return 0, err
	}
	return r.Int()
}

func (c *CBP) queryBool(keyword string) (bool, error) {
	r, err := c.exchange(dmc.Query(keyword), c.cfg.ResponseTimeout)
	if err != nil {
		return false, err
	}
	return r.Bool()
}

// ack sends a set command and checks that the controller acknowledged it.
func (c *CBP) ack(cmd dmc.Command, timeout time.Duration) error {
	r, err := c.exchange(cmd, timeout)
	if err != nil {
		return err
	}
	return r.Err()
}

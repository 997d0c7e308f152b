package cbp

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/beamcal/cbp_interface/dmc"
	"github.com/beamcal/cbp_interface/internal/transport"
	"github.com/beamcal/cbp_interface/simulator"
)

// recorder collects every event the controller publishes.
type recorder struct {
	mu       sync.Mutex
	states   []StateChange
	targets  []Target
	mounts   []MountInPosition
	maskRots []bool
	masks    []bool
	focuses  []bool
	statuses []Status
}

func (r *recorder) events() Events {
	lock := func(f func()) {
		r.mu.Lock()
		defer r.mu.Unlock()
		f()
	}
	return Events{
		StateChanged:           func(s StateChange) { lock(func() { r.states = append(r.states, s) }) },
		Target:                 func(tg Target) { lock(func() { r.targets = append(r.targets, tg) }) },
		MountInPosition:        func(m MountInPosition) { lock(func() { r.mounts = append(r.mounts, m) }) },
		MaskRotationInPosition: func(b bool) { lock(func() { r.maskRots = append(r.maskRots, b) }) },
		MaskInPosition:         func(b bool) { lock(func() { r.masks = append(r.masks, b) }) },
		FocusInPosition:        func(b bool) { lock(func() { r.focuses = append(r.focuses, b) }) },
		Status:                 func(s Status) { lock(func() { r.statuses = append(r.statuses, s) }) },
	}
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = nil
	r.targets = nil
	r.mounts = nil
	r.maskRots = nil
	r.masks = nil
	r.focuses = nil
	r.statuses = nil
}

func (r *recorder) targetCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.targets)
}

func (r *recorder) lastTarget() Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targets[len(r.targets)-1]
}

func (r *recorder) mountEvents() []MountInPosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MountInPosition(nil), r.mounts...)
}

func (r *recorder) faultCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s.State == Fault {
			n++
		}
	}
	return n
}

func (r *recorder) statusCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statuses)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestCBP starts a simulator on a loopback port and builds a controller
// pointed at it. Cancelling the returned function drops the simulator,
// severing any live connection.
func newTestCBP(t *testing.T) (*CBP, *recorder, *simulator.Server, context.CancelFunc) {
	t.Helper()
	log := quietLogger()
	srv, err := simulator.Listen("127.0.0.1:0", log)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)

	host, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	rec := &recorder{}
	cfg := Config{
		SimulationMode:  true,
		SimulatorHost:   host,
		SimulatorPort:   port,
		TelemetryPeriod: 10 * time.Millisecond,
		Retry:           transport.RetryPolicy{Interval: 10 * time.Millisecond, MaxAttempts: 2},
	}
	c, err := New(cfg, rec.events(), log)
	require.NoError(t, err)
	t.Cleanup(func() { c.Standby() })
	return c, rec, srv, cancel
}

func startEnabled(t *testing.T, c *CBP, rec *recorder) {
	t.Helper()
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Enable())
	waitFor(t, "first telemetry cycle", func() bool { return rec.statusCount() > 0 })
	rec.reset()
}

func TestStartPrimesTargetsFromDevice(t *testing.T) {
	c, rec, _, _ := newTestCBP(t)

	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, Disabled, c.State())

	s := c.Status()
	require.Equal(t, s.Azimuth, s.AzimuthTarget)
	require.Equal(t, s.Elevation, s.ElevationTarget)
	require.Equal(t, s.Focus, s.FocusTarget)
	require.Equal(t, s.Mask, s.MaskTarget)
	require.Equal(t, s.MaskRotation, s.MaskRotationTarget)
	require.Equal(t, "Mask 1", s.Mask)

	// A freshly started idle device is in position everywhere.
	require.True(t, s.AzimuthInPosition)
	require.True(t, s.ElevationInPosition)
	require.True(t, s.MaskInPosition)
	require.True(t, s.MaskRotationInPosition)
	require.True(t, s.FocusInPosition)

	require.Equal(t, 1, rec.targetCount())
}

func TestStartRetriesThenFaults(t *testing.T) {
	// Grab a port, then close it so the dial is refused.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(lis.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	lis.Close()

	rec := &recorder{}
	c, err := New(Config{
		SimulationMode: true,
		SimulatorHost:  "127.0.0.1",
		SimulatorPort:  port,
		ConnectTimeout: 200 * time.Millisecond,
		Retry:          transport.RetryPolicy{Interval: 10 * time.Millisecond, MaxAttempts: 3},
	}, rec.events(), quietLogger())
	require.NoError(t, err)

	err = c.Start(context.Background())
	var cerr *transport.ConnectionError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, Fault, c.State())
	require.NotEmpty(t, c.Status().FaultReason)

	// Fault is latched; only Standby clears it.
	require.NoError(t, c.Standby())
	require.Equal(t, Standby, c.State())
	require.Empty(t, c.Status().FaultReason)
}

func TestStandbyAbortsStart(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(lis.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	lis.Close()

	c, err := New(Config{
		SimulationMode: true,
		SimulatorHost:  "127.0.0.1",
		SimulatorPort:  port,
		ConnectTimeout: 200 * time.Millisecond,
		Retry:          transport.RetryPolicy{Interval: 50 * time.Millisecond},
	}, Events{}, quietLogger())
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() { errs <- c.Start(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Standby())

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("start did not abort")
	}
	require.Equal(t, Standby, c.State())
}

func TestCommandsRequireEnabled(t *testing.T) {
	c, _, _, _ := newTestCBP(t)

	var iserr *InvalidStateError
	require.ErrorAs(t, c.Move(10, 10), &iserr)
	require.ErrorAs(t, c.Enable(), &iserr)

	require.NoError(t, c.Start(context.Background()))
	primed := c.Status().MaskRotationTarget

	require.ErrorAs(t, c.SetMaskRotation(90), &iserr)
	require.Equal(t, primed, c.Status().MaskRotationTarget, "rejected command must not touch the target")
	require.ErrorAs(t, c.Move(10, 10), &iserr)
	require.ErrorAs(t, c.Park(), &iserr)
	require.Equal(t, Disabled, c.State())
}

func TestEnableDisable(t *testing.T) {
	c, rec, _, _ := newTestCBP(t)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.Enable())
	require.Equal(t, Enabled, c.State())
	waitFor(t, "telemetry", func() bool { return rec.statusCount() > 2 })

	// Enable while enabled is a no-op.
	require.NoError(t, c.Enable())

	require.NoError(t, c.Disable())
	require.Equal(t, Disabled, c.State())
	n := rec.statusCount()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, n, rec.statusCount(), "telemetry must stop with the loop")

	// Disable while disabled is a no-op.
	require.NoError(t, c.Disable())
}

func TestMoveRangeError(t *testing.T) {
	c, rec, _, _ := newTestCBP(t)
	startEnabled(t, c, rec)
	before := c.Status()

	var rerr *RangeError
	require.ErrorAs(t, c.Move(90, 0), &rerr)
	require.ErrorAs(t, c.Move(0, -90), &rerr)
	require.ErrorAs(t, c.SetMaskRotation(400), &rerr)
	require.ErrorAs(t, c.SetFocus(20000), &rerr)
	require.ErrorIs(t, c.SetMask("no such mask"), ErrUnknownMask)

	after := c.Status()
	require.Equal(t, before.AzimuthTarget, after.AzimuthTarget)
	require.Equal(t, before.ElevationTarget, after.ElevationTarget)
	require.Equal(t, before.MaskRotationTarget, after.MaskRotationTarget)
	require.Equal(t, before.FocusTarget, after.FocusTarget)
	require.Equal(t, before.MaskTarget, after.MaskTarget)
	require.Equal(t, 0, rec.targetCount())
}

func TestMoveEndToEnd(t *testing.T) {
	c, rec, _, _ := newTestCBP(t)
	startEnabled(t, c, rec)

	require.NoError(t, c.Move(0.5, 0.4))

	require.Equal(t, 1, rec.targetCount(), "one target announcement per move")
	tg := rec.lastTarget()
	require.Equal(t, 0.5, tg.Azimuth)
	require.Equal(t, 0.4, tg.Elevation)

	// Both mount flags drop together in a single event.
	mounts := rec.mountEvents()
	require.Len(t, mounts, 1)
	require.Equal(t, MountInPosition{}, mounts[0])

	waitFor(t, "mount in position", func() bool {
		m := rec.mountEvents()
		last := m[len(m)-1]
		return last.Azimuth && last.Elevation
	})
	s := c.Status()
	require.InDelta(t, 0.5, s.Azimuth, 0.15)
	require.InDelta(t, 0.4, s.Elevation, 0.15)
}

func TestMoveToCurrentPositionRecovers(t *testing.T) {
	c, rec, _, _ := newTestCBP(t)
	startEnabled(t, c, rec)

	// Already at (0, 0): the flags still drop, then settle true again.
	require.NoError(t, c.Move(0, 0))
	waitFor(t, "flags to cycle false then true", func() bool {
		return len(rec.mountEvents()) >= 2
	})
	m := rec.mountEvents()
	require.Equal(t, MountInPosition{}, m[0])
	require.Equal(t, MountInPosition{Azimuth: true, Elevation: true}, m[1])
}

func TestMaskRotationWraparound(t *testing.T) {
	c, rec, _, _ := newTestCBP(t)
	startEnabled(t, c, rec)

	// 359.9 is 0.1 degrees from the rotator's rest at 0: within tolerance
	// despite the numeric difference of 359.9.
	require.NoError(t, c.SetMaskRotation(359.9))
	waitFor(t, "rotation in position across the seam", func() bool {
		s := c.Status()
		return s.MaskRotationInPosition && s.MaskRotationTarget == 359.9
	})

	// A real short move across the seam: 359.9 -> 2 is 2.1 degrees.
	rec.reset()
	require.NoError(t, c.SetMaskRotation(2))
	waitFor(t, "rotation settled at 2", func() bool {
		s := c.Status()
		return s.MaskRotationInPosition
	})
	require.InDelta(t, 2, c.Status().MaskRotation, 0.25)
}

func TestSetMaskChainsRotation(t *testing.T) {
	c, rec, _, _ := newTestCBP(t)
	startEnabled(t, c, rec)

	require.NoError(t, c.SetMask("Mask 2"))
	s := c.Status()
	require.Equal(t, "Mask 2", s.MaskTarget)
	require.Equal(t, float64(60), s.MaskRotationTarget)
	require.False(t, s.MaskInPosition)
	require.False(t, s.MaskRotationInPosition)

	require.Equal(t, 1, rec.targetCount())
	tg := rec.lastTarget()
	require.Equal(t, "Mask 2", tg.Mask)
	require.Equal(t, float64(60), tg.MaskRotation)
}

func TestSetFocus(t *testing.T) {
	c, rec, _, _ := newTestCBP(t)
	startEnabled(t, c, rec)

	require.NoError(t, c.SetFocus(50))
	waitFor(t, "focus in position", func() bool {
		s := c.Status()
		return s.FocusInPosition && s.FocusTarget == 50
	})
	require.InDelta(t, 50, c.Status().Focus, 0.5)
}

func TestParkRefusesMotion(t *testing.T) {
	c, rec, _, _ := newTestCBP(t)
	startEnabled(t, c, rec)

	require.NoError(t, c.Park())
	require.True(t, c.Status().Parked)

	require.ErrorIs(t, c.Move(1, 1), ErrParked)
	require.ErrorIs(t, c.SetMaskRotation(10), ErrParked)
	require.ErrorIs(t, c.SetMask("Mask 2"), ErrParked)
	require.ErrorIs(t, c.SetFocus(100), ErrParked)

	require.NoError(t, c.Unpark())
	require.False(t, c.Status().Parked)
	require.NoError(t, c.Move(1, 1))
}

func TestConnectionLossFaultsOnce(t *testing.T) {
	c, rec, _, drop := newTestCBP(t)
	startEnabled(t, c, rec)

	drop()
	waitFor(t, "fault", func() bool { return c.State() == Fault })
	require.NotEmpty(t, c.Status().FaultReason)

	// Later cycles must not re-report the fault.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, rec.faultCount())

	var iserr *InvalidStateError
	require.ErrorAs(t, c.Move(1, 1), &iserr)

	require.NoError(t, c.Standby())
	require.Equal(t, Standby, c.State())
	require.Empty(t, c.Status().FaultReason)
}

func TestDevicePanicFaults(t *testing.T) {
	c, rec, srv, _ := newTestCBP(t)
	startEnabled(t, c, rec)

	srv.Device.SetPanic(true)
	waitFor(t, "panic fault", func() bool { return c.State() == Fault })
	require.Contains(t, c.Status().FaultReason, "panic")
	require.Equal(t, 1, rec.faultCount())
}

// newStubCBP points a controller at a loopback device whose replies the
// test scripts line by line. A handler returning ok=false swallows the
// command, the way the real controller ignores lines it does not speak.
func newStubCBP(t *testing.T, handler func(line string) (string, bool)) (*CBP, *recorder) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					reply, ok := handler(scanner.Text())
					if !ok {
						continue
					}
					if _, err := io.WriteString(conn, reply+"\r\n"); err != nil {
						return
					}
				}
			}()
		}
	}()

	host, portStr, err := net.SplitHostPort(lis.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	rec := &recorder{}
	c, err := New(Config{
		SimulationMode:  true,
		SimulatorHost:   host,
		SimulatorPort:   port,
		TelemetryPeriod: 10 * time.Millisecond,
		ResponseTimeout: 2 * time.Second,
		Retry:           transport.RetryPolicy{Interval: 10 * time.Millisecond, MaxAttempts: 2},
	}, rec.events(), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Standby() })
	return c, rec
}

func TestStandbyDuringCommandDoesNotFault(t *testing.T) {
	// The device answers everything except the azimuth move, so Move hangs
	// in its reply read until Standby severs the session.
	dev := simulator.NewDevice()
	c, rec := newStubCBP(t, func(line string) (string, bool) {
		if strings.HasPrefix(line, "new_az=") {
			return "", false
		}
		return dev.HandleLine(line)
	})
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Enable())

	moveErr := make(chan error, 1)
	go func() { moveErr <- c.Move(1, 1) }()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Standby())

	select {
	case err := <-moveErr:
		var cerr *transport.ConnectionError
		require.ErrorAs(t, err, &cerr)
	case <-time.After(5 * time.Second):
		t.Fatal("move did not abort on standby")
	}
	require.Equal(t, Standby, c.State())
	require.Equal(t, 0, rec.faultCount(), "operator standby must not publish a Fault transition")
}

func TestRefusedCommandKeepsLifecycle(t *testing.T) {
	dev := simulator.NewDevice()
	c, rec := newStubCBP(t, func(line string) (string, bool) {
		if strings.HasPrefix(line, "new_foc=") {
			return "?", true
		}
		return dev.HandleLine(line)
	})
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Enable())

	require.ErrorIs(t, c.SetFocus(100), dmc.ErrRefused)
	require.Equal(t, Enabled, c.State())
	require.Equal(t, 0, rec.faultCount())
}

package simulator

import (
	"bufio"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestActuatorInterpolation(t *testing.T) {
	t0 := time.Now()
	a := newActuator(-45, 45, 10, 0)
	a.set(20, t0)

	require.InDelta(t, 0, a.position(t0), 1e-9)
	require.InDelta(t, 10, a.position(t0.Add(time.Second)), 1e-9)
	require.InDelta(t, 20, a.position(t0.Add(2*time.Second)), 1e-9)
	// Arrived; no overshoot.
	require.InDelta(t, 20, a.position(t0.Add(time.Hour)), 1e-9)
}

func TestActuatorDescends(t *testing.T) {
	t0 := time.Now()
	a := newActuator(-69, 45, 10, 30)
	a.set(-10, t0)

	require.InDelta(t, 20, a.position(t0.Add(time.Second)), 1e-9)
	require.InDelta(t, -10, a.position(t0.Add(4*time.Second)), 1e-9)
}

func TestActuatorClampsToLimits(t *testing.T) {
	t0 := time.Now()
	a := newActuator(-45, 45, 10, 0)
	a.set(100, t0)
	require.InDelta(t, 45, a.position(t0.Add(time.Hour)), 1e-9)
	a.set(-100, t0.Add(time.Hour))
	require.InDelta(t, -45, a.position(t0.Add(2*time.Hour)), 1e-9)
}

func TestActuatorRetargetMidMove(t *testing.T) {
	t0 := time.Now()
	a := newActuator(-45, 45, 10, 0)
	a.set(40, t0)
	// One second in (at 10 degrees), turn around.
	a.set(0, t0.Add(time.Second))
	require.InDelta(t, 5, a.position(t0.Add(1500*time.Millisecond)), 1e-9)
	require.InDelta(t, 0, a.position(t0.Add(3*time.Second)), 1e-9)
}

func TestCircularActuatorShortestPath(t *testing.T) {
	t0 := time.Now()
	a := newCircularActuator(10, 350)
	// 350 -> 10 is 20 degrees forward through the seam, not 340 back.
	a.set(10, t0)
	require.InDelta(t, 0, a.position(t0.Add(time.Second)), 1e-9)
	require.InDelta(t, 5, a.position(t0.Add(1500*time.Millisecond)), 1e-9)
	require.InDelta(t, 10, a.position(t0.Add(2*time.Second)), 1e-9)

	// And 10 -> 350 goes backward through the seam.
	a.set(350, t0.Add(2*time.Second))
	require.InDelta(t, 0, a.position(t0.Add(3*time.Second)), 1e-9)
	require.InDelta(t, 350, a.position(t0.Add(4*time.Second)), 1e-9)
}

func TestHandleLine(t *testing.T) {
	d := NewDevice()
	now := time.Now()
	d.now = func() time.Time { return now }

	for _, tc := range []struct {
		line, want string
		silent     bool
	}{
		{line: "az=?", want: "0"},
		{line: "alt=?", want: "0"},
		{line: "foc=?", want: "0"},
		{line: "msk=?", want: "1"},
		{line: "rot=?", want: "0"},
		{line: "park=?", want: "0.0"},
		{line: "autopark=?", want: "0.0"},
		{line: "wdpanic=?", want: "0.0"},
		{line: "AAstat=?", want: "0.0"},
		{line: "AEstat=?", want: "0.0"},
		{line: "new_az=12.5", want: ":"},
		{line: "new_alt=-31.5", want: ":"},
		{line: "new_foc=600", want: ":"},
		{line: "new_msk=2", want: ":"},
		{line: "new_rot=90.5", want: ":"},
		{line: "park=1", want: ":"},
		{line: "park=?", want: "1.0"},
		// No reply at all for unknown keywords, a missing parameter, or a
		// value the controller cannot parse.
		{line: "warp=9", silent: true},
		{line: "az", silent: true},
		{line: "new_az=fast", silent: true},
		{line: "new_foc=1.5", silent: true},
	} {
		t.Run(tc.line, func(t *testing.T) {
			got, ok := d.HandleLine(tc.line)
			require.Equal(t, !tc.silent, ok)
			if ok {
				require.Equal(t, tc.want, got)
			}
		})
	}
}

func TestHandleLineMovesOverTime(t *testing.T) {
	d := NewDevice()
	now := time.Now()
	d.now = func() time.Time { return now }

	reply := func(line string) string {
		t.Helper()
		got, ok := d.HandleLine(line)
		require.True(t, ok)
		return got
	}
	require.Equal(t, ":", reply("new_az=20"))
	now = now.Add(time.Second)
	require.Equal(t, "10", reply("az=?"))
	now = now.Add(time.Second)
	require.Equal(t, "20", reply("az=?"))
}

func TestPanicFlag(t *testing.T) {
	d := NewDevice()
	got, _ := d.HandleLine("wdpanic=?")
	require.Equal(t, "0.0", got)
	d.SetPanic(true)
	got, _ = d.HandleLine("wdpanic=?")
	require.Equal(t, "1.0", got)
}

func TestSimulatorOverPipe(t *testing.T) {
	sim, client := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- sim.Run(ctx) }()

	br := bufio.NewReader(client)
	exchange := func(cmd string) string {
		t.Helper()
		_, err := client.Write([]byte(cmd + "\r\n"))
		require.NoError(t, err)
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		return line
	}

	require.Equal(t, "0\r\n", exchange("az=?"))
	require.Equal(t, ":\r\n", exchange("new_az=5"))

	// An unknown command gets no reply; the next exchange still lines up.
	_, err := client.Write([]byte("warp=9\r\n"))
	require.NoError(t, err)
	require.Equal(t, ":\r\n", exchange("park=1"))

	// Closing the client ends Run cleanly.
	require.NoError(t, client.Close())
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the peer closed")
	}
}

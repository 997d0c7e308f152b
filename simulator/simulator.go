// Package simulator implements a protocol-faithful stand-in for the CBP's
// DMC motion controller. It answers the same keyword=value command set over
// an in-process pipe or a TCP listener, with axes that move at the real
// hardware's rates.
package simulator

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const movementReply = ":"

// Device holds the simulated axes and flags. All methods are safe for
// concurrent use.
type Device struct {
	mu         sync.Mutex
	azimuth    *actuator
	elevation  *actuator
	focus      *actuator
	maskSelect *actuator
	maskRotate *circularActuator
	parked     bool
	autoPark   bool
	panicked   bool

	now func() time.Time
}

// NewDevice returns a device at rest: mount at (0, 0), focus 0, mask 1,
// mask rotation 0, unparked.
func NewDevice() *Device {
	return &Device{
		azimuth:    newActuator(-45, 45, 10, 0),
		elevation:  newActuator(-69, 45, 10, 0),
		focus:      newActuator(0, 13000, 1000, 0),
		maskSelect: newActuator(1, 5, 1, 1),
		maskRotate: newCircularActuator(10, 0),
		now:        time.Now,
	}
}

// SetPanic raises or clears the watchdog panic flag.
func (d *Device) SetPanic(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.panicked = v
}

// HandleLine executes one command line, already stripped of its terminator.
// The second return is false when the command gets no reply at all: the real
// controller stays silent on unknown keywords and unparsable parameters, and
// the clients' read deadlines deal with it.
func (d *Device) HandleLine(line string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()

	key, param, found := strings.Cut(line, "=")
	if !found {
		return "", false
	}
	isQuery := param == "?"

	switch key {
	case "az":
		if isQuery {
			return formatFloat(d.azimuth.position(now)), true
		}
	case "alt":
		if isQuery {
			return formatFloat(d.elevation.position(now)), true
		}
	case "foc":
		if isQuery {
			return strconv.Itoa(int(d.focus.position(now))), true
		}
	case "msk":
		if isQuery {
			return formatFloat(d.maskSelect.position(now)), true
		}
	case "rot":
		if isQuery {
			return formatFloat(d.maskRotate.position(now)), true
		}
	case "new_az":
		if v, err := strconv.ParseFloat(param, 64); err == nil {
			d.azimuth.set(v, now)
			return movementReply, true
		}
	case "new_alt":
		if v, err := strconv.ParseFloat(param, 64); err == nil {
			d.elevation.set(v, now)
			return movementReply, true
		}
	case "new_foc":
		if v, err := strconv.Atoi(param); err == nil {
			d.focus.set(float64(v), now)
			return movementReply, true
		}
	case "new_msk":
		if v, err := strconv.Atoi(param); err == nil {
			d.maskSelect.set(float64(v), now)
			return movementReply, true
		}
	case "new_rot":
		if v, err := strconv.ParseFloat(param, 64); err == nil {
			d.maskRotate.set(v, now)
			return movementReply, true
		}
	case "park":
		if isQuery {
			return formatFlag(d.parked), true
		}
		if v, err := strconv.Atoi(param); err == nil {
			d.parked = v != 0
			return movementReply, true
		}
	case "autopark":
		if isQuery {
			return formatFlag(d.autoPark), true
		}
	case "wdpanic":
		if isQuery {
			return formatFlag(d.panicked), true
		}
	case "AAstat", "ABstat", "ACstat", "ADstat", "AEstat":
		if isQuery {
			return "0.0", true
		}
	}
	return "", false
}

// serve answers commands from conn until it closes.
func (d *Device) serve(conn io.ReadWriter) error {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		reply, ok := d.HandleLine(scanner.Text())
		if !ok {
			continue
		}
		if _, err := io.WriteString(conn, reply+"\r\n"); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// The controller reports flags in float form.
func formatFlag(b bool) string {
	if b {
		return "1.0"
	}
	return "0.0"
}

// Simulator couples a Device to one end of an in-process pipe.
type Simulator struct {
	Device *Device
	conn   net.Conn
}

// New returns a simulator and the client half of its connection.
func New() (*Simulator, net.Conn) {
	client, server := net.Pipe()
	return &Simulator{Device: NewDevice(), conn: server}, client
}

// Run serves the pipe until ctx is cancelled or the peer closes it.
func (s *Simulator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.conn.Close()
		return ctx.Err()
	})
	g.Go(func() error {
		if err := s.Device.serve(s.conn); err != nil {
			return err
		}
		return io.EOF
	})
	err := g.Wait()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

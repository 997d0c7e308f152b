// Package transport provides the line-oriented link to the CBP's motion
// controller, over TCP or a local serial port.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tarm/serial"

	"github.com/beamcal/cbp_interface/dmc"
)

const maxLineLen = 4096

// ConnectionError reports a failed dial, write, or read on the link.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RetryPolicy controls repeated connection attempts.
type RetryPolicy struct {
	// Interval is the fixed delay between attempts.
	Interval time.Duration `mapstructure:"interval"`
	// MaxAttempts bounds the number of attempts. 0 retries without bound.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// Dialer opens sessions to the controller. The zero value dials TCP with no
// timeouts, retrying failed attempts without bound.
type Dialer struct {
	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration
	// ReadTimeout is the default deadline for ReadLine calls. On a serial
	// link it is fixed at open time and bounds every read.
	ReadTimeout time.Duration
	// Retry governs how connection attempts are repeated.
	Retry RetryPolicy
	// Serial switches addr from host:port to a serial device path.
	Serial bool
	// Baud is the serial line rate; used only when Serial is set.
	Baud int

	dial func(ctx context.Context, addr string) (io.ReadWriteCloser, error)
}

// Dial connects to addr, retrying per the policy. It fails once the attempt
// budget is spent or ctx is cancelled, whichever comes first.
func (d Dialer) Dial(ctx context.Context, addr string) (*Conn, error) {
	dial := d.dial
	if dial == nil {
		if d.Serial {
			dial = d.dialSerial
		} else {
			dial = d.dialTCP
		}
	}
	var lastErr error
	for attempt := 1; ; attempt++ {
		rwc, err := dial(ctx, addr)
		if err == nil {
			return &Conn{
				rwc:         rwc,
				br:          bufio.NewReaderSize(rwc, maxLineLen),
				readTimeout: d.ReadTimeout,
			}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, &ConnectionError{Op: "dial " + addr, Err: ctx.Err()}
		}
		if d.Retry.MaxAttempts > 0 && attempt >= d.Retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &ConnectionError{Op: "dial " + addr, Err: ctx.Err()}
		case <-time.After(d.Retry.Interval):
		}
	}
	return nil, &ConnectionError{Op: "dial " + addr, Err: lastErr}
}

func (d Dialer) dialTCP(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	nd := net.Dialer{Timeout: d.ConnectTimeout}
	return nd.DialContext(ctx, "tcp", addr)
}

func (d Dialer) dialSerial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	return serial.OpenPort(&serial.Config{
		Name:        addr,
		Baud:        d.Baud,
		ReadTimeout: d.ReadTimeout,
	})
}

// Conn is one connected session. Methods are not safe for concurrent use;
// callers serialize access, except Close which may be called at any time to
// abort a blocked read.
type Conn struct {
	rwc         io.ReadWriteCloser
	br          *bufio.Reader
	readTimeout time.Duration
}

// Send writes one command line, appending the protocol terminator.
func (c *Conn) Send(line string) error {
	if _, err := io.WriteString(c.rwc, line+dmc.Terminator); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// ReadLine reads one terminated line and returns it without the terminator.
// A timeout of zero falls back to the dialer's ReadTimeout; on TCP the
// deadline covers this call only. A line missing its carriage return, or one
// larger than the read buffer, is malformed framing and fails with
// ProtocolError rather than ConnectionError.
func (c *Conn) ReadLine(timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = c.readTimeout
	}
	if nc, ok := c.rwc.(net.Conn); ok && timeout > 0 {
		nc.SetReadDeadline(time.Now().Add(timeout))
	}
	// ReadSlice, not ReadString: only the former reports a line that
	// outgrows the buffer, which bounds how much a misbehaving device can
	// make us swallow.
	s, err := c.br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", &dmc.ProtocolError{Reason: "oversize reply", Line: head(string(s))}
		}
		return "", &ConnectionError{Op: "read", Err: err}
	}
	if len(s) < 2 || s[len(s)-2] != '\r' {
		return "", &dmc.ProtocolError{Reason: "malformed framing", Line: head(string(s))}
	}
	return string(s[:len(s)-2]), nil
}

// Close releases the link unconditionally and aborts any blocked read. It is
// safe to call concurrently with ReadLine.
func (c *Conn) Close() error {
	return c.rwc.Close()
}

func head(s string) string {
	if len(s) > 64 {
		return s[:64]
	}
	return s
}

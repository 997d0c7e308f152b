// Package dmc speaks the ASCII protocol of the CBP's DMC motion controller.
//
// Commands are single keyword=parameter lines. A query passes "?" as its
// parameter ("az=?"); a set passes the formatted target ("new_az=-31.5").
// Replies are single lines: ":" acknowledges a set, "?" refuses a command,
// anything else is the queried value. The controller's prompt leaks a
// trailing ":" into some replies, so decoding strips it.
package dmc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Terminator ends every line in both directions.
const Terminator = "\r\n"

// Controller keywords.
const (
	CmdAzimuth         = "az"
	CmdElevation       = "alt"
	CmdFocus           = "foc"
	CmdMask            = "msk"
	CmdMaskRotation    = "rot"
	CmdPark            = "park"
	CmdAutoPark        = "autopark"
	CmdPanic           = "wdpanic"
	CmdNewAzimuth      = "new_az"
	CmdNewElevation    = "new_alt"
	CmdNewFocus        = "new_foc"
	CmdNewMask         = "new_msk"
	CmdNewMaskRotation = "new_rot"
)

// Encoder status keywords in controller order: azimuth, elevation, mask,
// mask rotation, focus.
var StatusKeywords = [5]string{"AAstat", "ABstat", "ACstat", "ADstat", "AEstat"}

// ErrRefused is returned when the controller answers a command with "?".
var ErrRefused = errors.New("dmc: command refused by controller")

// ProtocolError reports a reply that does not fit the protocol.
type ProtocolError struct {
	Reason string
	Line   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("dmc: %s in reply %q", e.Reason, e.Line)
}

// Command is one line sent to the controller.
type Command struct {
	Keyword string
	Params  []string
}

// Query builds a readback of the named value.
func Query(keyword string) Command {
	return Command{Keyword: keyword, Params: []string{"?"}}
}

// SetFloat builds a set command with a float parameter.
func SetFloat(keyword string, v float64) Command {
	return Command{Keyword: keyword, Params: []string{strconv.FormatFloat(v, 'f', -1, 64)}}
}

// SetInt builds a set command with an integer parameter.
func SetInt(keyword string, v int) Command {
	return Command{Keyword: keyword, Params: []string{strconv.Itoa(v)}}
}

// Encode renders the command as one protocol line, without the terminator.
func (c Command) Encode() string {
	return c.Keyword + "=" + strings.Join(c.Params, " ")
}

// Reply is one decoded response line. The zero value is a plain
// acknowledgement.
type Reply struct {
	// Nak reports that the controller refused the command.
	Nak bool
	// Payload holds the reply fields, empty for a bare acknowledgement.
	Payload string
}

// Decode interprets one reply line. The line may still carry its terminator
// and the trailing ":" artifact; both are removed, so the payload never
// contains them.
func Decode(line string) Reply {
	s := strings.TrimRight(line, "\r\n")
	s = strings.TrimSuffix(s, ":")
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return Reply{}
	case "?":
		return Reply{Nak: true}
	}
	return Reply{Payload: s}
}

// Err returns ErrRefused for a negative acknowledgement, nil otherwise.
func (r Reply) Err() error {
	if r.Nak {
		return ErrRefused
	}
	return nil
}

// Float returns the payload as a float64.
func (r Reply) Float() (float64, error) {
	if r.Nak {
		return 0, ErrRefused
	}
	v, err := strconv.ParseFloat(r.Payload, 64)
	if err != nil {
		return 0, &ProtocolError{Reason: "expected a number", Line: r.Payload}
	}
	return v, nil
}

// Int returns the payload as an int. The controller reports integer
// quantities in float form ("9.0").
func (r Reply) Int() (int, error) {
	v, err := r.Float()
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// Bool returns the payload as a flag. The controller reports flags as
// "0.0" and "1.0".
func (r Reply) Bool() (bool, error) {
	v, err := r.Float()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

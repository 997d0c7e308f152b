package cbp

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/beamcal/cbp_interface/internal/transport"
)

// Limits is an inclusive travel range for one axis.
type Limits struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

func (l Limits) contains(v float64) bool {
	return v >= l.Min && v <= l.Max
}

// Mask describes one slot of the mask changer.
type Mask struct {
	// Name identifies the mask to operators; it need not match the slot.
	Name string `mapstructure:"name"`
	// ID is the changer slot, 1 through 5.
	ID int `mapstructure:"id"`
	// Rotation is the mask's home rotation in degrees, applied when the
	// mask is selected.
	Rotation float64 `mapstructure:"rotation"`
}

// Config holds the device parameters. Zero fields are replaced by defaults
// in New, except SimulationMode and the hardware address, which have no
// sensible defaults.
type Config struct {
	// Host and Port address the controller on the real hardware.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// SimulatorHost and SimulatorPort are used instead when SimulationMode
	// is set.
	SimulatorHost  string `mapstructure:"simulator_host"`
	SimulatorPort  int    `mapstructure:"simulator_port"`
	SimulationMode bool   `mapstructure:"simulation_mode"`

	// SerialDevice, when set, replaces TCP with a direct serial link to the
	// controller (e.g. /dev/ttyUSB0). Ignored in simulation mode.
	SerialDevice string `mapstructure:"serial_device"`
	// Baud is the serial line rate.
	Baud int `mapstructure:"baud"`

	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	// LongResponseTimeout bounds replies to mask and rotation moves, which
	// the controller acknowledges only once the motor has stopped.
	LongResponseTimeout time.Duration `mapstructure:"long_response_timeout"`
	// TelemetryPeriod is the device polling interval while enabled.
	TelemetryPeriod time.Duration `mapstructure:"telemetry_period"`

	Retry transport.RetryPolicy `mapstructure:"retry"`

	AzimuthLimits   Limits `mapstructure:"azimuth_limits"`
	ElevationLimits Limits `mapstructure:"elevation_limits"`
	// FocusLimits is in microns.
	FocusLimits Limits `mapstructure:"focus_limits"`

	// MountTolerance is the in-position threshold for azimuth and
	// elevation, in degrees.
	MountTolerance float64 `mapstructure:"mount_tolerance"`
	// RotationTolerance is the in-position threshold for mask rotation, in
	// degrees of shortest angular distance.
	RotationTolerance float64 `mapstructure:"rotation_tolerance"`
	// FocusTolerance is the in-position threshold for focus, in microns.
	FocusTolerance float64 `mapstructure:"focus_tolerance"`

	// Masks is the changer inventory. Empty means DefaultMasks.
	Masks []Mask `mapstructure:"masks"`
}

// DefaultMasks is the factory mask inventory: five generically named masks
// with staggered home rotations.
func DefaultMasks() []Mask {
	return []Mask{
		{Name: "Mask 1", ID: 1, Rotation: 30},
		{Name: "Mask 2", ID: 2, Rotation: 60},
		{Name: "Mask 3", ID: 3, Rotation: 90},
		{Name: "Mask 4", ID: 4, Rotation: 120},
		{Name: "Mask 5", ID: 5, Rotation: 150},
	}
}

func (c *Config) fillDefaults() {
	if c.SimulatorHost == "" {
		c.SimulatorHost = "127.0.0.1"
	}
	if c.SimulatorPort == 0 {
		c.SimulatorPort = 5000
	}
	if c.Baud == 0 {
		c.Baud = 19200
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = 5 * time.Second
	}
	if c.LongResponseTimeout == 0 {
		c.LongResponseTimeout = 30 * time.Second
	}
	if c.TelemetryPeriod == 0 {
		c.TelemetryPeriod = 500 * time.Millisecond
	}
	if c.Retry.Interval == 0 {
		c.Retry.Interval = time.Second
	}
	if c.AzimuthLimits == (Limits{}) {
		c.AzimuthLimits = Limits{Min: -45, Max: 45}
	}
	if c.ElevationLimits == (Limits{}) {
		c.ElevationLimits = Limits{Min: -69, Max: 45}
	}
	if c.FocusLimits == (Limits{}) {
		c.FocusLimits = Limits{Min: 0, Max: 13000}
	}
	if c.MountTolerance == 0 {
		c.MountTolerance = 0.15
	}
	if c.RotationTolerance == 0 {
		c.RotationTolerance = 0.25
	}
	if c.FocusTolerance == 0 {
		c.FocusTolerance = 0.5
	}
	if len(c.Masks) == 0 {
		c.Masks = DefaultMasks()
	}
}

// deviceAddr is the dial target: the simulator when simulating, otherwise
// the serial device or the hardware's TCP endpoint.
func (c *Config) deviceAddr() string {
	if c.SimulationMode {
		return net.JoinHostPort(c.SimulatorHost, strconv.Itoa(c.SimulatorPort))
	}
	if c.SerialDevice != "" {
		return c.SerialDevice
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) dialer() transport.Dialer {
	return transport.Dialer{
		ConnectTimeout: c.ConnectTimeout,
		ReadTimeout:    c.ResponseTimeout,
		Retry:          c.Retry,
		Serial:         !c.SimulationMode && c.SerialDevice != "",
		Baud:           c.Baud,
	}
}

// maskName maps a changer slot read back from the device to its configured
// name. Slot 9 is the changer's own "no idea" answer.
func maskName(byID map[int]Mask, id int) string {
	if m, ok := byID[id]; ok {
		return m.Name
	}
	return "Unknown"
}

func (c *Config) maskTables() (byID map[int]Mask, byName map[string]Mask, err error) {
	byID = make(map[int]Mask, len(c.Masks))
	byName = make(map[string]Mask, len(c.Masks))
	for _, m := range c.Masks {
		if _, dup := byID[m.ID]; dup {
			return nil, nil, fmt.Errorf("cbp: duplicate mask id %d", m.ID)
		}
		if _, dup := byName[m.Name]; dup {
			return nil, nil, fmt.Errorf("cbp: duplicate mask name %q", m.Name)
		}
		byID[m.ID] = m
		byName[m.Name] = m
	}
	return byID, byName, nil
}
